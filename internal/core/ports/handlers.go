package ports

import (
	"github.com/gin-gonic/gin"
)

type HTTPHandler interface {
	StartStream(c *gin.Context)
	GetStream(c *gin.Context)
	GetStreamByCamera(c *gin.Context)
	ListStreams(c *gin.Context)
	StopStream(c *gin.Context)
	StopCameraStreams(c *gin.Context)
	StopAllStreams(c *gin.Context)
	TogglePlayPause(c *gin.Context)
	ToggleMute(c *gin.Context)
	SetVolume(c *gin.Context)
	TakeSnapshot(c *gin.Context)
	EnterFullscreen(c *gin.Context)
	Detect(c *gin.Context)
}

type EventStreamHandler interface {
	HandleEvents(c *gin.Context)
}
