package http

import (
	"net/http"

	"camwatch/internal/core/domain"
	"camwatch/internal/core/ports"

	"github.com/gin-gonic/gin"
)

// ClusterHandler serves the sessions every instance mirrors into Redis.
type ClusterHandler struct {
	mirror ports.SessionMirror
}

func NewClusterHandler(mirror ports.SessionMirror) *ClusterHandler {
	return &ClusterHandler{mirror: mirror}
}

func (h *ClusterHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/cluster/streams", h.ListClusterStreams)
}

// ListClusterStreams groups mirrored sessions by instance. An optional
// camera_id query narrows the result.
func (h *ClusterHandler) ListClusterStreams(c *gin.Context) {
	sessions, err := h.mirror.List(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}

	camID := domain.CameraID(c.Query("camera_id"))
	byInstance := make(map[string][]*domain.MirroredSession)
	count := 0
	for _, s := range sessions {
		if camID != "" && s.Session.CameraID != camID {
			continue
		}
		byInstance[s.InstanceID] = append(byInstance[s.InstanceID], s)
		count++
	}

	c.JSON(http.StatusOK, gin.H{
		"instances": byInstance,
		"count":     count,
	})
}
