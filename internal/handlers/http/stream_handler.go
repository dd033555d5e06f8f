package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"camwatch/internal/core/domain"
	"camwatch/internal/core/ports"
	"camwatch/internal/core/services"
	"camwatch/pkg/cache"
	apperrors "camwatch/pkg/errors"
	"camwatch/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var _ ports.HTTPHandler = (*StreamHandler)(nil)

// StreamOptionsRequest overrides the configured defaults field by field.
type StreamOptionsRequest struct {
	Autoplay          *bool `json:"autoplay"`
	Muted             *bool `json:"muted"`
	Loop              *bool `json:"loop"`
	LowLatency        *bool `json:"low_latency"`
	MaxBufferLengthMs *int  `json:"max_buffer_length_ms"`
	StartLevel        *int  `json:"start_level"`
	StartupTimeoutMs  *int  `json:"startup_timeout_ms"`
}

type StartStreamRequest struct {
	CameraID string                `json:"camera_id" binding:"required"`
	URL      string                `json:"url" binding:"required"`
	Options  *StreamOptionsRequest `json:"options"`
}

type SetVolumeRequest struct {
	Volume *float64 `json:"volume" binding:"required"`
}

type StreamHandler struct {
	orchestrator ports.Orchestrator
	sinks        ports.SinkFactory
	defaults     domain.StreamOptions
	proxyBase    string
	snapshots    *cache.Cache[domain.SessionID, []byte]
	logger       *zap.SugaredLogger
}

// NewStreamHandler builds the control API. A zero snapshotTTL disables
// snapshot caching.
func NewStreamHandler(
	orchestrator ports.Orchestrator,
	sinks ports.SinkFactory,
	defaults domain.StreamOptions,
	proxyBase string,
	snapshotTTL time.Duration,
	logger *zap.SugaredLogger,
) *StreamHandler {
	h := &StreamHandler{
		orchestrator: orchestrator,
		sinks:        sinks,
		defaults:     defaults,
		proxyBase:    proxyBase,
		logger:       logger,
	}
	if snapshotTTL > 0 {
		h.snapshots = cache.New[domain.SessionID, []byte](snapshotTTL)
	}
	return h
}

func (h *StreamHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/streams", h.StartStream)
	api.GET("/streams", h.ListStreams)
	api.DELETE("/streams", h.StopAllStreams)
	api.GET("/streams/:id", h.GetStream)
	api.DELETE("/streams/:id", h.StopStream)
	api.POST("/streams/:id/toggle-play", h.TogglePlayPause)
	api.POST("/streams/:id/toggle-mute", h.ToggleMute)
	api.PUT("/streams/:id/volume", h.SetVolume)
	api.GET("/streams/:id/snapshot", h.TakeSnapshot)
	api.POST("/streams/:id/fullscreen", h.EnterFullscreen)

	api.GET("/cameras/:camera_id/stream", h.GetStreamByCamera)
	api.DELETE("/cameras/:camera_id/streams", h.StopCameraStreams)

	api.GET("/detect", h.Detect)
}

// Close releases the snapshot cache.
func (h *StreamHandler) Close() {
	if h.snapshots != nil {
		h.snapshots.Stop()
	}
}

func invalidInput(c *gin.Context, err error) {
	_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
}

func (h *StreamHandler) options(req *StreamOptionsRequest) (domain.StreamOptions, error) {
	opts := h.defaults
	if req == nil {
		return opts, nil
	}
	if req.Autoplay != nil {
		opts.Autoplay = *req.Autoplay
	}
	if req.Muted != nil {
		opts.Muted = *req.Muted
	}
	if req.Loop != nil {
		opts.Loop = *req.Loop
	}
	if req.LowLatency != nil {
		opts.LowLatency = *req.LowLatency
	}
	if req.MaxBufferLengthMs != nil {
		if *req.MaxBufferLengthMs <= 0 {
			return opts, errors.New("max_buffer_length_ms must be > 0")
		}
		opts.MaxBufferLength = time.Duration(*req.MaxBufferLengthMs) * time.Millisecond
	}
	if req.StartLevel != nil {
		if err := validation.ValidateStartLevel(*req.StartLevel); err != nil {
			return opts, err
		}
		opts.StartLevel = *req.StartLevel
	}
	if req.StartupTimeoutMs != nil {
		if *req.StartupTimeoutMs < 0 {
			return opts, errors.New("startup_timeout_ms must be >= 0")
		}
		opts.StartupTimeout = time.Duration(*req.StartupTimeoutMs) * time.Millisecond
	}
	return opts, nil
}

func (h *StreamHandler) StartStream(c *gin.Context) {
	var req StartStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidInput(c, err)
		return
	}
	if err := validation.ValidateCameraID(req.CameraID); err != nil {
		invalidInput(c, err)
		return
	}
	if err := validation.ValidateStreamURL(req.URL); err != nil {
		invalidInput(c, err)
		return
	}
	opts, err := h.options(req.Options)
	if err != nil {
		invalidInput(c, err)
		return
	}

	cameraID := domain.CameraID(req.CameraID)
	info, err := h.orchestrator.StartStream(c.Request.Context(), cameraID, req.URL, h.sinks.NewSink(cameraID), opts)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, info)
}

// sessionID validates the :id path parameter.
func sessionID(c *gin.Context) (domain.SessionID, bool) {
	id := c.Param("id")
	if err := validation.ValidateSessionID(id); err != nil {
		invalidInput(c, err)
		return "", false
	}
	return domain.SessionID(id), true
}

func cameraID(c *gin.Context) (domain.CameraID, bool) {
	id := c.Param("camera_id")
	if err := validation.ValidateCameraID(id); err != nil {
		invalidInput(c, err)
		return "", false
	}
	return domain.CameraID(id), true
}

func (h *StreamHandler) GetStream(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	stream, err := h.orchestrator.GetStream(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream": stream})
}

func (h *StreamHandler) GetStreamByCamera(c *gin.Context) {
	camID, ok := cameraID(c)
	if !ok {
		return
	}
	stream, err := h.orchestrator.GetStreamByCameraID(c.Request.Context(), camID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream": stream})
}

func (h *StreamHandler) ListStreams(c *gin.Context) {
	streams, err := h.orchestrator.ListStreams(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	if streams == nil {
		streams = []*domain.StreamSession{}
	}
	c.JSON(http.StatusOK, gin.H{
		"streams": streams,
		"count":   len(streams),
	})
}

func (h *StreamHandler) StopStream(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if err := h.orchestrator.StopStream(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}
	h.forgetSnapshot(id)
	c.Status(http.StatusNoContent)
}

func (h *StreamHandler) StopCameraStreams(c *gin.Context) {
	camID, ok := cameraID(c)
	if !ok {
		return
	}
	if err := h.orchestrator.StopCameraStreams(c.Request.Context(), camID); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *StreamHandler) StopAllStreams(c *gin.Context) {
	if err := h.orchestrator.StopAllStreams(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *StreamHandler) TogglePlayPause(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	state, err := h.orchestrator.TogglePlayPause(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

func (h *StreamHandler) ToggleMute(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	muted, err := h.orchestrator.ToggleMute(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": muted})
}

func (h *StreamHandler) SetVolume(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var req SetVolumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidInput(c, err)
		return
	}
	if err := validation.ValidateVolume(*req.Volume); err != nil {
		invalidInput(c, err)
		return
	}
	volume, err := h.orchestrator.SetVolume(c.Request.Context(), id, *req.Volume)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"volume": volume})
}

// TakeSnapshot answers 204 while the session has no decoded frame.
func (h *StreamHandler) TakeSnapshot(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	capture := func(ctx context.Context) ([]byte, bool, error) {
		data, err := h.orchestrator.TakeSnapshot(ctx, id)
		return data, data != nil, err
	}

	var (
		data []byte
		err  error
	)
	if h.snapshots != nil {
		data, err = h.snapshots.GetOrSet(c.Request.Context(), id, capture)
	} else {
		data, _, err = capture(c.Request.Context())
	}

	if errors.Is(err, domain.ErrNoFrame) || (err == nil && data == nil) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/jpeg", data)
}

func (h *StreamHandler) forgetSnapshot(id domain.SessionID) {
	if h.snapshots != nil {
		h.snapshots.Delete(id)
	}
}

func (h *StreamHandler) EnterFullscreen(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if err := h.orchestrator.EnterFullscreen(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Detect reports how a URL would be played without starting anything.
func (h *StreamHandler) Detect(c *gin.Context) {
	raw := c.Query("url")
	if err := validation.ValidateStreamURL(raw); err != nil {
		invalidInput(c, err)
		return
	}

	resp := gin.H{
		"url":      raw,
		"protocol": services.DetectProtocol(raw),
		"rtsp":     services.IsRTSPURL(raw),
	}
	if services.IsRTSPURL(raw) {
		resolved, err := services.ResolveRTSPURL(raw, h.proxyBase)
		if err != nil {
			invalidInput(c, err)
			return
		}
		resp["resolved_url"] = resolved
	}
	c.JSON(http.StatusOK, resp)
}
