package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"camwatch/internal/core/domain"
	"camwatch/internal/core/ports"
	"camwatch/internal/core/services"
	httphandlers "camwatch/internal/handlers/http"
	"camwatch/internal/infrastructure/drivers/hls"
	"camwatch/internal/infrastructure/drivers/mjpeg"
	"camwatch/internal/infrastructure/drivers/native"
	"camwatch/internal/infrastructure/middleware"
	"camwatch/internal/infrastructure/repositories/memory"
	"camwatch/internal/infrastructure/sink"
	"camwatch/pkg/retry"
	"camwatch/tests/testutils"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stack struct {
	orch     ports.Orchestrator
	registry *memory.SessionRegistry
	metrics  *services.MetricsService
	sinks    *sink.Factory
}

func newStack(t *testing.T) *stack {
	t.Helper()
	log := zap.NewNop().Sugar()

	reload := retry.DefaultConfig()
	reload.MaxAttempts = 1
	reload.InitialDelay = 10 * time.Millisecond
	reload.Jitter = false

	client := &http.Client{Timeout: 2 * time.Second}
	engines := hls.NewEngineFactory(hls.EngineOptions{HTTPClient: client, Reload: reload, Logger: log})

	registry := memory.NewSessionRegistry()
	metrics := services.NewMetricsService(nil)
	orch := services.NewOrchestrator(
		registry,
		[]ports.Driver{
			hls.NewDriver(engines, log),
			mjpeg.NewDriver(client, 1<<20, log),
			native.NewDriver(log),
		},
		services.NewSnapshotCapturer(90),
		metrics,
		services.OrchestratorConfig{},
		log,
	)
	t.Cleanup(func() { _ = orch.StopAllStreams(context.Background()) })

	return &stack{
		orch:     orch,
		registry: registry,
		metrics:  metrics,
		sinks:    sink.NewFactory(client, 20*time.Millisecond, log),
	}
}

func (s *stack) state(t *testing.T, id domain.SessionID) domain.State {
	session, err := s.orch.GetStream(context.Background(), id)
	if err != nil {
		return ""
	}
	return session.State
}

func liveOptions() domain.StreamOptions {
	opts := domain.DefaultStreamOptions()
	opts.StartupTimeout = 5 * time.Second
	return opts
}

func TestHLSLifecycle(t *testing.T) {
	origin := testutils.NewHLSOrigin([]string{"high", "low"}, time.Second, 4, true)
	srv := httptest.NewServer(origin)
	defer srv.Close()

	st := newStack(t)
	ctx := context.Background()

	info, err := st.orch.StartStream(ctx, "front-door", srv.URL+"/index.m3u8", st.sinks.NewSink("front-door"), liveOptions())
	require.NoError(t, err)
	assert.Equal(t, domain.ProtocolHLS, info.Session.Protocol)
	assert.Equal(t, domain.StateLoading, info.Session.State)

	id := info.Session.ID
	require.Eventually(t, func() bool { return st.state(t, id) == domain.StatePlaying }, 5*time.Second, 20*time.Millisecond)

	session, err := st.orch.GetStream(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, session.Quality)
	assert.Contains(t, []int{360, 720}, session.Quality.Height)

	require.Eventually(t, func() bool {
		s, err := st.orch.GetStream(ctx, id)
		return err == nil && s.Stats != nil && s.Stats.BufferedAhead > 0
	}, 5*time.Second, 20*time.Millisecond)

	origin.Advance(2)

	require.NoError(t, st.orch.StopStream(ctx, id))
	_, err = st.orch.GetStream(ctx, id)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Equal(t, 0, st.registry.Len())

	// No loader survives the stop.
	time.Sleep(100 * time.Millisecond)
	before := origin.Requests("/high/index.m3u8") + origin.Requests("/low/index.m3u8")
	time.Sleep(1500 * time.Millisecond)
	after := origin.Requests("/high/index.m3u8") + origin.Requests("/low/index.m3u8")
	assert.Equal(t, before, after)

	summary := st.metrics.Summary(nil)
	assert.Equal(t, int64(1), summary.Started[domain.ProtocolHLS])
	assert.Equal(t, int64(1), summary.Stopped[domain.ProtocolHLS])
}

func TestHLSUnreachableFailsSession(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	info, err := st.orch.StartStream(ctx, "garage", srv.URL+"/missing.m3u8", st.sinks.NewSink("garage"), liveOptions())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return st.state(t, info.Session.ID) == domain.StateError }, 5*time.Second, 20*time.Millisecond)
	session, err := st.orch.GetStream(ctx, info.Session.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, session.Error)
}

func jpegFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestMJPEGSnapshot(t *testing.T) {
	frame := jpegFrame(t, 64, 48)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n"))
		w.Write(frame)
		w.Write([]byte("\r\n--frame\r\n"))
	}))
	defer srv.Close()

	st := newStack(t)
	ctx := context.Background()

	info, err := st.orch.StartStream(ctx, "porch", srv.URL+"/video.mjpg", st.sinks.NewSink("porch"), liveOptions())
	require.NoError(t, err)
	assert.Equal(t, domain.ProtocolMJPEG, info.Session.Protocol)

	id := info.Session.ID
	require.Eventually(t, func() bool { return st.state(t, id) == domain.StatePlaying }, 5*time.Second, 20*time.Millisecond)

	data, err := st.orch.TakeSnapshot(ctx, id)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 48, img.Bounds().Dy())
}

func TestControlAPIRoundTrip(t *testing.T) {
	origin := testutils.NewHLSOrigin([]string{"medium"}, time.Second, 3, false)
	srv := httptest.NewServer(origin)
	defer srv.Close()

	st := newStack(t)
	log := zap.NewNop().Sugar()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.RequestIDMiddleware(), middleware.ErrorHandlerMiddleware(log))
	handler := httphandlers.NewStreamHandler(st.orch, st.sinks, liveOptions(), "http://localhost:8888", 0, log)
	defer handler.Close()
	handler.SetupRoutes(router.Group("/api/v1"))

	api := httptest.NewServer(router)
	defer api.Close()

	body := `{"camera_id":"yard","url":"` + srv.URL + `/index.m3u8"}`
	resp, err := http.Post(api.URL+"/api/v1/streams", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(middleware.RequestIDHeader))

	var info domain.SessionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	id := string(info.Session.ID)

	require.Eventually(t, func() bool {
		r, err := http.Get(api.URL + "/api/v1/cameras/yard/stream")
		if err != nil {
			return false
		}
		defer r.Body.Close()
		var got struct {
			Stream domain.StreamSession `json:"stream"`
		}
		return r.StatusCode == http.StatusOK &&
			json.NewDecoder(r.Body).Decode(&got) == nil &&
			got.Stream.State == domain.StatePlaying
	}, 5*time.Second, 50*time.Millisecond)

	req, err := http.NewRequest(http.MethodDelete, api.URL+"/api/v1/streams/"+id, nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)

	get, err := http.Get(api.URL + "/api/v1/streams/" + id)
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusNotFound, get.StatusCode)
}
