package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"camwatch/internal/core/domain"
	"camwatch/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEntry(id, camera string) *ports.ManagedSession {
	return &ports.ManagedSession{
		Session: domain.StreamSession{
			ID:       domain.SessionID(id),
			CameraID: domain.CameraID(camera),
			Protocol: domain.ProtocolHLS,
			State:    domain.StateLoading,
		},
	}
}

func TestSessionRegistry_AddAssignsIncreasingGenerations(t *testing.T) {
	r := NewSessionRegistry()
	ctx := context.Background()

	g1, err := r.Add(ctx, newEntry("a", "cam-1"))
	require.NoError(t, err)
	g2, err := r.Add(ctx, newEntry("b", "cam-1"))
	require.NoError(t, err)

	assert.Greater(t, g2, g1)

	_, err = r.Add(ctx, newEntry("a", "cam-2"))
	assert.Error(t, err)

	_, err = r.Add(ctx, newEntry("", "cam-2"))
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestSessionRegistry_GetReturnsCopies(t *testing.T) {
	r := NewSessionRegistry()
	ctx := context.Background()
	gen, _ := r.Add(ctx, newEntry("a", "cam-1"))

	require.NoError(t, r.Update(ctx, "a", gen, func(e *ports.ManagedSession) error {
		e.Session.Quality = &domain.Quality{Width: 1280, Height: 720}
		return nil
	}))

	s, err := r.Get(ctx, "a")
	require.NoError(t, err)
	s.State = domain.StateEnded
	s.Quality.Width = 1

	again, _ := r.Get(ctx, "a")
	assert.Equal(t, domain.StateLoading, again.State)
	assert.Equal(t, 1280, again.Quality.Width)
}

func TestSessionRegistry_UpdateRejectsAbsentAndStale(t *testing.T) {
	r := NewSessionRegistry()
	ctx := context.Background()

	called := false
	err := r.Update(ctx, "missing", 1, func(*ports.ManagedSession) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.False(t, called)

	gen, _ := r.Add(ctx, newEntry("a", "cam-1"))
	err = r.Update(ctx, "a", gen+1, func(*ports.ManagedSession) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrStaleGeneration)
	assert.False(t, called)

	// A removed and re-added id gets a new generation; old callbacks stay stale.
	_, err = r.Remove(ctx, "a")
	require.NoError(t, err)
	newGen, _ := r.Add(ctx, newEntry("a", "cam-1"))
	assert.ErrorIs(t, r.Update(ctx, "a", gen, func(*ports.ManagedSession) error { return nil }), domain.ErrStaleGeneration)
	assert.NoError(t, r.Update(ctx, "a", newGen, func(*ports.ManagedSession) error { return nil }))
}

func TestSessionRegistry_UpdateErrorDiscardsChanges(t *testing.T) {
	r := NewSessionRegistry()
	ctx := context.Background()
	gen, _ := r.Add(ctx, newEntry("a", "cam-1"))

	boom := errors.New("boom")
	err := r.Update(ctx, "a", gen, func(e *ports.ManagedSession) error {
		e.Session.State = domain.StatePlaying
		return boom
	})
	assert.ErrorIs(t, err, boom)

	s, _ := r.Get(ctx, "a")
	assert.Equal(t, domain.StateLoading, s.State)
}

func TestSessionRegistry_UpdateKeepsIdentity(t *testing.T) {
	r := NewSessionRegistry()
	ctx := context.Background()
	gen, _ := r.Add(ctx, newEntry("a", "cam-1"))

	require.NoError(t, r.Update(ctx, "a", gen, func(e *ports.ManagedSession) error {
		e.Session.Protocol = domain.ProtocolWebRTC
		e.Session.Generation = 99
		e.Session.State = domain.StatePlaying
		return nil
	}))

	s, _ := r.Get(ctx, "a")
	assert.Equal(t, domain.ProtocolHLS, s.Protocol)
	assert.Equal(t, gen, s.Generation)
	assert.Equal(t, domain.StatePlaying, s.State)
}

func TestSessionRegistry_ListAndFindByCamera(t *testing.T) {
	r := NewSessionRegistry()
	ctx := context.Background()
	_, _ = r.Add(ctx, newEntry("a", "cam-1"))
	_, _ = r.Add(ctx, newEntry("b", "cam-2"))
	_, _ = r.Add(ctx, newEntry("c", "cam-1"))

	all, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, domain.SessionID("a"), all[0].ID)
	assert.Equal(t, domain.SessionID("c"), all[2].ID)

	cam1, err := r.FindByCamera(ctx, "cam-1")
	require.NoError(t, err)
	require.Len(t, cam1, 2)
	assert.Equal(t, domain.SessionID("a"), cam1[0].ID)
	assert.Equal(t, domain.SessionID("c"), cam1[1].ID)

	none, err := r.FindByCamera(ctx, "cam-9")
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Equal(t, 3, r.Len())
}

func TestSessionRegistry_RemoveTwice(t *testing.T) {
	r := NewSessionRegistry()
	ctx := context.Background()
	_, _ = r.Add(ctx, newEntry("a", "cam-1"))

	entry, err := r.Remove(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("a"), entry.Session.ID)

	_, err = r.Remove(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = r.Get(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSessionRegistry_SubscribeReceivesOrderedEvents(t *testing.T) {
	r := NewSessionRegistry()
	ctx := context.Background()

	events, cancel := r.Subscribe(8)
	defer cancel()

	gen, _ := r.Add(ctx, newEntry("a", "cam-1"))
	_ = r.Update(ctx, "a", gen, func(e *ports.ManagedSession) error {
		e.Session.State = domain.StatePlaying
		return nil
	})
	_, _ = r.Remove(ctx, "a")

	var got []domain.EventType
	for i := 0; i < 3; i++ {
		got = append(got, (<-events).Type)
	}
	assert.Equal(t, []domain.EventType{
		domain.EventSessionCreated,
		domain.EventSessionUpdated,
		domain.EventSessionRemoved,
	}, got)
}

func TestSessionRegistry_SlowSubscriberDropsEvents(t *testing.T) {
	r := NewSessionRegistry()
	ctx := context.Background()

	_, cancel := r.Subscribe(1)
	defer cancel()

	_, _ = r.Add(ctx, newEntry("a", "cam-1"))
	_, _ = r.Add(ctx, newEntry("b", "cam-1"))
	_, _ = r.Add(ctx, newEntry("c", "cam-1"))

	assert.Equal(t, uint64(2), r.DroppedEvents())
}

func TestSessionRegistry_CancelClosesChannel(t *testing.T) {
	r := NewSessionRegistry()
	events, cancel := r.Subscribe(1)

	cancel()
	cancel()

	_, ok := <-events
	assert.False(t, ok)

	_, err := r.Add(context.Background(), newEntry("a", "cam-1"))
	assert.NoError(t, err)
}

func TestSessionRegistry_ConcurrentUpdates(t *testing.T) {
	r := NewSessionRegistry()
	ctx := context.Background()

	gens := make(map[string]uint64)
	for _, id := range []string{"a", "b", "c", "d"} {
		gens[id], _ = r.Add(ctx, newEntry(id, "cam-"+id))
	}

	var wg sync.WaitGroup
	for id, gen := range gens {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(id string, gen uint64) {
				defer wg.Done()
				_ = r.Update(ctx, domain.SessionID(id), gen, func(e *ports.ManagedSession) error {
					if e.Session.Stats == nil {
						e.Session.Stats = &domain.Stats{}
					}
					e.Session.Stats.CurrentTime++
					return nil
				})
			}(id, gen)
		}
	}
	wg.Wait()

	for id := range gens {
		s, err := r.Get(ctx, domain.SessionID(id))
		require.NoError(t, err)
		assert.Equal(t, 50.0, s.Stats.CurrentTime)
		assert.Equal(t, domain.CameraID("cam-"+id), s.CameraID)
	}
}
