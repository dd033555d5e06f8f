package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"camwatch/internal/core/domain"
	"camwatch/internal/core/ports"
)

// SessionRegistry keeps live sessions in memory and fans out change events.
// Events are published while the write lock is held so subscribers observe
// per-session changes in order.
type SessionRegistry struct {
	mu         sync.RWMutex
	sessions   map[domain.SessionID]*ports.ManagedSession
	generation uint64

	subMu       sync.Mutex
	subscribers map[int]chan domain.SessionEvent
	nextSub     int
	dropped     atomic.Uint64

	now func() time.Time
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions:    make(map[domain.SessionID]*ports.ManagedSession),
		subscribers: make(map[int]chan domain.SessionEvent),
		now:         time.Now,
	}
}

var _ ports.SessionRegistry = (*SessionRegistry)(nil)

func (r *SessionRegistry) Add(ctx context.Context, entry *ports.ManagedSession) (uint64, error) {
	if entry == nil || entry.Session.ID == "" {
		return 0, fmt.Errorf("%w: session id is required", domain.ErrInvalidConfiguration)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[entry.Session.ID]; exists {
		return 0, fmt.Errorf("session already exists: %s", entry.Session.ID)
	}

	r.generation++
	now := r.now()
	stored := *entry
	stored.Session = *entry.Session.Clone()
	stored.Session.Generation = r.generation
	if stored.Session.CreatedAt.IsZero() {
		stored.Session.CreatedAt = now
	}
	stored.Session.UpdatedAt = now

	r.sessions[stored.Session.ID] = &stored
	r.publish(domain.EventSessionCreated, stored.Session)

	return stored.Session.Generation, nil
}

func (r *SessionRegistry) Get(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	return entry.Session.Clone(), nil
}

func (r *SessionRegistry) Entry(ctx context.Context, id domain.SessionID) (*ports.ManagedSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	cp := *entry
	cp.Session = *entry.Session.Clone()
	return &cp, nil
}

// Update applies fn to a working copy and commits it when fn returns nil.
// A missing id or a generation mismatch leaves the registry untouched.
func (r *SessionRegistry) Update(ctx context.Context, id domain.SessionID, generation uint64, fn func(entry *ports.ManagedSession) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.sessions[id]
	if !exists {
		return domain.ErrSessionNotFound
	}
	if entry.Session.Generation != generation {
		return domain.ErrStaleGeneration
	}

	working := *entry
	working.Session = *entry.Session.Clone()
	if err := fn(&working); err != nil {
		return err
	}

	// Identity fields are immutable.
	working.Session.ID = entry.Session.ID
	working.Session.Protocol = entry.Session.Protocol
	working.Session.Generation = entry.Session.Generation
	working.Session.CreatedAt = entry.Session.CreatedAt
	working.Session.UpdatedAt = r.now()

	r.sessions[id] = &working
	r.publish(domain.EventSessionUpdated, working.Session)
	return nil
}

func (r *SessionRegistry) Remove(ctx context.Context, id domain.SessionID) (*ports.ManagedSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}

	delete(r.sessions, id)
	r.publish(domain.EventSessionRemoved, entry.Session)
	return entry, nil
}

func (r *SessionRegistry) List(ctx context.Context) ([]*domain.StreamSession, error) {
	return r.collect(func(*ports.ManagedSession) bool { return true }), nil
}

func (r *SessionRegistry) FindByCamera(ctx context.Context, cameraID domain.CameraID) ([]*domain.StreamSession, error) {
	return r.collect(func(e *ports.ManagedSession) bool { return e.Session.CameraID == cameraID }), nil
}

func (r *SessionRegistry) collect(match func(*ports.ManagedSession) bool) []*domain.StreamSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.StreamSession, 0, len(r.sessions))
	for _, entry := range r.sessions {
		if match(entry) {
			result = append(result, entry.Session.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Generation < result[j].Generation
	})
	return result
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Subscribe returns a buffered event channel. Events that do not fit in the
// buffer are dropped and counted in DroppedEvents.
func (r *SessionRegistry) Subscribe(buffer int) (<-chan domain.SessionEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan domain.SessionEvent, buffer)

	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = ch
	r.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subscribers, id)
			r.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (r *SessionRegistry) DroppedEvents() uint64 {
	return r.dropped.Load()
}

func (r *SessionRegistry) publish(t domain.EventType, s domain.StreamSession) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for _, ch := range r.subscribers {
		event := domain.SessionEvent{Type: t, Session: *s.Clone(), Timestamp: r.now()}
		select {
		case ch <- event:
		default:
			r.dropped.Add(1)
		}
	}
}
