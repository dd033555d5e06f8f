package ports

import (
	"context"

	"camwatch/internal/core/domain"
)

// ManagedSession is a registry entry: the session record plus the sink it
// renders into and the protocol handle it exclusively owns.
type ManagedSession struct {
	Session domain.StreamSession
	Sink    Sink
	Handle  ProtocolHandle
}

type SessionRegistry interface {
	// Add registers a new session and assigns its generation.
	Add(ctx context.Context, entry *ManagedSession) (generation uint64, err error)
	// Get returns a copy of the session record.
	Get(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error)
	// Entry returns the live entry; callers must not mutate it outside Update.
	Entry(ctx context.Context, id domain.SessionID) (*ManagedSession, error)
	// Update applies fn atomically when id is registered with the given generation.
	Update(ctx context.Context, id domain.SessionID, generation uint64, fn func(entry *ManagedSession) error) error
	// Remove unregisters the session and returns its final entry.
	Remove(ctx context.Context, id domain.SessionID) (*ManagedSession, error)
	List(ctx context.Context) ([]*domain.StreamSession, error)
	FindByCamera(ctx context.Context, cameraID domain.CameraID) ([]*domain.StreamSession, error)
	// Subscribe delivers change events until cancel is called.
	Subscribe(buffer int) (events <-chan domain.SessionEvent, cancel func())
}

// SessionMirror reads the cluster-wide view of sessions.
type SessionMirror interface {
	List(ctx context.Context) ([]*domain.MirroredSession, error)
}
