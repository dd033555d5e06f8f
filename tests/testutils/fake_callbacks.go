package testutils

import (
	"sync"

	"camwatch/internal/core/domain"
)

// FakeCallbacks records what a driver reports for one session. It enforces
// the session state machine so tests see the same transitions a registry
// would accept.
type FakeCallbacks struct {
	mu        sync.Mutex
	state     domain.State
	states    []domain.State
	qualities []domain.Quality
	failures  []error
	inactive  bool

	// OnFail runs after a failure is recorded, outside the lock.
	OnFail func(err error)
}

func NewFakeCallbacks() *FakeCallbacks {
	return &FakeCallbacks{state: domain.StateLoading}
}

func (c *FakeCallbacks) Transition(state domain.State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inactive || !c.state.CanTransitionTo(state) {
		return false
	}
	c.state = state
	c.states = append(c.states, state)
	return true
}

func (c *FakeCallbacks) SetQuality(q domain.Quality) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inactive {
		return false
	}
	c.qualities = append(c.qualities, q)
	return true
}

func (c *FakeCallbacks) Fail(err error) bool {
	c.mu.Lock()
	if c.inactive || c.state.IsTerminal() {
		c.mu.Unlock()
		return false
	}
	c.state = domain.StateError
	c.states = append(c.states, domain.StateError)
	c.failures = append(c.failures, err)
	onFail := c.OnFail
	c.mu.Unlock()

	if onFail != nil {
		onFail(err)
	}
	return true
}

func (c *FakeCallbacks) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.inactive
}

// Deactivate simulates the session being stopped.
func (c *FakeCallbacks) Deactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inactive = true
}

func (c *FakeCallbacks) State() domain.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *FakeCallbacks) States() []domain.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.State(nil), c.states...)
}

func (c *FakeCallbacks) Qualities() []domain.Quality {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Quality(nil), c.qualities...)
}

func (c *FakeCallbacks) Failures() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.failures...)
}
