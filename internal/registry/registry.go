// Package registry tracks the active session controllers in this process.
// One controller per session id: creation is rejected while a controller
// for the same id is live, which enforces the single-writer discipline.
package registry

import (
	"errors"
	"sync"

	"github.com/parleyd/parley/internal/negotiation"
)

// ErrSessionActive means a controller already owns the session id.
var ErrSessionActive = errors.New("session already has an active controller")

// Runner is the registry's view of a session controller.
type Runner interface {
	// Session returns a read-only snapshot of the current state.
	Session() *negotiation.Session
	// Stop cancels the controller's turn loop.
	Stop()
}

// Registry is the process-wide map of active sessions.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Add registers a controller for the session id.
func (r *Registry) Add(id string, runner Runner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runners[id]; exists {
		return ErrSessionActive
	}
	r.runners[id] = runner
	return nil
}

// Remove drops the controller for the session id, if present.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runners, id)
}

// Get returns the controller for the session id.
func (r *Registry) Get(id string) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[id]
	return runner, ok
}

// IDs returns the ids of all active sessions.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.runners))
	for id := range r.runners {
		ids = append(ids, id)
	}
	return ids
}

// StopAll cancels every active controller. Used on shutdown and full reset.
func (r *Registry) StopAll() {
	r.mu.Lock()
	runners := make([]Runner, 0, len(r.runners))
	for _, runner := range r.runners {
		runners = append(runners, runner)
	}
	r.runners = make(map[string]Runner)
	r.mu.Unlock()

	for _, runner := range runners {
		runner.Stop()
	}
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runners)
}
