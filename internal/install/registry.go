package install

import (
	"fmt"
	"sync"
)

// Controllable is any long-running operation that can be paused, resumed,
// or cancelled from outside, such as a transfer session or an installer.
type Controllable interface {
	Pause()
	Resume()
	Cancel(keepPartial bool)
}

// Registry tracks the active operation per title so control commands can
// reach it by id. A title runs at most one operation at a time.
type Registry struct {
	mu  sync.Mutex
	ops map[string]Controllable
}

func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Controllable)}
}

func (r *Registry) Register(id string, op Controllable) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[id]; exists {
		return fmt.Errorf("an operation is already running for %s", id)
	}
	r.ops[id] = op
	return nil
}

func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ops, id)
}

func (r *Registry) get(id string) (Controllable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return nil, fmt.Errorf("no active operation for %s", id)
	}
	return op, nil
}

func (r *Registry) Pause(id string) error {
	op, err := r.get(id)
	if err != nil {
		return err
	}
	op.Pause()
	return nil
}

func (r *Registry) Resume(id string) error {
	op, err := r.get(id)
	if err != nil {
		return err
	}
	op.Resume()
	return nil
}

func (r *Registry) Cancel(id string, keepPartial bool) error {
	op, err := r.get(id)
	if err != nil {
		return err
	}
	op.Cancel(keepPartial)
	return nil
}
