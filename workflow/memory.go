package workflow

import (
	"context"
	"sort"
	"sync"

	"github.com/sendloop/sendloop/errors"
)

// Memory is an in-memory Source, used by tests and by embedders that own
// their workflow definitions elsewhere.
type Memory struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewMemory returns a Memory seeded with ws.
func NewMemory(ws ...*Workflow) *Memory {
	m := &Memory{workflows: map[string]*Workflow{}}
	for _, w := range ws {
		m.Put(w)
	}
	return m
}

var _ Source = (*Memory)(nil)

// Put stores a copy of w.
func (m *Memory) Put(w *Workflow) {
	cp := *w
	m.mu.Lock()
	m.workflows[w.ID] = &cp
	m.mu.Unlock()
}

// Get returns a copy of the workflow.
func (m *Memory) Get(_ context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, errors.NewNotFoundError("workflow %s", id)
	}
	cp := *w
	return &cp, nil
}

// ListActive returns active workflows ordered by id.
func (m *Memory) ListActive(_ context.Context) ([]*Workflow, error) {
	return m.filter(func(w *Workflow) bool { return w.Status == StatusActive }), nil
}

// ListByEvent returns active webhook workflows for eventType.
func (m *Memory) ListByEvent(_ context.Context, eventType string) ([]*Workflow, error) {
	return m.filter(func(w *Workflow) bool {
		return w.Status == StatusActive && w.TriggerType == TriggerWebhook && w.Trigger.EventType == eventType
	}), nil
}

func (m *Memory) filter(keep func(*Workflow) bool) []*Workflow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Workflow
	for _, w := range m.workflows {
		if keep(w) {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
