// Package query is the read side. A ReadModel folds the global event log into
// per-protocol state; a Projector keeps it in step with the store; Service
// answers dashboard, detail and public tracking queries.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"govtech/internal/domain"
	"govtech/internal/events"
)

type ReadModel struct {
	mu        sync.RWMutex
	protocols map[string]*events.State
	byNumber  map[string]string
	position  int64
}

func NewReadModel() *ReadModel {
	return &ReadModel{
		protocols: map[string]*events.State{},
		byNumber:  map[string]string{},
	}
}

// ErrStreamGap reports an event whose predecessors in its stream have not been
// folded yet.
var ErrStreamGap = errors.New("stream gap")

// Apply folds one event. Events at or below the stream's version are ignored
// so a page can be re-applied safely. An event ahead of the stream's next
// sequence is rejected with ErrStreamGap and leaves the model untouched.
func (m *ReadModel) Apply(e domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.protocols[e.ProtocolID]
	if !ok {
		st = &events.State{}
	}
	if e.Sequence <= st.Protocol.Version {
		m.advance(e.Position)
		return nil
	}
	if e.Sequence > st.Protocol.Version+1 {
		return fmt.Errorf("%w: %s at version %d, got sequence %d", ErrStreamGap, e.ProtocolID, st.Protocol.Version, e.Sequence)
	}
	next := st.Clone()
	if err := next.Apply(e); err != nil {
		return fmt.Errorf("project %s@%d: %w", e.ProtocolID, e.Sequence, err)
	}
	m.protocols[e.ProtocolID] = &next
	if e.Kind == domain.EventCreated {
		m.byNumber[next.Protocol.Number] = e.ProtocolID
	}
	m.advance(e.Position)
	return nil
}

// Replace installs a state rebuilt from its stream unless the model already
// holds a newer version, and moves the position to at least position.
func (m *ReadModel) Replace(st events.State, position int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.protocols[st.Protocol.ID]
	if !ok || cur.Protocol.Version < st.Protocol.Version {
		next := st.Clone()
		m.protocols[st.Protocol.ID] = &next
		m.byNumber[next.Protocol.Number] = st.Protocol.ID
	}
	m.advance(position)
}

func (m *ReadModel) advance(position int64) {
	if position > m.position {
		m.position = position
	}
}

// Position is the last log position folded in.
func (m *ReadModel) Position() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.position
}

func (m *ReadModel) Get(id string) (events.State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.protocols[id]
	if !ok {
		return events.State{}, false
	}
	return st.Clone(), true
}

func (m *ReadModel) ByNumber(number string) (events.State, bool) {
	m.mu.RLock()
	id, ok := m.byNumber[number]
	m.mu.RUnlock()
	if !ok {
		return events.State{}, false
	}
	return m.Get(id)
}

// All returns every protocol, newest first.
func (m *ReadModel) All() []events.State {
	m.mu.RLock()
	out := make([]events.State, 0, len(m.protocols))
	for _, st := range m.protocols {
		out = append(out, st.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Protocol, out[j].Protocol
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Number > b.Number
	})
	return out
}

// InProgressSteps lists every open step of a non-terminal protocol.
func (m *ReadModel) InProgressSteps(ctx context.Context) ([]domain.StepRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.StepRef
	for _, st := range m.protocols {
		if st.Protocol.Status.Terminal() {
			continue
		}
		for _, inst := range st.Steps {
			if inst.Status != domain.StepInProgress {
				continue
			}
			out = append(out, domain.StepRef{
				ProtocolID: st.Protocol.ID,
				Number:     st.Protocol.Number,
				StepIndex:  inst.StepIndex,
				AssignedTo: inst.AssignedTo,
				DeadlineAt: inst.DeadlineAt,
				Escalated:  inst.EscalatedAt != nil,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Number != out[j].Number {
			return out[i].Number < out[j].Number
		}
		return out[i].StepIndex < out[j].StepIndex
	})
	return out, ctx.Err()
}
