package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"govtech/internal/domain"
)

var ErrCorruptStream = errors.New("corrupt event stream")

// State is the aggregate folded from one protocol stream.
type State struct {
	Protocol domain.Protocol       `json:"protocol"`
	Steps    []domain.StepInstance `json:"steps"`
}

// Replay folds events, in sequence order, from the empty state.
func Replay(evts []domain.Event) (State, error) {
	var s State
	for _, e := range evts {
		if err := s.Apply(e); err != nil {
			return State{}, err
		}
	}
	if s.Protocol.Version == 0 {
		return State{}, fmt.Errorf("%w: empty stream", ErrCorruptStream)
	}
	return s, nil
}

// Rebuild loads and replays one protocol.
func Rebuild(ctx context.Context, r Reader, protocolID string) (State, []domain.Event, error) {
	evts, err := r.Load(ctx, protocolID)
	if err != nil {
		return State{}, nil, err
	}
	s, err := Replay(evts)
	if err != nil {
		return State{}, nil, fmt.Errorf("replay %s: %w", protocolID, err)
	}
	return s, evts, nil
}

// Step returns the instance for index i if it was ever touched.
func (s State) Step(i int) (domain.StepInstance, bool) {
	for _, st := range s.Steps {
		if st.StepIndex == i {
			return st, true
		}
	}
	return domain.StepInstance{}, false
}

// ActiveStep returns the single in-progress step, if any.
func (s State) ActiveStep() (domain.StepInstance, bool) {
	for _, st := range s.Steps {
		if st.Status == domain.StepInProgress {
			return st, true
		}
	}
	return domain.StepInstance{}, false
}

// Apply folds one event. Sequence numbers must follow the current version
// without gaps.
func (s *State) Apply(e domain.Event) error {
	if e.Sequence != s.Protocol.Version+1 {
		return fmt.Errorf("%w: %s expected sequence %d, got %d", ErrCorruptStream, e.ProtocolID, s.Protocol.Version+1, e.Sequence)
	}
	if s.Protocol.Version == 0 && e.Kind != domain.EventCreated {
		return fmt.Errorf("%w: stream starts with %s", ErrCorruptStream, e.Kind)
	}
	p := &s.Protocol
	ts := e.Timestamp.UTC()
	d := e.Data

	switch e.Kind {
	case domain.EventCreated:
		if p.Version != 0 {
			return fmt.Errorf("%w: duplicate created event", ErrCorruptStream)
		}
		*p = domain.Protocol{
			ID:          e.ProtocolID,
			Number:      d.Number,
			ServiceCode: d.ServiceCode,
			RequesterID: d.RequesterID,
			Subject:     d.Subject,
			Description: d.Description,
			Department:  d.Department,
			Status:      domain.StatusReceived,
			Priority:    d.Priority,
			CreatedAt:   ts,
			DeadlineAt:  utcPtr(d.DeadlineAt),
		}
	case domain.EventStatusChanged:
		if d.From != "" && d.From != p.Status {
			return fmt.Errorf("%w: status_changed from %s while %s", ErrCorruptStream, d.From, p.Status)
		}
		p.Status = d.To
		p.DeadlineAt = utcPtr(d.DeadlineAt)
		if d.To == domain.StatusForwarded {
			p.ForwardedTo = d.Department
		}
		if d.To.Terminal() {
			p.DeadlineAt = nil
			p.ClosedAt = &ts
		}
	case domain.EventStepStarted:
		i, err := stepIndex(e)
		if err != nil {
			return err
		}
		s.openStep(i, ts, d.DeadlineAt)
	case domain.EventStepCompleted:
		i, err := stepIndex(e)
		if err != nil {
			return err
		}
		st := s.step(i)
		if st.Status != domain.StepInProgress {
			return fmt.Errorf("%w: step %d completed while %s", ErrCorruptStream, i, st.Status)
		}
		st.Status = domain.StepCompleted
		st.CompletedAt = &ts
		switch {
		case d.Final:
			p.Status = domain.StatusResolved
			p.ResolvedAt = &ts
			p.DeadlineAt = nil
		case d.Next != nil:
			s.openStep(*d.Next, ts, d.DeadlineAt)
		}
	case domain.EventAssigned:
		i, err := stepIndex(e)
		if err != nil {
			return err
		}
		s.step(i).AssignedTo = d.AssigneeID
	case domain.EventEscalated:
		i, err := stepIndex(e)
		if err != nil {
			return err
		}
		s.step(i).EscalatedAt = &ts
	case domain.EventCancelled:
		p.Status = domain.StatusCancelled
		p.ClosedAt = &ts
		p.DeadlineAt = nil
		for k := range s.Steps {
			if s.Steps[k].Status == domain.StepInProgress {
				s.Steps[k].Status = domain.StepSkipped
			}
		}
	case domain.EventResponseAdded:
		if d.Response == nil {
			return fmt.Errorf("%w: response_added without response", ErrCorruptStream)
		}
		r := *d.Response
		r.CreatedAt = r.CreatedAt.UTC()
		p.Responses = append(p.Responses, r)
	case domain.EventDocumentAttached:
		if d.Document == nil {
			return fmt.Errorf("%w: document_attached without document", ErrCorruptStream)
		}
		doc := *d.Document
		doc.AttachedAt = doc.AttachedAt.UTC()
		p.Documents = append(p.Documents, doc)
	case domain.EventRated:
		if d.Rating == nil {
			return fmt.Errorf("%w: rated without rating", ErrCorruptStream)
		}
		if p.Rating != nil {
			return fmt.Errorf("%w: protocol rated twice", ErrCorruptStream)
		}
		r := *d.Rating
		r.RatedAt = r.RatedAt.UTC()
		p.Rating = &r
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrCorruptStream, e.Kind)
	}
	p.Version = e.Sequence
	p.UpdatedAt = ts
	return nil
}

func (s *State) openStep(i int, ts time.Time, deadline *time.Time) {
	st := s.step(i)
	st.Status = domain.StepInProgress
	st.StartedAt = &ts
	st.DeadlineAt = utcPtr(deadline)
	p := &s.Protocol
	p.CurrentStepIndex = i
	p.Status = domain.StatusInProgress
	p.ForwardedTo = ""
	p.DeadlineAt = utcPtr(deadline)
}

// step returns the instance for index i, creating it pending on first touch.
// Steps stay ordered by index.
func (s *State) step(i int) *domain.StepInstance {
	k := sort.Search(len(s.Steps), func(k int) bool { return s.Steps[k].StepIndex >= i })
	if k < len(s.Steps) && s.Steps[k].StepIndex == i {
		return &s.Steps[k]
	}
	s.Steps = append(s.Steps, domain.StepInstance{})
	copy(s.Steps[k+1:], s.Steps[k:])
	s.Steps[k] = domain.StepInstance{
		ProtocolID: s.Protocol.ID,
		StepIndex:  i,
		Status:     domain.StepPending,
	}
	return &s.Steps[k]
}

func stepIndex(e domain.Event) (int, error) {
	if e.Data.StepIndex == nil {
		return 0, fmt.Errorf("%w: %s event without step index", ErrCorruptStream, e.Kind)
	}
	return *e.Data.StepIndex, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// Clone returns a copy that shares no slices with s.
func (s State) Clone() State {
	c := s
	c.Steps = append([]domain.StepInstance(nil), s.Steps...)
	c.Protocol.Responses = append([]domain.Response(nil), s.Protocol.Responses...)
	c.Protocol.Documents = append([]domain.Document(nil), s.Protocol.Documents...)
	return c
}
