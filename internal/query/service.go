package query

import (
	"context"
	"strings"
	"time"

	"govtech/internal/domain"
	"govtech/internal/engine/auth"
	"govtech/internal/events"
	"govtech/internal/templates"
)

// Service answers read queries. Dashboards and lists come from the projected
// model and may lag the log; detail reads replay the stream.
type Service struct {
	Model     *ReadModel
	Reader    events.Reader
	Templates *templates.Registry
	Now       func() time.Time
}

type DashboardCounts struct {
	ByStatus   map[domain.Status]int   `json:"by_status"`
	ByPriority map[domain.Priority]int `json:"by_priority"`
	Total      int                     `json:"total"`
	Overdue    int                     `json:"overdue"`
	Position   int64                   `json:"position"`
}

// Detail is a protocol with its steps and full event stream.
type Detail struct {
	Protocol domain.Protocol         `json:"protocol"`
	Steps    []domain.StepInstance   `json:"steps"`
	Events   []domain.Event          `json:"events"`
	Template domain.ProtocolTemplate `json:"template"`
}

// PublicStep is the citizen-facing view of one template step.
type PublicStep struct {
	Index       int               `json:"index"`
	Name        string            `json:"name"`
	Status      domain.StepStatus `json:"status"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Tracking is the public subset returned by number lookups. It carries no
// actor ids, assignees or private responses.
type Tracking struct {
	Number      string           `json:"number"`
	ServiceCode string           `json:"service_code"`
	ServiceName string           `json:"service_name"`
	Subject     string           `json:"subject,omitempty"`
	Status      domain.Status    `json:"status"`
	Priority    domain.Priority  `json:"priority"`
	CurrentStep string           `json:"current_step,omitempty"`
	Steps       []PublicStep     `json:"steps"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	DeadlineAt  *time.Time       `json:"deadline_at,omitempty"`
	ClosedAt    *time.Time       `json:"closed_at,omitempty"`
	Responses   []PublicResponse `json:"responses,omitempty"`
}

type PublicResponse struct {
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Status      domain.Status
	Priority    domain.Priority
	ServiceCode string
	RequesterID string
	Department  string
	Limit       int
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Service) Dashboard(ctx context.Context) (DashboardCounts, error) {
	out := DashboardCounts{
		ByStatus:   map[domain.Status]int{},
		ByPriority: map[domain.Priority]int{},
	}
	for _, st := range domain.Statuses {
		out.ByStatus[st] = 0
	}
	for _, pr := range domain.Priorities {
		out.ByPriority[pr] = 0
	}
	now := s.now()
	for _, st := range s.Model.All() {
		p := st.Protocol
		out.ByStatus[p.Status]++
		out.ByPriority[p.Priority]++
		out.Total++
		if p.DeadlineAt != nil && p.DeadlineAt.Before(now) && !p.Status.Terminal() {
			out.Overdue++
		}
	}
	out.Position = s.Model.Position()
	return out, ctx.Err()
}

// ProtocolDetail replays the stream so the answer is never stale.
func (s Service) ProtocolDetail(ctx context.Context, id string) (Detail, error) {
	st, evts, err := events.Rebuild(ctx, s.Reader, id)
	if err != nil {
		return Detail{}, err
	}
	d := Detail{Protocol: st.Protocol, Steps: st.Steps, Events: evts}
	if s.Templates != nil {
		if t, err := s.Templates.Get(st.Protocol.ServiceCode); err == nil {
			d.Template = t
		}
	}
	return d, nil
}

// TrackByNumber accepts the number with or without separators.
func (s Service) TrackByNumber(ctx context.Context, number string) (Tracking, error) {
	n := domain.NormalizeNumber(number)
	st, ok := s.Model.ByNumber(n)
	if !ok {
		return Tracking{}, domain.NotFoundError{Entity: "protocol", ID: number}
	}
	// The model only resolves the number; the stream itself is authoritative.
	if s.Reader != nil {
		if fresh, _, err := events.Rebuild(ctx, s.Reader, st.Protocol.ID); err == nil {
			st = fresh
		}
	}
	p := st.Protocol
	t := Tracking{
		Number:      domain.FormatNumber(p.Number),
		ServiceCode: p.ServiceCode,
		Subject:     p.Subject,
		Status:      p.Status,
		Priority:    p.Priority,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
		DeadlineAt:  p.DeadlineAt,
		ClosedAt:    p.ClosedAt,
	}
	var tmpl domain.ProtocolTemplate
	if s.Templates != nil {
		tmpl, _ = s.Templates.Get(p.ServiceCode)
	}
	t.ServiceName = tmpl.Name
	for _, ts := range tmpl.Steps {
		ps := PublicStep{Index: ts.Index, Name: ts.Name, Status: domain.StepPending}
		if inst, ok := st.Step(ts.Index); ok {
			ps.Status = inst.Status
			ps.CompletedAt = inst.CompletedAt
		}
		t.Steps = append(t.Steps, ps)
	}
	if !p.Status.Terminal() || p.Status == domain.StatusResolved {
		if cur, ok := tmpl.Step(p.CurrentStepIndex); ok && p.Status != domain.StatusReceived {
			t.CurrentStep = cur.Name
		}
	}
	for _, r := range p.Responses {
		if r.Public {
			t.Responses = append(t.Responses, PublicResponse{Message: r.Message, CreatedAt: r.CreatedAt})
		}
	}
	return t, nil
}

// List returns projected protocols, newest first.
func (s Service) List(ctx context.Context, f Filter) ([]domain.Protocol, error) {
	var out []domain.Protocol
	for _, st := range s.Model.All() {
		p := st.Protocol
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.Priority != "" && p.Priority != f.Priority {
			continue
		}
		if f.ServiceCode != "" && !strings.EqualFold(p.ServiceCode, f.ServiceCode) {
			continue
		}
		if f.RequesterID != "" && p.RequesterID != f.RequesterID {
			continue
		}
		if f.Department != "" && !strings.EqualFold(currentDepartment(st, s.Templates), f.Department) {
			continue
		}
		out = append(out, p)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, ctx.Err()
}

func currentDepartment(st events.State, reg *templates.Registry) string {
	if reg == nil {
		return st.Protocol.Department
	}
	t, err := reg.Get(st.Protocol.ServiceCode)
	if err != nil {
		return st.Protocol.Department
	}
	return auth.Department(st.Protocol, t, st.Protocol.CurrentStepIndex)
}
