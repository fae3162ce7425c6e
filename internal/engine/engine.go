// Package engine is the protocol state machine. It validates every command
// against the transition table, appends the resulting events under the stream's
// concurrency token and returns the replayed state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"govtech/internal/calendar"
	"govtech/internal/config"
	"govtech/internal/domain"
	"govtech/internal/engine/auth"
	"govtech/internal/events"
	"govtech/internal/metrics"
	"govtech/internal/notify"
	"govtech/internal/templates"
)

var tracer = otel.Tracer("govtech/internal/engine")

// SystemActor signs events the engine emits on its own.
const SystemActor = "system"

// StepSource lists in-progress steps for the escalation sweep.
type StepSource interface {
	InProgressSteps(ctx context.Context) ([]domain.StepRef, error)
}

type Engine struct {
	Store     events.Store
	Templates *templates.Registry
	Calendar  *calendar.Calendar
	Directory auth.Directory
	Steps     StepSource
	Notifier  notify.Notifier
	Metrics   *metrics.Recorder
	Config    *config.Config
	Logger    *zap.Logger
	Now       func() time.Time
	Rand      func(n int) int
}

func New(store events.Store, reg *templates.Registry, cal *calendar.Calendar, dir auth.Directory, cfg *config.Config) Engine {
	return Engine{
		Store:     store,
		Templates: reg,
		Calendar:  cal,
		Directory: dir,
		Config:    cfg,
		Logger:    zap.NewNop(),
		Now:       time.Now,
		Rand:      rand.IntN,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) policy() auth.Policy {
	return auth.Policy{StaffRole: e.Config.Workflow.StaffRole, CancelRoles: e.Config.Workflow.CancelRoles}
}

// Create opens a protocol at step 0 in status received.
func (e Engine) Create(ctx context.Context, cmd domain.Create, actorID string) (events.State, error) {
	ctx, span := tracer.Start(ctx, "engine.Create", trace.WithAttributes(attribute.String("service_code", cmd.ServiceCode)))
	defer span.End()
	start := e.now()
	st, err := e.create(ctx, cmd, actorID)
	e.finish(span, domain.CmdCreate, start, err)
	if err != nil {
		return events.State{}, err
	}
	span.SetAttributes(attribute.String("protocol.id", st.Protocol.ID))
	return st, nil
}

func (e Engine) create(ctx context.Context, cmd domain.Create, actorID string) (events.State, error) {
	if strings.TrimSpace(cmd.RequesterID) == "" {
		return events.State{}, domain.InvalidCommandError{Command: domain.CmdCreate, Reason: "requester id is required"}
	}
	if cmd.Priority == "" {
		cmd.Priority = domain.PriorityNormal
	}
	if !cmd.Priority.Valid() {
		return events.State{}, domain.InvalidCommandError{Command: domain.CmdCreate, Reason: "unknown priority " + string(cmd.Priority)}
	}
	tmpl, err := e.Templates.Get(cmd.ServiceCode)
	if errors.Is(err, domain.ErrTemplateNotFound) {
		return events.State{}, domain.UnknownServiceCodeError{Code: cmd.ServiceCode}
	}
	if err != nil {
		return events.State{}, err
	}
	if actorID == "" {
		actorID = cmd.RequesterID
	}
	if actorID != cmd.RequesterID {
		actor, err := auth.Resolve(ctx, e.Directory, actorID, domain.CmdCreate)
		if err != nil {
			return events.State{}, err
		}
		if !actor.Role.Satisfies(e.Config.Workflow.StaffRole) {
			return events.State{}, domain.AuthorizationError{ActorID: actorID, Command: domain.CmdCreate, RequiredRole: e.Config.Workflow.StaffRole, Reason: "only staff may file on behalf of another requester"}
		}
	}

	now := e.now()
	rnd := e.Rand
	if rnd == nil {
		rnd = rand.IntN
	}
	for attempt := 1; ; attempt++ {
		id := uuid.NewString()
		evt := domain.Event{
			Kind:      domain.EventCreated,
			ActorID:   actorID,
			Timestamp: now,
			Data: domain.EventData{
				Number:      domain.NewNumber(now.In(e.Calendar.Location()), rnd),
				ServiceCode: tmpl.ServiceCode,
				RequesterID: cmd.RequesterID,
				Priority:    cmd.Priority,
				Subject:     strings.TrimSpace(cmd.Subject),
				Description: strings.TrimSpace(cmd.Description),
				Department:  tmpl.Department,
				DeadlineAt:  e.deadline(now, e.Config.SLA.ResponseHours, cmd.Priority),
			},
		}
		st, _, err := e.commit(ctx, id, events.State{}, []domain.Event{evt})
		if errors.Is(err, domain.ErrDuplicateNumber) && attempt < e.Config.Workflow.MaxRetries {
			e.log().Debug("protocol number taken, regenerating", zap.String("number", evt.Data.Number))
			continue
		}
		if err != nil {
			return events.State{}, err
		}
		e.log().Info("protocol created",
			zap.String("protocol_id", id),
			zap.String("number", st.Protocol.Number),
			zap.String("service_code", tmpl.ServiceCode),
			zap.String("priority", string(cmd.Priority)))
		return st, nil
	}
}

// Apply runs one command against a protocol. Concurrency conflicts are retried
// from a fresh replay up to workflow.max_retries times.
func (e Engine) Apply(ctx context.Context, protocolID string, cmd domain.Command, actorID string) (events.State, error) {
	if cmd == nil {
		return events.State{}, domain.InvalidCommandError{Reason: "command is required"}
	}
	name := cmd.Name()
	ctx, span := tracer.Start(ctx, "engine.Apply", trace.WithAttributes(
		attribute.String("protocol.id", protocolID),
		attribute.String("command", string(name)),
	))
	defer span.End()
	start := e.now()

	var (
		st    events.State
		batch []domain.Event
	)
	err := func() error {
		if _, ok := cmd.(domain.Create); ok {
			return domain.InvalidCommandError{Command: name, Reason: "protocols are created with Create, not Apply"}
		}
		actor, err := auth.Resolve(ctx, e.Directory, actorID, name)
		if err != nil {
			return err
		}
		return e.retry(ctx, name, func() error {
			base, _, err := events.Rebuild(ctx, e.Store, protocolID)
			if err != nil {
				return err
			}
			tmpl, err := e.Templates.Get(base.Protocol.ServiceCode)
			if err != nil {
				return err
			}
			evts, err := e.decide(base, tmpl, cmd, actor)
			if err != nil {
				return err
			}
			st, batch, err = e.commit(ctx, protocolID, base, evts)
			return err
		})
	}()
	e.finish(span, name, start, err)
	if err != nil {
		return events.State{}, err
	}
	e.log().Info("command applied",
		zap.String("protocol_id", protocolID),
		zap.String("command", string(name)),
		zap.String("actor_id", actorID),
		zap.String("status", string(st.Protocol.Status)),
		zap.Int("events", len(batch)))
	notify.Dispatch(ctx, e.Notifier, e.log(), notify.Notification{
		Kind:       notify.KindTransition,
		ProtocolID: protocolID,
		Number:     st.Protocol.Number,
		Status:     st.Protocol.Status,
		Events:     batch,
		At:         e.now(),
	})
	return st, nil
}

// decide checks the transition table, the guards and the actor, then returns
// the events the command produces. It never mutates state.
func (e Engine) decide(base events.State, tmpl domain.ProtocolTemplate, cmd domain.Command, actor domain.User) ([]domain.Event, error) {
	p := base.Protocol
	name := cmd.Name()
	to, ok := Transition(p.Status, name)
	if !ok {
		return nil, domain.TransitionError{Status: p.Status, Command: name, Allowed: Allowed(p.Status)}
	}
	pol := e.policy()
	if err := auth.Check(actor, pol.For(name, p, tmpl), p, name); err != nil {
		return nil, err
	}

	now := e.now()
	ev := func(kind domain.EventKind, data domain.EventData) domain.Event {
		return domain.Event{Kind: kind, ActorID: actor.ID, Timestamp: now, Data: data}
	}
	status := func(reason, dept string, deadline *time.Time) domain.Event {
		return ev(domain.EventStatusChanged, domain.EventData{
			Command: name, From: p.Status, To: to, Reason: reason, Department: dept, DeadlineAt: deadline,
		})
	}

	switch c := cmd.(type) {
	case domain.BeginAnalysis:
		return []domain.Event{status("", "", p.DeadlineAt)}, nil
	case domain.RequestMoreInfo:
		// The SLA clock stops while the requester owes information.
		return []domain.Event{status(c.Reason, "", nil)}, nil
	case domain.InfoProvided:
		return []domain.Event{status(c.Note, "", e.deadline(now, e.Config.SLA.ResponseHours, p.Priority))}, nil
	case domain.Advance:
		for i := 0; i < p.CurrentStepIndex; i++ {
			if !tmpl.Steps[i].IsAutomated {
				continue
			}
			if inst, ok := base.Step(i); !ok || inst.Status != domain.StepCompleted {
				return nil, domain.TransitionError{Status: p.Status, Command: name, Reason: fmt.Sprintf("automated step %d has not completed", i)}
			}
		}
		return e.enterStep(tmpl, p.CurrentStepIndex, p.Priority, now, actor.ID), nil
	case domain.CompleteStep:
		cur := p.CurrentStepIndex
		inst, ok := base.Step(cur)
		if !ok || (inst.Status != domain.StepInProgress && inst.Status != domain.StepPending) {
			return nil, domain.TransitionError{Status: p.Status, Command: name, Reason: fmt.Sprintf("step %d is not open", cur)}
		}
		var out []domain.Event
		if inst.Status == domain.StepPending {
			out = append(out, ev(domain.EventStepStarted, domain.EventData{StepIndex: domain.IntPtr(cur), DeadlineAt: e.stepDeadline(tmpl.Steps[cur], p.Priority, now)}))
		}
		return append(out, e.completeChain(tmpl, cur, p.Priority, now, actor.ID, c.Note)...), nil
	case domain.Forward:
		current := auth.Department(p, tmpl, p.CurrentStepIndex)
		if strings.EqualFold(c.Department, current) {
			return nil, domain.TransitionError{Status: p.Status, Command: name, Reason: "protocol is already with department " + current}
		}
		return []domain.Event{status(c.Reason, c.Department, p.DeadlineAt)}, nil
	case domain.Resume:
		return []domain.Event{status("", "", p.DeadlineAt)}, nil
	case domain.Cancel:
		return []domain.Event{ev(domain.EventCancelled, domain.EventData{Command: name, From: p.Status, To: to, Reason: c.Reason})}, nil
	case domain.Close:
		return []domain.Event{status("", "", nil)}, nil
	}
	return nil, domain.InvalidCommandError{Command: name, Reason: "unsupported command"}
}

// enterStep opens step i and, if it is automated, completes it and everything
// it chains into.
func (e Engine) enterStep(tmpl domain.ProtocolTemplate, i int, pr domain.Priority, now time.Time, actorID string) []domain.Event {
	st := tmpl.Steps[i]
	out := []domain.Event{{
		Kind:      domain.EventStepStarted,
		ActorID:   actorID,
		Timestamp: now,
		Data:      domain.EventData{StepIndex: domain.IntPtr(i), DeadlineAt: e.stepDeadline(st, pr, now)},
	}}
	if st.IsAutomated {
		out = append(out, e.completeChain(tmpl, i, pr, now, SystemActor, "")...)
	}
	return out
}

// completeChain completes step i. A human successor is opened inside the same
// step_completed event; an automated successor gets its own started/completed
// pair; completing the last step resolves the protocol.
func (e Engine) completeChain(tmpl domain.ProtocolTemplate, i int, pr domain.Priority, now time.Time, actorID, note string) []domain.Event {
	var out []domain.Event
	for {
		data := domain.EventData{StepIndex: domain.IntPtr(i), Reason: note}
		if tmpl.Last(i) {
			data.Final = true
			return append(out, domain.Event{Kind: domain.EventStepCompleted, ActorID: actorID, Timestamp: now, Data: data})
		}
		next := tmpl.Steps[i+1]
		if !next.IsAutomated {
			data.Next = domain.IntPtr(next.Index)
			data.DeadlineAt = e.stepDeadline(next, pr, now)
			return append(out, domain.Event{Kind: domain.EventStepCompleted, ActorID: actorID, Timestamp: now, Data: data})
		}
		out = append(out,
			domain.Event{Kind: domain.EventStepCompleted, ActorID: actorID, Timestamp: now, Data: data},
			domain.Event{Kind: domain.EventStepStarted, ActorID: SystemActor, Timestamp: now, Data: domain.EventData{StepIndex: domain.IntPtr(next.Index)}},
		)
		i, actorID, note = next.Index, SystemActor, ""
	}
}

// stepDeadline is the due time of a step opened at now. Automated steps carry
// none; a human step without a nominal duration runs on the resolution SLA.
func (e Engine) stepDeadline(st domain.StepTemplate, pr domain.Priority, now time.Time) *time.Time {
	if st.IsAutomated {
		return nil
	}
	h := st.NominalDurationHours
	if h <= 0 {
		h = e.Config.SLA.ResolutionHours
	}
	return e.deadline(now, h, pr)
}

func (e Engine) deadline(from time.Time, hours float64, pr domain.Priority) *time.Time {
	if pr.Expedited() && hours > e.Config.SLA.UrgentHours {
		hours = e.Config.SLA.UrgentHours
	}
	return domain.TimePtr(e.Calendar.AddBusinessHours(from, hours).UTC())
}

// commit appends evts on top of base and folds them into a copy of base.
func (e Engine) commit(ctx context.Context, protocolID string, base events.State, evts []domain.Event) (events.State, []domain.Event, error) {
	if _, err := e.Store.Append(ctx, protocolID, base.Protocol.Version, evts...); err != nil {
		return events.State{}, nil, err
	}
	next := base.Clone()
	applied := make([]domain.Event, len(evts))
	for i, ev := range evts {
		ev.ProtocolID = protocolID
		ev.Sequence = base.Protocol.Version + int64(i) + 1
		ev.Timestamp = ev.Timestamp.UTC()
		if err := next.Apply(ev); err != nil {
			return events.State{}, nil, err
		}
		applied[i] = ev
		e.Metrics.EventAppended(string(ev.Kind))
	}
	return next, applied, nil
}

func (e Engine) retry(ctx context.Context, name domain.CommandName, fn func() error) error {
	attempts := e.Config.Workflow.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if !errors.Is(err, domain.ErrConcurrentModification) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		e.Metrics.ConcurrencyRetry(string(name))
		e.log().Debug("concurrent modification, retrying", zap.String("command", string(name)), zap.Int("attempt", attempt))
	}
	return fmt.Errorf("%s gave up after %d attempts: %w", name, attempts, err)
}

func (e Engine) finish(span trace.Span, name domain.CommandName, start time.Time, err error) {
	e.Metrics.Command(string(name), resultLabel(err), e.now().Sub(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domain.ErrRoleMismatch):
		return "role_mismatch"
	case errors.Is(err, domain.ErrDepartmentMismatch):
		return "department_mismatch"
	case errors.Is(err, domain.ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrUnknownServiceCode):
		return "unknown_service_code"
	case errors.Is(err, domain.ErrInvalidCommand):
		return "invalid_command"
	case errors.Is(err, domain.ErrDocumentLimit):
		return "document_limit"
	default:
		return "error"
	}
}
