package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"govtech/internal/domain"
	"govtech/internal/engine/auth"
	"govtech/internal/events"
	"govtech/internal/notify"
)

// Due returns the steps whose deadline lies strictly before now and that have
// not been escalated, ordered by deadline.
func Due(steps []domain.StepRef, now time.Time) []domain.StepRef {
	var out []domain.StepRef
	for _, s := range steps {
		if s.Escalated || s.DeadlineAt == nil || !s.DeadlineAt.Before(now) {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DeadlineAt.Before(*out[j].DeadlineAt) })
	return out
}

// SweepEscalations appends one escalated event for every overdue in-progress
// step and returns them. Each candidate is re-checked against its replayed
// stream, and the log refuses a second escalation of the same step, so
// overlapping sweeps never escalate twice.
func (e Engine) SweepEscalations(ctx context.Context, now time.Time) ([]domain.EscalationEvent, error) {
	if e.Steps == nil {
		return nil, errors.New("escalation sweep needs a step source")
	}
	ctx, span := tracer.Start(ctx, "engine.SweepEscalations")
	defer span.End()
	now = now.UTC()

	refs, err := e.Steps.InProgressSteps(ctx)
	if err != nil {
		return nil, fmt.Errorf("list in-progress steps: %w", err)
	}
	due := Due(refs, now)
	span.SetAttributes(attribute.Int("candidates", len(due)))

	var (
		out  []domain.EscalationEvent
		errs []error
	)
	for _, ref := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		esc, ok, err := e.escalate(ctx, ref, now)
		if err != nil {
			e.log().Warn("escalation failed", zap.String("protocol_id", ref.ProtocolID), zap.Int("step_index", ref.StepIndex), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		out = append(out, esc)
		e.Metrics.Escalated(esc.ServiceCode)
		e.log().Info("step escalated",
			zap.String("protocol_id", esc.ProtocolID),
			zap.String("number", esc.Number),
			zap.Int("step_index", esc.StepIndex),
			zap.Time("deadline_at", esc.DeadlineAt))
		notify.Dispatch(ctx, e.Notifier, e.log(), notify.Notification{
			Kind:       notify.KindEscalation,
			ProtocolID: esc.ProtocolID,
			Number:     esc.Number,
			Escalation: &esc,
			At:         now,
		})
	}
	return out, errors.Join(errs...)
}

// escalate reports false when the step no longer qualifies or another sweep
// got there first.
func (e Engine) escalate(ctx context.Context, ref domain.StepRef, now time.Time) (domain.EscalationEvent, bool, error) {
	var (
		esc domain.EscalationEvent
		ok  bool
	)
	err := e.retry(ctx, "escalate", func() error {
		ok = false
		base, _, err := events.Rebuild(ctx, e.Store, ref.ProtocolID)
		if err != nil {
			return err
		}
		p := base.Protocol
		inst, found := base.Step(ref.StepIndex)
		if !found || p.Status.Terminal() || inst.Status != domain.StepInProgress ||
			inst.EscalatedAt != nil || inst.DeadlineAt == nil || !inst.DeadlineAt.Before(now) {
			return nil
		}
		evt := domain.Event{
			Kind:      domain.EventEscalated,
			ActorID:   SystemActor,
			Timestamp: now,
			Data:      domain.EventData{StepIndex: domain.IntPtr(ref.StepIndex), AssigneeID: inst.AssignedTo, DeadlineAt: inst.DeadlineAt},
		}
		if _, _, err := e.commit(ctx, p.ID, base, []domain.Event{evt}); err != nil {
			if errors.Is(err, domain.ErrAlreadyEscalated) {
				return nil
			}
			return err
		}
		esc = domain.EscalationEvent{
			ProtocolID:  p.ID,
			Number:      p.Number,
			ServiceCode: p.ServiceCode,
			StepIndex:   ref.StepIndex,
			AssignedTo:  inst.AssignedTo,
			DeadlineAt:  *inst.DeadlineAt,
			EscalatedAt: now,
			Sequence:    p.Version + 1,
		}
		if tmpl, err := e.Templates.Get(p.ServiceCode); err == nil {
			if st, ok := tmpl.Step(ref.StepIndex); ok {
				esc.StepName = st.Name
			}
			esc.Department = auth.Department(p, tmpl, ref.StepIndex)
		}
		ok = true
		return nil
	})
	return esc, ok, err
}
