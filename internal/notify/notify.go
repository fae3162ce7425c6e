// Package notify dispatches workflow notifications. Delivery is fire and
// forget from the engine's point of view: failures are logged, never returned
// to the command that caused them.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"govtech/internal/domain"
)

type Kind string

const (
	KindTransition Kind = "transition"
	KindEscalation Kind = "escalation"
)

type Notification struct {
	Kind       Kind                    `json:"kind"`
	ProtocolID string                  `json:"protocol_id"`
	Number     string                  `json:"number"`
	Status     domain.Status           `json:"status,omitempty"`
	Events     []domain.Event          `json:"events,omitempty"`
	Escalation *domain.EscalationEvent `json:"escalation,omitempty"`
	At         time.Time               `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notification) error

func (f Func) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	Logger *zap.Logger
}

func (l LogNotifier) Notify(ctx context.Context, n Notification) error {
	fields := []zap.Field{
		zap.String("kind", string(n.Kind)),
		zap.String("protocol_id", n.ProtocolID),
		zap.String("number", n.Number),
	}
	if n.Status != "" {
		fields = append(fields, zap.String("status", string(n.Status)))
	}
	if n.Escalation != nil {
		fields = append(fields,
			zap.Int("step_index", n.Escalation.StepIndex),
			zap.String("assigned_to", n.Escalation.AssignedTo),
			zap.String("department", n.Escalation.Department),
			zap.Time("deadline_at", n.Escalation.DeadlineAt),
		)
	}
	l.Logger.Info("notification", fields...)
	return nil
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range f {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatch sends n and logs a failure instead of returning it.
func Dispatch(ctx context.Context, nt Notifier, logger *zap.Logger, n Notification) {
	if nt == nil {
		return
	}
	if err := nt.Notify(ctx, n); err != nil && logger != nil {
		logger.Warn("notification failed",
			zap.String("kind", string(n.Kind)),
			zap.String("protocol_id", n.ProtocolID),
			zap.Error(err))
	}
}
