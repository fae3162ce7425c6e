package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"govtech/internal/domain"
	"govtech/internal/engine/auth"
	"govtech/internal/events"
)

// Assign records who works on a step. The step status does not change; a step
// may be assigned before it opens.
func (e Engine) Assign(ctx context.Context, protocolID string, stepIndex int, assigneeID, actorID string) (events.State, error) {
	ctx, span := tracer.Start(ctx, "engine.Assign", trace.WithAttributes(
		attribute.String("protocol.id", protocolID),
		attribute.Int("step_index", stepIndex),
	))
	defer span.End()
	start := e.now()
	var st events.State
	err := func() error {
		actor, err := auth.Resolve(ctx, e.Directory, actorID, domain.CmdAssign)
		if err != nil {
			return err
		}
		assignee, err := e.Directory.User(ctx, assigneeID)
		if err != nil {
			return err
		}
		if !assignee.Active {
			return domain.NotFoundError{Entity: "active user", ID: assigneeID}
		}
		return e.retry(ctx, domain.CmdAssign, func() error {
			base, _, err := events.Rebuild(ctx, e.Store, protocolID)
			if err != nil {
				return err
			}
			p := base.Protocol
			if p.Status.Terminal() {
				return domain.TransitionError{Status: p.Status, Command: domain.CmdAssign}
			}
			tmpl, err := e.Templates.Get(p.ServiceCode)
			if err != nil {
				return err
			}
			step, ok := tmpl.Step(stepIndex)
			if !ok {
				return domain.NotFoundError{Entity: "step", ID: fmt.Sprintf("%s/%d", protocolID, stepIndex)}
			}
			if step.IsAutomated {
				return domain.TransitionError{Status: p.Status, Command: domain.CmdAssign, Reason: fmt.Sprintf("step %d is automated", stepIndex)}
			}
			if inst, ok := base.Step(stepIndex); ok && inst.Status != domain.StepPending && inst.Status != domain.StepInProgress {
				return domain.TransitionError{Status: p.Status, Command: domain.CmdAssign, Reason: fmt.Sprintf("step %d is %s", stepIndex, inst.Status)}
			}
			dept := auth.Department(p, tmpl, stepIndex)
			if err := auth.Check(actor, auth.Requirement{Role: e.Config.Workflow.StaffRole, Department: dept}, p, domain.CmdAssign); err != nil {
				return err
			}
			if err := auth.Assignee(assignee, step, dept); err != nil {
				return err
			}
			evt := domain.Event{
				Kind:      domain.EventAssigned,
				ActorID:   actor.ID,
				Timestamp: e.now(),
				Data:      domain.EventData{StepIndex: domain.IntPtr(stepIndex), AssigneeID: assignee.ID},
			}
			st, _, err = e.commit(ctx, protocolID, base, []domain.Event{evt})
			return err
		})
	}()
	e.finish(span, domain.CmdAssign, start, err)
	if err != nil {
		return events.State{}, err
	}
	e.log().Info("step assigned",
		zap.String("protocol_id", protocolID),
		zap.Int("step_index", stepIndex),
		zap.String("assignee_id", assigneeID),
		zap.String("actor_id", actorID))
	return st, nil
}

// AddResponse appends a message to a protocol. Requesters may only post public
// responses to their own protocols.
func (e Engine) AddResponse(ctx context.Context, protocolID, actorID, message string, public bool) (domain.Response, error) {
	ctx, span := tracer.Start(ctx, "engine.AddResponse", trace.WithAttributes(attribute.String("protocol.id", protocolID)))
	defer span.End()
	start := e.now()
	var resp domain.Response
	err := func() error {
		message = strings.TrimSpace(message)
		if message == "" {
			return domain.InvalidCommandError{Command: domain.CmdAddResponse, Reason: "message is required"}
		}
		actor, err := auth.Resolve(ctx, e.Directory, actorID, domain.CmdAddResponse)
		if err != nil {
			return err
		}
		return e.retry(ctx, domain.CmdAddResponse, func() error {
			base, err := e.openForAttachments(ctx, protocolID, domain.CmdAddResponse, actor)
			if err != nil {
				return err
			}
			staff := actor.Role.Satisfies(e.Config.Workflow.StaffRole)
			if !staff && !public {
				return domain.InvalidCommandError{Command: domain.CmdAddResponse, Reason: "requesters may only add public responses"}
			}
			resp = domain.Response{
				ID:        uuid.NewString(),
				AuthorID:  actor.ID,
				Message:   message,
				Public:    public,
				CreatedAt: e.now(),
			}
			evt := domain.Event{Kind: domain.EventResponseAdded, ActorID: actor.ID, Timestamp: resp.CreatedAt, Data: domain.EventData{Response: &resp}}
			_, _, err = e.commit(ctx, protocolID, base, []domain.Event{evt})
			return err
		})
	}()
	e.finish(span, domain.CmdAddResponse, start, err)
	if err != nil {
		return domain.Response{}, err
	}
	return resp, nil
}

// AttachDocument records a reference to a stored document. The bytes live
// elsewhere.
func (e Engine) AttachDocument(ctx context.Context, protocolID, actorID string, doc domain.Document) (domain.Document, error) {
	ctx, span := tracer.Start(ctx, "engine.AttachDocument", trace.WithAttributes(attribute.String("protocol.id", protocolID)))
	defer span.End()
	start := e.now()
	err := func() error {
		doc.Name = strings.TrimSpace(doc.Name)
		doc.Ref = strings.TrimSpace(doc.Ref)
		if doc.Name == "" || doc.Ref == "" {
			return domain.InvalidCommandError{Command: domain.CmdAttachDocument, Reason: "name and ref are required"}
		}
		if doc.Size < 0 {
			return domain.InvalidCommandError{Command: domain.CmdAttachDocument, Reason: "size must not be negative"}
		}
		actor, err := auth.Resolve(ctx, e.Directory, actorID, domain.CmdAttachDocument)
		if err != nil {
			return err
		}
		return e.retry(ctx, domain.CmdAttachDocument, func() error {
			base, err := e.openForAttachments(ctx, protocolID, domain.CmdAttachDocument, actor)
			if err != nil {
				return err
			}
			if limit := e.Config.Workflow.MaxDocuments; len(base.Protocol.Documents) >= limit {
				return fmt.Errorf("%w: protocol %s already has %d documents", domain.ErrDocumentLimit, base.Protocol.Number, limit)
			}
			doc.ID = uuid.NewString()
			doc.AttachedBy = actor.ID
			doc.AttachedAt = e.now()
			evt := domain.Event{Kind: domain.EventDocumentAttached, ActorID: actor.ID, Timestamp: doc.AttachedAt, Data: domain.EventData{Document: &doc}}
			_, _, err = e.commit(ctx, protocolID, base, []domain.Event{evt})
			return err
		})
	}()
	e.finish(span, domain.CmdAttachDocument, start, err)
	if err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

// Rate records the requester's satisfaction with a resolved or closed protocol.
// A protocol is rated once.
func (e Engine) Rate(ctx context.Context, protocolID, actorID string, score int, comment string) (domain.Rating, error) {
	ctx, span := tracer.Start(ctx, "engine.Rate", trace.WithAttributes(attribute.String("protocol.id", protocolID)))
	defer span.End()
	start := e.now()
	var rating domain.Rating
	err := func() error {
		if score < domain.MinRating || score > domain.MaxRating {
			return domain.InvalidCommandError{Command: domain.CmdRate, Reason: fmt.Sprintf("score must be between %d and %d", domain.MinRating, domain.MaxRating)}
		}
		actor, err := auth.Resolve(ctx, e.Directory, actorID, domain.CmdRate)
		if err != nil {
			return err
		}
		return e.retry(ctx, domain.CmdRate, func() error {
			base, _, err := events.Rebuild(ctx, e.Store, protocolID)
			if err != nil {
				return err
			}
			p := base.Protocol
			if p.Status != domain.StatusResolved && p.Status != domain.StatusClosed {
				return domain.TransitionError{Status: p.Status, Command: domain.CmdRate, Reason: "only resolved or closed protocols can be rated"}
			}
			if actor.ID != p.RequesterID {
				return domain.AuthorizationError{ActorID: actor.ID, Command: domain.CmdRate, Reason: "only the requester may rate"}
			}
			if p.Rating != nil {
				return fmt.Errorf("%w: protocol %s", domain.ErrAlreadyRated, p.Number)
			}
			rating = domain.Rating{Score: score, Comment: strings.TrimSpace(comment), RatedAt: e.now()}
			evt := domain.Event{Kind: domain.EventRated, ActorID: actor.ID, Timestamp: rating.RatedAt, Data: domain.EventData{Rating: &rating}}
			_, _, err = e.commit(ctx, protocolID, base, []domain.Event{evt})
			return err
		})
	}()
	e.finish(span, domain.CmdRate, start, err)
	if err != nil {
		return domain.Rating{}, err
	}
	return rating, nil
}

// openForAttachments loads a non-terminal protocol and checks that actor is its
// requester or staff of the responsible department.
func (e Engine) openForAttachments(ctx context.Context, protocolID string, cmd domain.CommandName, actor domain.User) (events.State, error) {
	base, _, err := events.Rebuild(ctx, e.Store, protocolID)
	if err != nil {
		return events.State{}, err
	}
	p := base.Protocol
	if p.Status.Terminal() {
		return events.State{}, domain.TransitionError{Status: p.Status, Command: cmd}
	}
	tmpl, err := e.Templates.Get(p.ServiceCode)
	if err != nil {
		return events.State{}, err
	}
	if err := auth.Check(actor, e.policy().For(cmd, p, tmpl), p, cmd); err != nil {
		return events.State{}, err
	}
	return base, nil
}
