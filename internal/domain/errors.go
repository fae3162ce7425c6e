package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrUnknownServiceCode     = errors.New("unknown service code")
	ErrTemplateNotFound       = errors.New("template not found")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrRoleMismatch           = errors.New("role mismatch")
	ErrDepartmentMismatch     = errors.New("department mismatch")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrAlreadyEscalated       = errors.New("step already escalated")
	ErrDuplicateNumber        = errors.New("duplicate protocol number")
	ErrInvalidCommand         = errors.New("invalid command")
	ErrDocumentLimit          = errors.New("document limit reached")
	ErrAlreadyRated           = errors.New("protocol already rated")
)

// UnknownServiceCodeError is returned by create when no template exists.
type UnknownServiceCodeError struct {
	Code string
}

func (e UnknownServiceCodeError) Error() string {
	return fmt.Sprintf("unknown service code %q", e.Code)
}

func (e UnknownServiceCodeError) Is(target error) bool {
	return target == ErrUnknownServiceCode
}

// TransitionError reports a command that is not legal from the current status.
type TransitionError struct {
	Status  Status
	Command CommandName
	Allowed []CommandName
	Reason  string
}

func (e TransitionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cannot apply %s to protocol in status %s", e.Command, e.Status)
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	if len(e.Allowed) > 0 {
		names := make([]string, 0, len(e.Allowed))
		for _, c := range e.Allowed {
			names = append(names, string(c))
		}
		fmt.Fprintf(&b, " (allowed: %s)", strings.Join(names, ", "))
	} else if e.Status.Terminal() {
		b.WriteString(" (terminal)")
	}
	return b.String()
}

func (e TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// AuthorizationError reports an actor whose role or department does not
// satisfy the requirement of the step a command acts on.
type AuthorizationError struct {
	ActorID      string
	Command      CommandName
	RequiredRole Role
	Department   string
	Reason       string
}

func (e AuthorizationError) Error() string {
	msg := fmt.Sprintf("actor %s may not %s", e.ActorID, e.Command)
	if e.RequiredRole != "" {
		msg += fmt.Sprintf(": requires role %s", e.RequiredRole)
	}
	if e.Department != "" {
		msg += fmt.Sprintf(" in department %s", e.Department)
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e AuthorizationError) Is(target error) bool {
	return target == ErrUnauthorized
}

// AssignmentError is returned by assign when the assignee does not fit the step.
type AssignmentError struct {
	Kind         error
	AssigneeID   string
	StepIndex    int
	RequiredRole Role
	ActualRole   Role
	Department   string
	ActualDept   string
}

func (e AssignmentError) Error() string {
	if e.Kind == ErrDepartmentMismatch {
		return fmt.Sprintf("assignee %s belongs to department %q, step %d requires %q", e.AssigneeID, e.ActualDept, e.StepIndex, e.Department)
	}
	return fmt.Sprintf("assignee %s has role %s, step %d requires %s", e.AssigneeID, e.ActualRole, e.StepIndex, e.RequiredRole)
}

func (e AssignmentError) Is(target error) bool {
	return target == e.Kind
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

type InvalidCommandError struct {
	Command CommandName
	Reason  string
}

func (e InvalidCommandError) Error() string {
	if e.Command == "" {
		return "invalid command: " + e.Reason
	}
	return fmt.Sprintf("invalid command %s: %s", e.Command, e.Reason)
}

func (e InvalidCommandError) Is(target error) bool {
	return target == ErrInvalidCommand
}
