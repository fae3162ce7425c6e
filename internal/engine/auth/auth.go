// Package auth holds the role and department rules the engine applies to
// every command.
package auth

import (
	"context"
	"errors"
	"strings"

	"govtech/internal/domain"
)

// Directory resolves actors to their role and department.
type Directory interface {
	User(ctx context.Context, id string) (domain.User, error)
}

// Static is an in-memory directory.
type Static map[string]domain.User

func (s Static) User(_ context.Context, id string) (domain.User, error) {
	u, ok := s[id]
	if !ok {
		return domain.User{}, domain.NotFoundError{Entity: "user", ID: id}
	}
	return u, nil
}

// NewStatic indexes users by id.
func NewStatic(users ...domain.User) Static {
	s := Static{}
	for _, u := range users {
		s[u.ID] = u
	}
	return s
}

// Policy carries the configured roles that gate commands outside a step.
type Policy struct {
	StaffRole   domain.Role
	CancelRoles []domain.Role
}

// Requirement is what an actor needs to run one command.
type Requirement struct {
	Role       domain.Role
	AnyRole    []domain.Role
	Department string
	// Requester lets the protocol's requester through regardless of role.
	Requester bool
}

// Resolve loads an actor, rejecting unknown and inactive ones.
func Resolve(ctx context.Context, dir Directory, actorID string, cmd domain.CommandName) (domain.User, error) {
	if actorID == "" {
		return domain.User{}, domain.AuthorizationError{Command: cmd, Reason: "actor id required"}
	}
	u, err := dir.User(ctx, actorID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, domain.AuthorizationError{ActorID: actorID, Command: cmd, Reason: "unknown actor"}
	}
	if err != nil {
		return domain.User{}, err
	}
	if !u.Active {
		return domain.User{}, domain.AuthorizationError{ActorID: actorID, Command: cmd, Reason: "actor is inactive"}
	}
	return u, nil
}

// Department is the department currently responsible for step i: a forward
// override on the current step, then the step hint, then the template owner.
func Department(p domain.Protocol, t domain.ProtocolTemplate, i int) string {
	if i == p.CurrentStepIndex && p.ForwardedTo != "" {
		return p.ForwardedTo
	}
	if st, ok := t.Step(i); ok && st.DepartmentHint != "" {
		return st.DepartmentHint
	}
	return t.Department
}

// StepRole is the role needed to act on a step. Automated steps have no role of
// their own and fall back to staff.
func (pol Policy) StepRole(st domain.StepTemplate) domain.Role {
	if st.RequiredRole == "" {
		return pol.StaffRole
	}
	return st.RequiredRole
}

// For returns the requirement of cmd against the protocol's current state.
func (pol Policy) For(cmd domain.CommandName, p domain.Protocol, t domain.ProtocolTemplate) Requirement {
	dept := Department(p, t, p.CurrentStepIndex)
	switch cmd {
	case domain.CmdAdvance, domain.CmdCompleteStep, domain.CmdForward, domain.CmdResume:
		st, _ := t.Step(p.CurrentStepIndex)
		return Requirement{Role: pol.StepRole(st), Department: dept}
	case domain.CmdInfoProvided:
		return Requirement{Role: pol.StaffRole, Department: dept, Requester: true}
	case domain.CmdCancel:
		return Requirement{AnyRole: pol.CancelRoles, Department: dept}
	case domain.CmdAddResponse, domain.CmdAttachDocument:
		return Requirement{Role: pol.StaffRole, Department: dept, Requester: true}
	default:
		return Requirement{Role: pol.StaffRole, Department: dept}
	}
}

// Check reports whether actor meets req. Admins pass department checks.
func Check(actor domain.User, req Requirement, p domain.Protocol, cmd domain.CommandName) error {
	if req.Requester && actor.ID == p.RequesterID {
		return nil
	}
	deny := domain.AuthorizationError{ActorID: actor.ID, Command: cmd, RequiredRole: req.Role, Department: req.Department}
	if len(req.AnyRole) > 0 {
		if !hasAny(actor.Role, req.AnyRole) {
			names := make([]string, 0, len(req.AnyRole))
			for _, r := range req.AnyRole {
				names = append(names, string(r))
			}
			deny.RequiredRole = ""
			deny.Reason = "requires one of " + strings.Join(names, ", ") + "; actor is " + string(actor.Role)
			return deny
		}
	} else if !actor.Role.Satisfies(req.Role) {
		deny.Reason = "actor is " + string(actor.Role)
		return deny
	}
	if actor.Role == domain.RoleAdmin || req.Department == "" {
		return nil
	}
	if !strings.EqualFold(actor.Department, req.Department) {
		deny.Reason = "actor belongs to " + orNone(actor.Department)
		return deny
	}
	return nil
}

// Assignee checks that u may be assigned to step st owned by dept.
func Assignee(u domain.User, st domain.StepTemplate, dept string) error {
	if !u.Role.Satisfies(st.RequiredRole) {
		return domain.AssignmentError{
			Kind:         domain.ErrRoleMismatch,
			AssigneeID:   u.ID,
			StepIndex:    st.Index,
			RequiredRole: st.RequiredRole,
			ActualRole:   u.Role,
		}
	}
	if dept != "" && u.Role != domain.RoleAdmin && !strings.EqualFold(u.Department, dept) {
		return domain.AssignmentError{
			Kind:       domain.ErrDepartmentMismatch,
			AssigneeID: u.ID,
			StepIndex:  st.Index,
			Department: dept,
			ActualDept: u.Department,
		}
	}
	return nil
}

func hasAny(r domain.Role, roles []domain.Role) bool {
	for _, want := range roles {
		if r == want {
			return true
		}
	}
	return false
}

func orNone(s string) string {
	if s == "" {
		return "no department"
	}
	return s
}
