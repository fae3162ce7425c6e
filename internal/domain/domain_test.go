package domain

import (
	"errors"
	"testing"
	"time"
)

func TestNumberFormatAndValidation(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	n := NewNumber(now, func(int) int { return 7 })
	if len(n) != 13 {
		t.Fatalf("expected 13 digits, got %q", n)
	}
	if n[:4] != "2025" || n[10:] != "007" {
		t.Fatalf("unexpected number %q", n)
	}
	formatted := FormatNumber(n)
	if formatted != n[:4]+"."+n[4:10]+"."+n[10:] {
		t.Fatalf("unexpected format %q", formatted)
	}
	if NormalizeNumber(formatted) != n {
		t.Fatalf("normalize did not round trip: %q", NormalizeNumber(formatted))
	}
	for _, tc := range []struct {
		in   string
		want bool
	}{
		{n, true},
		{formatted, true},
		{"2019.123456.789", false},
		{"2027.123456.789", false},
		{"2026.123456.789", true},
		{"2025.12345.789", false},
		{"2025.12a456.789", false},
	} {
		if got := ValidNumber(tc.in, now); got != tc.want {
			t.Fatalf("ValidNumber(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestRoleRanking(t *testing.T) {
	cases := []struct {
		have, need Role
		ok         bool
	}{
		{RoleCitizen, RoleOperator, false},
		{RoleOperator, RoleOperator, true},
		{RoleManager, RoleOperator, true},
		{RoleAdmin, RoleManager, true},
		{RoleOperator, RoleManager, false},
		{RoleCitizen, "", true},
		{Role("auditor"), RoleCitizen, false},
	}
	for _, c := range cases {
		if got := c.have.Satisfies(c.need); got != c.ok {
			t.Fatalf("%s satisfies %s = %v, want %v", c.have, c.need, got, c.ok)
		}
	}
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand("Forward", CommandArgs{Department: " OBRAS "})
	if err != nil {
		t.Fatalf("parse forward: %v", err)
	}
	fwd, ok := cmd.(Forward)
	if !ok || fwd.Department != "OBRAS" {
		t.Fatalf("unexpected command %#v", cmd)
	}
	if _, err := ParseCommand("forward", CommandArgs{}); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected invalid command for missing department, got %v", err)
	}
	if _, err := ParseCommand("create", CommandArgs{}); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("create must not be accepted as an applied command, got %v", err)
	}
	if cmd, err := ParseCommand("complete_step", CommandArgs{Note: "ok"}); err != nil || cmd.Name() != CmdCompleteStep {
		t.Fatalf("parse complete_step: %v %v", cmd, err)
	}
}

func TestErrorsMatchSentinels(t *testing.T) {
	if !errors.Is(TransitionError{Status: StatusClosed, Command: CmdCancel}, ErrInvalidTransition) {
		t.Fatalf("transition error must match sentinel")
	}
	if !errors.Is(AuthorizationError{ActorID: "u"}, ErrUnauthorized) {
		t.Fatalf("authorization error must match sentinel")
	}
	roleErr := AssignmentError{Kind: ErrRoleMismatch}
	if !errors.Is(roleErr, ErrRoleMismatch) || errors.Is(roleErr, ErrDepartmentMismatch) {
		t.Fatalf("assignment error must match its kind only")
	}
	msg := TransitionError{Status: StatusResolved, Command: CmdCancel}.Error()
	if msg != "cannot apply cancel to protocol in status resolved (terminal)" {
		t.Fatalf("unexpected message %q", msg)
	}
}
