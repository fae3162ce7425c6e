package repo

import (
	"context"
	"strings"

	"govtech/internal/domain"
)

// Candidates lists active users who may be assigned a step that requires role
// in department. Admins always qualify.
func (r Repo) Candidates(ctx context.Context, role domain.Role, department string) ([]domain.User, error) {
	users, err := r.ListUsers(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []domain.User
	for _, u := range users {
		if !u.Active || !u.Role.Satisfies(role) {
			continue
		}
		if u.Role != domain.RoleAdmin && department != "" && !strings.EqualFold(u.Department, department) {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}
