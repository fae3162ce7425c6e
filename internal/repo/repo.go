// Package repo stores the user directory and API keys. The protocol log lives
// in package events.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"govtech/internal/domain"
)

type Repo struct {
	DB  *sqlx.DB
	Now func() time.Time
}

const userColumns = `id,name,role,department,active,created_at`

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func validateUser(u domain.User) error {
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("user id required")
	}
	if !u.Role.Valid() {
		return fmt.Errorf("unknown role %q", u.Role)
	}
	return nil
}

// UpsertUser inserts a user or updates name, role, department and active flag.
func (r Repo) UpsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	if err := validateUser(u); err != nil {
		return domain.User{}, err
	}
	u.ID = strings.TrimSpace(u.ID)
	u.Department = strings.ToUpper(strings.TrimSpace(u.Department))
	if u.CreatedAt == "" {
		u.CreatedAt = r.now()
	}
	_, err := r.DB.ExecContext(ctx, r.DB.Rebind(`INSERT INTO users(`+userColumns+`) VALUES (?,?,?,?,?,?)
ON CONFLICT (id) DO UPDATE SET name=excluded.name, role=excluded.role, department=excluded.department, active=excluded.active`),
		u.ID, u.Name, string(u.Role), u.Department, u.Active, u.CreatedAt)
	if err != nil {
		return domain.User{}, fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return r.User(ctx, u.ID)
}

// User satisfies the engine's directory.
func (r Repo) User(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := r.DB.GetContext(ctx, &u, r.DB.Rebind(`SELECT `+userColumns+` FROM users WHERE id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, domain.NotFoundError{Entity: "user", ID: id}
	}
	if err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// ListUsers returns users ordered by id, optionally restricted to a department.
func (r Repo) ListUsers(ctx context.Context, department string) ([]domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	var args []any
	if department != "" {
		query += ` WHERE UPPER(department)=?`
		args = append(args, strings.ToUpper(department))
	}
	query += ` ORDER BY id`
	var users []domain.User
	if err := r.DB.SelectContext(ctx, &users, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	return users, nil
}

// SetActive enables or disables a user without touching the rest.
func (r Repo) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, r.DB.Rebind(`UPDATE users SET active=? WHERE id=?`), active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundError{Entity: "user", ID: id}
	}
	return nil
}

// SeedUsers upserts the directory entries listed in config. Existing users
// keep their created_at.
func (r Repo) SeedUsers(ctx context.Context, users []domain.User) (int, error) {
	n := 0
	for _, u := range users {
		if _, err := r.UpsertUser(ctx, u); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
