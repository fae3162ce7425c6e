// Package templates holds the immutable catalog of workflow templates, keyed
// by service code. A Registry is built once at startup and shared read-only.
package templates

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"govtech/internal/domain"
)

type Registry struct {
	byCode map[string]domain.ProtocolTemplate
	codes  []string
}

// New validates every template and builds the registry. Any malformed
// template fails the whole load.
func New(items []domain.ProtocolTemplate) (*Registry, error) {
	r := &Registry{byCode: make(map[string]domain.ProtocolTemplate, len(items))}
	var errs []error
	for _, t := range items {
		if err := Validate(t); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := r.byCode[t.ServiceCode]; dup {
			errs = append(errs, fmt.Errorf("template %s: duplicate service code", t.ServiceCode))
			continue
		}
		r.byCode[t.ServiceCode] = clone(t)
		r.codes = append(r.codes, t.ServiceCode)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sort.Strings(r.codes)
	return r, nil
}

// Get returns the template for serviceCode.
func (r *Registry) Get(serviceCode string) (domain.ProtocolTemplate, error) {
	t, ok := r.byCode[serviceCode]
	if !ok {
		return domain.ProtocolTemplate{}, fmt.Errorf("%w: %s", domain.ErrTemplateNotFound, serviceCode)
	}
	return clone(t), nil
}

// List returns all templates ordered by service code.
func (r *Registry) List() []domain.ProtocolTemplate {
	out := make([]domain.ProtocolTemplate, 0, len(r.codes))
	for _, code := range r.codes {
		out = append(out, clone(r.byCode[code]))
	}
	return out
}

// Validate checks that step indices are contiguous from zero, at least one
// step exists and automated steps carry no required role.
func Validate(t domain.ProtocolTemplate) error {
	code := strings.TrimSpace(t.ServiceCode)
	if code == "" {
		return errors.New("template: service_code is required")
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("template %s: at least one step is required", code)
	}
	for i, s := range t.Steps {
		if s.Index != i {
			return fmt.Errorf("template %s: step %q has index %d, expected %d", code, s.Name, s.Index, i)
		}
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("template %s: step %d has no name", code, i)
		}
		if !domain.ValidDurationHours(s.NominalDurationHours) {
			return fmt.Errorf("template %s: step %d duration %v must be between 0 and %d hours", code, i, s.NominalDurationHours, domain.MaxDurationHours)
		}
		if s.IsAutomated && s.RequiredRole != "" {
			return fmt.Errorf("template %s: automated step %d must not require a role", code, i)
		}
		if s.RequiredRole != "" && !s.RequiredRole.Valid() {
			return fmt.Errorf("template %s: step %d requires unknown role %q", code, i, s.RequiredRole)
		}
	}
	return nil
}

func clone(t domain.ProtocolTemplate) domain.ProtocolTemplate {
	t.Steps = append([]domain.StepTemplate(nil), t.Steps...)
	return t
}
