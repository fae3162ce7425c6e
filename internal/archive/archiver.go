package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"govtech/internal/domain"
	"govtech/internal/events"
)

// Record is the retained form of one protocol.
type Record struct {
	Protocol    domain.Protocol       `json:"protocol"`
	Steps       []domain.StepInstance `json:"steps"`
	Events      []domain.Event        `json:"events"`
	RetainUntil time.Time             `json:"retain_until"`
	ArchivedAt  time.Time             `json:"archived_at"`
}

// Source lists the protocols known to the read side.
type Source interface {
	All() []events.State
}

type Archiver struct {
	Store          Store
	Reader         events.Reader
	Source         Source
	RetentionYears int
	Now            func() time.Time
	Logger         *zap.Logger
}

// Result counts one archive run.
type Result struct {
	Archived []string `json:"archived"`
	Skipped  int      `json:"skipped"`
}

// Key is the object key of a protocol's record.
func Key(p domain.Protocol) string {
	return fmt.Sprintf("protocols/%04d/%s.json", p.CreatedAt.Year(), p.Number)
}

// RetainUntil is the moment the record may be purged.
func RetainUntil(p domain.Protocol, years int) time.Time {
	end := p.UpdatedAt
	switch {
	case p.ClosedAt != nil:
		end = *p.ClosedAt
	case p.ResolvedAt != nil:
		end = *p.ResolvedAt
	}
	return end.AddDate(years, 0, 0)
}

// ArchiveTerminal writes every terminal protocol that has no record yet.
// Existing records are left untouched.
func (a Archiver) ArchiveTerminal(ctx context.Context) (Result, error) {
	logger := a.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	var res Result
	for _, st := range a.Source.All() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		p := st.Protocol
		if !p.Status.Terminal() {
			continue
		}
		key := Key(p)
		exists, err := a.Store.Exists(ctx, key)
		if err != nil {
			return res, fmt.Errorf("check %s: %w", key, err)
		}
		if exists {
			res.Skipped++
			continue
		}
		fresh, evts, err := events.Rebuild(ctx, a.Reader, p.ID)
		if err != nil {
			return res, err
		}
		rec := Record{
			Protocol:    fresh.Protocol,
			Steps:       fresh.Steps,
			Events:      evts,
			RetainUntil: RetainUntil(fresh.Protocol, a.RetentionYears).UTC(),
			ArchivedAt:  now().UTC(),
		}
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return res, err
		}
		if err := a.Store.Put(ctx, key, data, "application/json"); err != nil {
			if errors.Is(err, ErrExists) {
				res.Skipped++
				continue
			}
			return res, fmt.Errorf("put %s: %w", key, err)
		}
		logger.Info("protocol archived", zap.String("number", p.Number), zap.String("key", key), zap.Time("retain_until", rec.RetainUntil))
		res.Archived = append(res.Archived, key)
	}
	return res, nil
}
