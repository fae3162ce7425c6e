package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"govtech/internal/domain"
)

// SQLStore persists the log in protocol_events, with protocol_streams holding
// each stream head as the concurrency token and step_escalations enforcing one
// escalation per step.
type SQLStore struct {
	DB  *sqlx.DB
	Now func() time.Time
}

type eventRow struct {
	Position   int64  `db:"position"`
	ProtocolID string `db:"protocol_id"`
	Seq        int64  `db:"seq"`
	Kind       string `db:"kind"`
	ActorID    string `db:"actor_id"`
	TS         string `db:"ts"`
	Payload    string `db:"payload_json"`
}

const eventColumns = `position,protocol_id,seq,kind,actor_id,ts,payload_json`

func (s SQLStore) Append(ctx context.Context, protocolID string, expected int64, batch ...domain.Event) (int64, error) {
	if len(batch) == 0 {
		return expected, nil
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	head := expected + int64(len(batch))
	if expected == 0 {
		number, err := streamNumber(batch)
		if err != nil {
			return 0, err
		}
		// Either unique key may reject the stream; the protocol_id row tells them apart.
		res, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO protocol_streams(protocol_id,number,head,created_at) VALUES (?,?,?,?) ON CONFLICT DO NOTHING`),
			protocolID, number, head, now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return 0, fmt.Errorf("open stream: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists int
			if err := tx.GetContext(ctx, &exists, tx.Rebind(`SELECT COUNT(*) FROM protocol_streams WHERE protocol_id=?`), protocolID); err != nil {
				return 0, fmt.Errorf("check stream: %w", err)
			}
			if exists > 0 {
				return 0, domain.ErrConcurrentModification
			}
			return 0, domain.ErrDuplicateNumber
		}
	} else {
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE protocol_streams SET head=? WHERE protocol_id=? AND head=?`), head, protocolID, expected)
		if err != nil {
			return 0, fmt.Errorf("advance stream: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, domain.ErrConcurrentModification
		}
	}

	for i, e := range batch {
		seq := expected + int64(i) + 1
		ts := e.Timestamp
		if ts.IsZero() {
			ts = now()
		}
		tsText := ts.UTC().Format(time.RFC3339Nano)
		if e.Kind == domain.EventEscalated && e.Data.StepIndex != nil {
			res, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO step_escalations(protocol_id,step_index,seq,escalated_at) VALUES (?,?,?,?) ON CONFLICT (protocol_id,step_index) DO NOTHING`),
				protocolID, *e.Data.StepIndex, seq, tsText)
			if err != nil {
				return 0, fmt.Errorf("record escalation: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return 0, domain.ErrAlreadyEscalated
			}
		}
		payload, err := json.Marshal(e.Data)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO protocol_events(protocol_id,seq,kind,actor_id,ts,payload_json) VALUES (?,?,?,?,?,?)`),
			protocolID, seq, string(e.Kind), e.ActorID, tsText, string(payload)); err != nil {
			return 0, fmt.Errorf("insert event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return head, nil
}

func (s SQLStore) Load(ctx context.Context, protocolID string) ([]domain.Event, error) {
	var rows []eventRow
	err := s.DB.SelectContext(ctx, &rows, s.DB.Rebind(`SELECT `+eventColumns+` FROM protocol_events WHERE protocol_id=? ORDER BY seq ASC`), protocolID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.NotFoundError{Entity: "protocol", ID: protocolID}
	}
	return decodeRows(rows)
}

// EventsAfter pages the whole log by position. Under Postgres a position can
// become visible after a higher one commits, so readers must expect gaps.
func (s SQLStore) EventsAfter(ctx context.Context, position int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []eventRow
	err := s.DB.SelectContext(ctx, &rows, s.DB.Rebind(`SELECT `+eventColumns+` FROM protocol_events WHERE position>? ORDER BY position ASC LIMIT ?`), position, limit)
	if err != nil {
		return nil, err
	}
	return decodeRows(rows)
}

func (s SQLStore) LatestPosition(ctx context.Context) (int64, error) {
	var pos sql.NullInt64
	if err := s.DB.GetContext(ctx, &pos, `SELECT MAX(position) FROM protocol_events`); err != nil {
		return 0, err
	}
	return pos.Int64, nil
}

func decodeRows(rows []eventRow) ([]domain.Event, error) {
	out := make([]domain.Event, 0, len(rows))
	for _, r := range rows {
		ts, err := time.Parse(time.RFC3339Nano, r.TS)
		if err != nil {
			return nil, fmt.Errorf("event %d: bad timestamp: %w", r.Position, err)
		}
		var data domain.EventData
		if err := json.Unmarshal([]byte(r.Payload), &data); err != nil {
			return nil, fmt.Errorf("event %d: bad payload: %w", r.Position, err)
		}
		out = append(out, domain.Event{
			ProtocolID: r.ProtocolID,
			Sequence:   r.Seq,
			Position:   r.Position,
			Kind:       domain.EventKind(r.Kind),
			ActorID:    r.ActorID,
			Timestamp:  ts,
			Data:       data,
		})
	}
	return out, nil
}
