// Package events is the append-only protocol log. Each protocol owns a stream
// with gap-free sequence numbers; the log as a whole carries a position cursor
// for projections and webhooks.
package events

import (
	"context"
	"sync"
	"time"

	"govtech/internal/domain"
)

// Reader is the read side of the log.
type Reader interface {
	Load(ctx context.Context, protocolID string) ([]domain.Event, error)
	EventsAfter(ctx context.Context, position int64, limit int) ([]domain.Event, error)
	LatestPosition(ctx context.Context) (int64, error)
}

// Store appends batches under an optimistic concurrency token. expected is the
// caller's view of the stream head (0 for a new stream). The batch is written
// whole or not at all; it returns the new head.
type Store interface {
	Reader
	Append(ctx context.Context, protocolID string, expected int64, batch ...domain.Event) (int64, error)
}

type escalationKey struct {
	protocolID string
	step       int
}

// MemoryStore keeps the log in process.
type MemoryStore struct {
	Now func() time.Time

	mu        sync.RWMutex
	streams   map[string][]domain.Event
	numbers   map[string]string
	escalated map[escalationKey]struct{}
	log       []domain.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Now:       time.Now,
		streams:   map[string][]domain.Event{},
		numbers:   map[string]string{},
		escalated: map[escalationKey]struct{}{},
	}
}

func (m *MemoryStore) Append(ctx context.Context, protocolID string, expected int64, batch ...domain.Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return expected, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.streams[protocolID]
	head := int64(len(stream))
	if head != expected {
		return 0, domain.ErrConcurrentModification
	}
	if expected == 0 {
		number, err := streamNumber(batch)
		if err != nil {
			return 0, err
		}
		if _, taken := m.numbers[number]; taken {
			return 0, domain.ErrDuplicateNumber
		}
	}
	pending := map[escalationKey]struct{}{}
	for _, e := range batch {
		if e.Kind != domain.EventEscalated || e.Data.StepIndex == nil {
			continue
		}
		k := escalationKey{protocolID, *e.Data.StepIndex}
		if _, done := m.escalated[k]; done {
			return 0, domain.ErrAlreadyEscalated
		}
		if _, dup := pending[k]; dup {
			return 0, domain.ErrAlreadyEscalated
		}
		pending[k] = struct{}{}
	}

	now := m.now()
	for i := range batch {
		e := batch[i]
		e.ProtocolID = protocolID
		e.Sequence = expected + int64(i) + 1
		e.Position = int64(len(m.log)) + 1
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		e.Timestamp = e.Timestamp.UTC()
		stream = append(stream, e)
		m.log = append(m.log, e)
	}
	m.streams[protocolID] = stream
	if expected == 0 {
		number, _ := streamNumber(batch)
		m.numbers[number] = protocolID
	}
	for k := range pending {
		m.escalated[k] = struct{}{}
	}
	return int64(len(stream)), nil
}

func (m *MemoryStore) Load(ctx context.Context, protocolID string) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stream, ok := m.streams[protocolID]
	if !ok {
		return nil, domain.NotFoundError{Entity: "protocol", ID: protocolID}
	}
	return append([]domain.Event(nil), stream...), nil
}

func (m *MemoryStore) EventsAfter(ctx context.Context, position int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if position < 0 {
		position = 0
	}
	if position >= int64(len(m.log)) {
		return nil, nil
	}
	end := position + int64(limit)
	if end > int64(len(m.log)) {
		end = int64(len(m.log))
	}
	return append([]domain.Event(nil), m.log[position:end]...), nil
}

func (m *MemoryStore) LatestPosition(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.log)), nil
}

func (m *MemoryStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// streamNumber extracts the protocol number a new stream is opened with.
func streamNumber(batch []domain.Event) (string, error) {
	if batch[0].Kind != domain.EventCreated || batch[0].Data.Number == "" {
		return "", domain.InvalidCommandError{Command: domain.CmdCreate, Reason: "a stream must open with a numbered created event"}
	}
	return batch[0].Data.Number, nil
}
