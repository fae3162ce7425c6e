package query

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"govtech/internal/domain"
	"govtech/internal/events"
	"govtech/internal/metrics"
)

const (
	defaultGapTimeout = time.Minute
	maxOpenGaps       = 1024
)

// Projector pages the event log into a ReadModel.
//
// Positions are assigned before commit, so a reader can see a higher position
// before a lower one. Skipped positions are remembered and polled again on
// every Sync until they show up or GapTimeout passes (a rolled-back write never
// fills its position). An event that arrives ahead of its stream makes the
// projector rebuild that protocol from its stream.
type Projector struct {
	Reader     events.Reader
	Model      *ReadModel
	Batch      int
	Interval   time.Duration
	GapTimeout time.Duration
	Now        func() time.Time
	Logger     *zap.Logger
	Metrics    *metrics.Recorder

	mu   sync.Mutex
	gaps map[int64]time.Time
}

func (p *Projector) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (p *Projector) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// OpenGaps is the number of skipped positions still being polled.
func (p *Projector) OpenGaps() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.gaps)
}

// Sync applies every event after the model's position, plus any late event
// that filled an open gap, and returns how many it applied.
func (p *Projector) Sync(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := p.Batch
	if batch <= 0 {
		batch = 200
	}
	applied, err := p.fillGaps(ctx)
	if err != nil {
		return applied, err
	}
	for {
		last := p.Model.Position()
		page, err := p.Reader.EventsAfter(ctx, last, batch)
		if err != nil {
			return applied, err
		}
		for _, e := range page {
			p.noteGaps(last, e.Position)
			if err := p.apply(ctx, e); err != nil {
				return applied, err
			}
			if e.Position > last {
				last = e.Position
			}
			applied++
		}
		p.Metrics.ProjectionPosition(p.Model.Position())
		if len(page) < batch {
			return applied, nil
		}
	}
}

func (p *Projector) apply(ctx context.Context, e domain.Event) error {
	err := p.Model.Apply(e)
	if !errors.Is(err, ErrStreamGap) {
		return err
	}
	st, _, err := events.Rebuild(ctx, p.Reader, e.ProtocolID)
	if err != nil {
		return err
	}
	p.logger().Info("protocol rebuilt from stream",
		zap.String("protocol_id", e.ProtocolID),
		zap.Int64("sequence", e.Sequence),
		zap.Int64("version", st.Protocol.Version),
		zap.Int64("position", e.Position))
	p.Model.Replace(st, e.Position)
	return nil
}

func (p *Projector) noteGaps(last, next int64) {
	if next <= last+1 {
		return
	}
	if p.gaps == nil {
		p.gaps = map[int64]time.Time{}
	}
	seen := p.now()
	for pos := last + 1; pos < next && len(p.gaps) < maxOpenGaps; pos++ {
		p.gaps[pos] = seen
	}
}

func (p *Projector) fillGaps(ctx context.Context) (int, error) {
	if len(p.gaps) == 0 {
		return 0, nil
	}
	timeout := p.GapTimeout
	if timeout <= 0 {
		timeout = defaultGapTimeout
	}
	now := p.now()
	filled := 0
	for pos, seen := range p.gaps {
		page, err := p.Reader.EventsAfter(ctx, pos-1, 1)
		if err != nil {
			return filled, err
		}
		if len(page) == 1 && page[0].Position == pos {
			if err := p.apply(ctx, page[0]); err != nil {
				return filled, err
			}
			delete(p.gaps, pos)
			filled++
			continue
		}
		if now.Sub(seen) >= timeout {
			delete(p.gaps, pos)
		}
	}
	return filled, nil
}

// Run syncs on every tick until ctx ends. Sync errors are logged and retried
// on the next tick.
func (p *Projector) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := p.Sync(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger().Warn("projection sync failed", zap.Error(err))
		} else if n > 0 {
			p.logger().Debug("projection synced", zap.Int("events", n), zap.Int64("position", p.Model.Position()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
