package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"govtech/internal/config"
	"govtech/internal/domain"
	"govtech/internal/events"
	"govtech/internal/metrics"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher posts log events to the configured webhooks. Each hook
// keeps its own cursor, starting at the log head when the dispatcher starts;
// a failed delivery is retried from the same event on the next tick.
type WebhookDispatcher struct {
	Reader   events.Reader
	Webhooks []config.WebhookConfig
	Interval time.Duration
	Logger   *zap.Logger
	Metrics  *metrics.Recorder

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

func NewWebhookDispatcher(r events.Reader, hooks []config.WebhookConfig, logger *zap.Logger, m *metrics.Recorder) *WebhookDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookDispatcher{
		Reader:   r,
		Webhooks: hooks,
		Interval: defaultWebhookInterval,
		Logger:   logger,
		Metrics:  m,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
}

// Run delivers until ctx ends. It returns at once when no hook is enabled.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	if !d.enabled() {
		return nil
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) enabled() bool {
	for _, hook := range d.Webhooks {
		if hookEnabled(hook) {
			return true
		}
	}
	return false
}

func hookEnabled(hook config.WebhookConfig) bool {
	if hook.Enabled != nil && !*hook.Enabled {
		return false
	}
	return strings.TrimSpace(hook.URL) != ""
}

// DispatchAll runs one delivery round over every enabled hook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.Webhooks {
		if !hookEnabled(hook) {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, ok := d.cursorFor(ctx, idx)
	if !ok {
		return
	}
	batch, err := d.Reader.EventsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.Logger.Warn("webhook: fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range batch {
		if !filter.match(string(evt.Kind)) {
			d.setCursor(idx, evt.Position)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.Metrics.WebhookDelivery("failed")
			d.Logger.Warn("webhook: delivery failed", zap.String("url", hook.URL), zap.Int64("position", evt.Position), zap.Error(err))
			return
		}
		d.Metrics.WebhookDelivery("delivered")
		d.setCursor(idx, evt.Position)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur, true
	}
	cur, err := d.Reader.LatestPosition(ctx)
	if err != nil {
		d.Logger.Warn("webhook: init cursor failed", zap.Error(err))
		return 0, false
	}
	d.cursors[idx] = cur
	return cur, true
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	Position   int64            `json:"position"`
	Kind       domain.EventKind `json:"kind"`
	ProtocolID string           `json:"protocol_id"`
	Sequence   int64            `json:"sequence"`
	ActorID    string           `json:"actor_id"`
	Timestamp  time.Time        `json:"timestamp"`
	Data       domain.EventData `json:"data"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	data, err := json.Marshal(webhookEvent{
		Position:   evt.Position,
		Kind:       evt.Kind,
		ProtocolID: evt.ProtocolID,
		Sequence:   evt.Sequence,
		ActorID:    evt.ActorID,
		Timestamp:  evt.Timestamp,
		Data:       evt.Data,
	})
	if err != nil {
		return err
	}
	client := d.client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GovTech-Event", string(evt.Kind))
	req.Header.Set("X-GovTech-Delivery", fmt.Sprintf("%d", evt.Position))
	req.Header.Set("X-GovTech-Protocol", evt.ProtocolID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-GovTech-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(kinds []string) eventFilter {
	if len(kinds) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
