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

	"github.com/charmbracelet/log"

	"deliverline/internal/config"
	"deliverline/internal/events"
	"deliverline/internal/logging"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// Dispatcher forwards new journal events to the configured outbound hooks.
// Each hook keeps its own cursor; a failed delivery is retried on the next tick.
type Dispatcher struct {
	journal  events.Writer
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *log.Logger
	interval time.Duration
	mu       sync.Mutex
	cursors  map[int]int64
}

func NewDispatcher(journal events.Writer, hooks []config.WebhookConfig, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		journal:  journal,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logging.Or(logger, "webhooks"),
		interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
}

// Run delivers events until ctx is done. It returns immediately when no
// hook is configured.
func (d *Dispatcher) Run(ctx context.Context) {
	if len(d.webhooks) == 0 {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	evts, err := d.journal.After(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.logger.Error("fetch events failed", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.logger.Warn("delivery failed", "url", hook.URL, "event", evt.ID, "err", err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor starts each hook at the journal head so history is not replayed.
func (d *Dispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.journal.LatestID(ctx)
	if err != nil {
		d.logger.Error("init cursor failed", "err", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Source     string          `json:"source"`
	RequestID  string          `json:"request_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *Dispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt events.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		Source:     evt.Source,
		RequestID:  evt.RequestID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Deliverline-Event", evt.Type)
	req.Header.Set("X-Deliverline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Deliverline-Source", evt.Source)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Deliverline-Secret", hook.Secret)
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

func newEventFilter(evts []string) eventFilter {
	if len(evts) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(evts))
	for _, evt := range evts {
		key := strings.TrimSpace(evt)
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

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
