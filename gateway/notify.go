package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"gigchain/core/events"
	"gigchain/native/escrow"
	"gigchain/observability/metrics"
)

// Subscription is a webhook destination interested in a set of event types.
// An empty Events list subscribes to everything.
type Subscription struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type manifest struct {
	Subscriptions []Subscription `yaml:"subscriptions"`
}

// LoadSubscriptions reads the YAML webhook manifest from disk.
func LoadSubscriptions(path string) ([]Subscription, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read webhook manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode webhook manifest: %w", err)
	}
	subs := make([]Subscription, 0, len(m.Subscriptions))
	for _, sub := range m.Subscriptions {
		if strings.TrimSpace(sub.URL) == "" {
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// EventJournal persists emitted events for audit and replay.
type EventJournal interface {
	AppendEvent(eventType string, attributes map[string]string) error
}

// Notifier fans emitted domain events out to webhook subscribers. Emit never
// blocks the engines: events go into a bounded channel and a full channel
// drops the oldest behaviour in favour of rejecting the new event with a log
// line.
type Notifier struct {
	subs        []Subscription
	queue       chan events.Event
	journal     EventJournal
	client      *http.Client
	log         *slog.Logger
	maxAttempts int
}

// NotifierOptions configures queue bounds and delivery retries.
type NotifierOptions struct {
	QueueSize   int
	MaxAttempts int
	Journal     EventJournal
	Client      *http.Client
}

// NewNotifier constructs a webhook notifier for the given subscriptions.
func NewNotifier(subs []Subscription, log *slog.Logger, opts NotifierOptions) *Notifier {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		subs:        subs,
		queue:       make(chan events.Event, opts.QueueSize),
		journal:     opts.Journal,
		client:      opts.Client,
		log:         log,
		maxAttempts: opts.MaxAttempts,
	}
}

// Emit implements events.Emitter.
func (n *Notifier) Emit(evt events.Event) {
	if n == nil {
		return
	}
	if evt.Type == escrow.EventTypeWorkSyncFailed {
		metrics.Escrow().IncWorkSyncFailure()
	}
	if n.journal != nil {
		if err := n.journal.AppendEvent(evt.Type, evt.Attributes); err != nil {
			n.log.Error("journal event", "type", evt.Type, "err", err)
		}
	}
	select {
	case n.queue <- evt:
	default:
		n.log.Warn("webhook queue full, dropping event", "type", evt.Type)
	}
}

// Run delivers queued events until the context is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-n.queue:
			n.deliver(ctx, evt)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, evt events.Event) {
	payload, err := json.Marshal(map[string]interface{}{
		"type":       evt.Type,
		"attributes": evt.Attributes,
		"emittedAt":  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		n.log.Error("encode webhook payload", "type", evt.Type, "err", err)
		return
	}
	for _, sub := range n.subs {
		if !sub.matches(evt.Type) {
			continue
		}
		n.deliverTo(ctx, sub, evt.Type, payload)
	}
}

func (n *Notifier) deliverTo(ctx context.Context, sub Subscription, eventType string, payload []byte) {
	backoff := time.Second
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		if err := n.post(ctx, sub, payload); err != nil {
			n.log.Warn("webhook delivery failed",
				"destination", sub.Name, "type", eventType, "attempt", attempt, "err", err)
			if attempt == n.maxAttempts {
				metrics.Escrow().IncWebhookFailure(sub.Name)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}
		return
	}
}

func (n *Notifier) post(ctx context.Context, sub Subscription, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sub.Secret != "" {
		req.Header.Set("X-Webhook-Signature", signPayload(sub.Secret, payload))
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (s Subscription) matches(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, want := range s.Events {
		if want == eventType {
			return true
		}
		// Prefix subscriptions like "escrow.*" match the whole family.
		if strings.HasSuffix(want, ".*") && strings.HasPrefix(eventType, strings.TrimSuffix(want, "*")) {
			return true
		}
	}
	return false
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
