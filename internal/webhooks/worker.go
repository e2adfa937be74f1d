package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"dmecoord/internal/domain"
)

const (
	defaultWorkerInterval  = 5 * time.Second
	defaultDeliveryTimeout = 5 * time.Second
	DefaultSignatureHeader = "X-DME-Signature"
)

type WorkerOptions struct {
	Interval        time.Duration
	Timeout         time.Duration
	SignatureHeader string
	Client          *http.Client
	Logger          *slog.Logger
}

// Worker drains pending deliveries on a fixed interval. A failed attempt
// is marked failed and waits for an operator retry.
type Worker struct {
	outbox   *Outbox
	registry *Registry
	client   *http.Client
	interval time.Duration
	header   string
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewWorker(outbox *Outbox, registry *Registry, opts WorkerOptions) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = defaultWorkerInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultDeliveryTimeout
	}
	if opts.SignatureHeader == "" {
		opts.SignatureHeader = DefaultSignatureHeader
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		outbox:   outbox,
		registry: registry,
		client:   client,
		interval: opts.Interval,
		header:   opts.SignatureHeader,
		logger:   logger,
	}
}

// Start launches the loop; calling it while running is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.cancel()
	w.running = false
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.ProcessPending(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("webhook cycle failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ErrWebhookRemoved marks deliveries whose subscription was deleted after
// they were queued. They are never posted.
var ErrWebhookRemoved = errors.New("webhook removed")

// ProcessPending attempts every pending delivery once and returns how many
// were delivered.
func (w *Worker) ProcessPending(ctx context.Context) (int, error) {
	pending, err := w.outbox.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending deliveries: %w", err)
	}
	delivered := 0
	for _, d := range pending {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		secret := ""
		if w.registry != nil {
			hook, ok := w.registry.Get(d.WebhookID)
			if !ok {
				w.logger.Warn("webhook delivery dropped", "delivery", d.ID, "webhook", d.WebhookID, "err", ErrWebhookRemoved)
				if _, err := w.outbox.MarkStatus(ctx, d.ID, domain.DeliveryFailed, ErrWebhookRemoved.Error()); err != nil {
					return delivered, fmt.Errorf("mark delivery %s: %w", d.ID, err)
				}
				continue
			}
			secret = hook.Secret
		}
		status, errMsg := domain.DeliveryDelivered, ""
		if err := w.post(ctx, d, secret); err != nil {
			status, errMsg = domain.DeliveryFailed, err.Error()
			w.logger.Warn("webhook delivery failed", "delivery", d.ID, "url", d.URL, "topic", d.Topic, "err", err)
		} else {
			delivered++
		}
		if _, err := w.outbox.MarkStatus(ctx, d.ID, status, errMsg); err != nil {
			return delivered, fmt.Errorf("mark delivery %s: %w", d.ID, err)
		}
	}
	return delivered, nil
}

func (w *Worker) post(ctx context.Context, d domain.Delivery, secret string) error {
	body, err := json.Marshal(domain.Event{Topic: d.Topic, Payload: d.Payload, Timestamp: d.Timestamp})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-DME-Event", d.Topic)
	req.Header.Set("X-DME-Delivery", d.ID)
	if secret = strings.TrimSpace(secret); secret != "" {
		req.Header.Set(w.header, Sign(secret, body))
	}
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	return nil
}
