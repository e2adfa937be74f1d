package webhooks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"dmecoord/internal/domain"
	"dmecoord/internal/repo"
)

// ErrNotRetryable is returned when retrying a delivery that has not failed.
var ErrNotRetryable = errors.New("delivery is not in failed state")

// Outbox persists one delivery record per (subscription, event) match.
type Outbox struct {
	repo repo.Repo
	now  func() time.Time
	mu   sync.Mutex
}

func NewOutbox(r repo.Repo, now func() time.Time) *Outbox {
	if now == nil {
		now = time.Now
	}
	return &Outbox{repo: r, now: now}
}

// Enqueue records a pending delivery of evt to hook.
func (o *Outbox) Enqueue(ctx context.Context, hook domain.Webhook, evt domain.Event) (domain.Delivery, error) {
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	d := domain.Delivery{
		ID:        shortID("DL-"),
		WebhookID: hook.ID,
		URL:       hook.URL,
		Topic:     evt.Topic,
		Payload:   payload,
		Timestamp: evt.Timestamp,
		QueuedAt:  domain.FormatTime(o.now()),
		Status:    domain.DeliveryPending,
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.repo.InsertDelivery(ctx, d); err != nil {
		return domain.Delivery{}, fmt.Errorf("enqueue delivery: %w", err)
	}
	return d, nil
}

// ListRecent returns the last limit records in queue order. status filters
// by a comma separated list.
func (o *Outbox) ListRecent(ctx context.Context, limit int, status string) ([]domain.Delivery, error) {
	var statuses []string
	for _, s := range strings.Split(status, ",") {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			statuses = append(statuses, s)
		}
	}
	return o.repo.ListDeliveries(ctx, repo.DeliveryFilters{Statuses: statuses, Limit: limit})
}

func (o *Outbox) Pending(ctx context.Context) ([]domain.Delivery, error) {
	return o.repo.ListDeliveries(ctx, repo.DeliveryFilters{Statuses: []string{domain.DeliveryPending}})
}

func validDeliveryStatus(status string) bool {
	switch status {
	case domain.DeliveryPending, domain.DeliveryDelivered, domain.DeliveryFailed:
		return true
	}
	return false
}

// MarkStatus records one delivery attempt. attempts always increments;
// delivered stamps delivered_at and clears the error.
func (o *Outbox) MarkStatus(ctx context.Context, id, status, errMsg string) (domain.Delivery, error) {
	if !validDeliveryStatus(status) {
		return domain.Delivery{}, domain.Invalid("status", "unsupported delivery status %q", status)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	d, err := o.repo.GetDelivery(ctx, nil, id)
	if err != nil {
		return domain.Delivery{}, err
	}
	now := domain.FormatTime(o.now())
	d.Status = status
	d.UpdatedAt = &now
	d.Attempts++
	switch {
	case status == domain.DeliveryDelivered:
		d.DeliveredAt = &now
		d.Error = nil
	case errMsg != "":
		msg := errMsg
		d.Error = &msg
	}
	if err := o.repo.UpdateDelivery(ctx, nil, d); err != nil {
		return domain.Delivery{}, err
	}
	return d, nil
}

// Retry puts a failed delivery back in the pending queue. Attempts and the
// last error are kept as history.
func (o *Outbox) Retry(ctx context.Context, id string) (domain.Delivery, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, err := o.repo.GetDelivery(ctx, nil, id)
	if err != nil {
		return domain.Delivery{}, err
	}
	if d.Status != domain.DeliveryFailed {
		return domain.Delivery{}, fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, d.Status)
	}
	now := domain.FormatTime(o.now())
	d.Status = domain.DeliveryPending
	d.UpdatedAt = &now
	if err := o.repo.UpdateDelivery(ctx, nil, d); err != nil {
		return domain.Delivery{}, err
	}
	return d, nil
}
