package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"dmecoord/internal/domain"
	"dmecoord/internal/events"
)

// Dispatcher turns published events into outbox records.
type Dispatcher struct {
	Registry *Registry
	Outbox   *Outbox
	Logger   *slog.Logger
}

// Attach subscribes the dispatcher to every topic on log.
func (d *Dispatcher) Attach(log *events.Log) events.SubscriptionID {
	return log.Subscribe("*", d.Handle)
}

// Handle enqueues one delivery per matching subscription.
func (d *Dispatcher) Handle(ctx context.Context, evt domain.Event) error {
	if evt.Topic == "" {
		return nil
	}
	var errs []error
	for _, hook := range d.Registry.Match(evt.Topic) {
		if _, err := d.Outbox.Enqueue(ctx, hook, evt); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", hook.ID, err))
		}
	}
	if len(errs) > 0 && d.Logger != nil {
		d.Logger.Warn("webhook enqueue failed", "topic", evt.Topic, "failures", len(errs))
	}
	return errors.Join(errs...)
}
