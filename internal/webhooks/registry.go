package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dmecoord/internal/domain"
	"dmecoord/internal/events"
	"dmecoord/internal/repo"
)

// ErrNoTopics rejects subscriptions without any topic pattern.
var ErrNoTopics = &domain.ValidationError{Field: "topics", Message: "at least one topic must be provided"}

func shortID(prefix string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// Registry holds webhook subscriptions in memory with write-through to
// the database, so Match never touches disk.
type Registry struct {
	repo repo.Repo
	now  func() time.Time

	mu    sync.RWMutex
	hooks []domain.Webhook
}

// NewRegistry loads the persisted subscriptions.
func NewRegistry(ctx context.Context, r repo.Repo, now func() time.Time) (*Registry, error) {
	if now == nil {
		now = time.Now
	}
	hooks, err := r.ListWebhooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load webhooks: %w", err)
	}
	return &Registry{repo: r, now: now, hooks: hooks}, nil
}

func (r *Registry) List() []domain.Webhook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Webhook, len(r.hooks))
	copy(out, r.hooks)
	return out
}

type AddInput struct {
	URL         string
	Topics      []string
	Secret      string
	Description string
}

func (r *Registry) Add(ctx context.Context, in AddInput) (domain.Webhook, error) {
	var topics []string
	for _, t := range in.Topics {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		return domain.Webhook{}, ErrNoTopics
	}
	target := strings.TrimSpace(in.URL)
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.Webhook{}, domain.Invalid("url", "must be an absolute http(s) URL")
	}
	hook := domain.Webhook{
		ID:          shortID("WH-"),
		URL:         target,
		Topics:      topics,
		Secret:      in.Secret,
		Description: in.Description,
		CreatedAt:   domain.FormatTime(r.now()),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.repo.InsertWebhook(ctx, hook); err != nil {
		return domain.Webhook{}, fmt.Errorf("insert webhook: %w", err)
	}
	r.hooks = append(r.hooks, hook)
	return hook, nil
}

// Remove deletes a subscription. Delivery records that reference it stay.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.repo.DeleteWebhook(ctx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return fmt.Errorf("delete webhook: %w", err)
	}
	for i, h := range r.hooks {
		if h.ID == id {
			r.hooks = append(r.hooks[:i:i], r.hooks[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns the live subscription with id.
func (r *Registry) Get(id string) (domain.Webhook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.hooks {
		if h.ID == id {
			return h, true
		}
	}
	return domain.Webhook{}, false
}

// Match returns every subscription with a pattern matching topic.
func (r *Registry) Match(topic string) []domain.Webhook {
	topic = strings.TrimSpace(topic)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Webhook
	for _, h := range r.hooks {
		for _, p := range h.Topics {
			if events.Match(strings.TrimSpace(p), topic) {
				out = append(out, h)
				break
			}
		}
	}
	return out
}
