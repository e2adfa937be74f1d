package sla_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dmecoord/internal/db"
	"dmecoord/internal/domain"
	"dmecoord/internal/events"
	"dmecoord/internal/migrate"
	"dmecoord/internal/repo"
	"dmecoord/internal/sla"
	"dmecoord/internal/tasks"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type serviceEnv struct {
	log   *events.Log
	store *tasks.Store
	svc   *sla.Service
	clock *manualClock
}

func newServiceEnv(t *testing.T, manual bool) serviceEnv {
	t.Helper()
	dir := t.TempDir()
	clock := &manualClock{now: t0}
	conn, err := db.Open(db.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log, err := events.Open(events.Options{DataDir: dir, Now: clock.Now})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	store := tasks.NewStore(repo.Repo{DB: conn}, clock.Now)
	svc := sla.NewService(sla.ServiceOptions{DataDir: dir, Log: log, Tasks: store, Now: clock.Now, Manual: manual})
	t.Cleanup(svc.Close)
	return serviceEnv{log: log, store: store, svc: svc, clock: clock}
}

func (e serviceEnv) publish(t *testing.T, topic string, at time.Time) {
	t.Helper()
	e.clock.Set(at)
	if _, err := e.log.Publish(context.Background(), topic, map[string]any{"order_id": "ORD-1"}); err != nil {
		t.Fatalf("publish %s: %v", topic, err)
	}
}

func TestServiceBreachToRecoveryCycle(t *testing.T) {
	env := newServiceEnv(t, false)
	ctx := context.Background()

	env.publish(t, "order.created", t0)
	env.publish(t, "order.approved", t0)

	open, err := env.store.List(ctx, tasks.ListFilter{SLABreach: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 3 {
		t.Fatalf("expected 3 breach tasks (delivery, dso, audit), got %d", len(open))
	}
	updates, _ := env.log.Replay(events.ReplayFilter{Topics: []string{sla.TopicUpdated}})
	if len(updates) != 2 {
		t.Fatalf("expected one sla.updated per order event, got %d", len(updates))
	}

	env.publish(t, "shipment.delivered", t0.Add(50*time.Hour))
	env.publish(t, "claim.paid", t0.Add(60*time.Hour))
	env.publish(t, "audit.vaulted", t0.Add(60*time.Hour))
	env.publish(t, "order.status", t0.Add(60*time.Hour))

	score, err := env.svc.Score(ctx, "ORD-1", false)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if len(score.Breaches) != 0 || score.VolumeTier != "platinum" {
		t.Fatalf("expected a clean score, got %+v", score.Breaches)
	}
	open, _ = env.store.List(ctx, tasks.ListFilter{SLABreach: true})
	if len(open) != 0 {
		t.Fatalf("expected all breach tasks closed, got %d open", len(open))
	}
	closed, _ := env.store.List(ctx, tasks.ListFilter{TaskType: domain.TaskTypeSLABreach, Status: "closed"})
	if len(closed) < 3 {
		t.Fatalf("expected closed breach tasks, got %d", len(closed))
	}
}

func TestServiceManualScoreHasNoSideEffects(t *testing.T) {
	env := newServiceEnv(t, true)
	ctx := context.Background()

	if _, err := env.svc.Score(ctx, "ORD-404", false); !errors.Is(err, sla.ErrNoEvents) {
		t.Fatalf("expected ErrNoEvents, got %v", err)
	}

	env.publish(t, "order.created", t0)
	score, err := env.svc.Score(ctx, "ORD-1", false)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if len(score.Breaches) == 0 {
		t.Fatalf("expected breaches for a fresh order")
	}
	open, _ := env.store.List(ctx, tasks.ListFilter{SLABreach: true})
	updates, _ := env.log.Replay(events.ReplayFilter{Topics: []string{sla.TopicUpdated}})
	if len(open) != 0 || len(updates) != 0 {
		t.Fatalf("score without emit must not publish or open tasks")
	}

	if _, err := env.svc.Score(ctx, "ORD-1", true); err != nil {
		t.Fatalf("score emit: %v", err)
	}
	open, _ = env.store.List(ctx, tasks.ListFilter{SLABreach: true})
	if len(open) != len(score.Breaches) {
		t.Fatalf("expected %d breach tasks, got %d", len(score.Breaches), len(open))
	}

	memos, _, err := env.svc.Credits(ctx, "ORD-1")
	if err != nil {
		t.Fatalf("credits: %v", err)
	}
	if len(memos) != len(score.Breaches) {
		t.Fatalf("expected one memo per breach")
	}
}

func TestServiceIgnoresSLATopicsAndOrderlessEvents(t *testing.T) {
	env := newServiceEnv(t, false)
	ctx := context.Background()
	if _, err := env.log.Publish(ctx, "inventory.forecast", map[string]any{"sku": "S1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := env.log.Publish(ctx, "sla.manual", map[string]any{"order_id": "ORD-9"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	updates, _ := env.log.Replay(events.ReplayFilter{Topics: []string{sla.TopicUpdated}})
	if len(updates) != 0 {
		t.Fatalf("expected no sla.updated events, got %d", len(updates))
	}
	if env.log.SubscriberFailures() != 0 {
		t.Fatalf("unexpected subscriber failures")
	}
}

func TestServiceReloadPicksUpPolicy(t *testing.T) {
	env := newServiceEnv(t, true)
	if got := env.svc.Policy(); got.Version != sla.DefaultPolicyVersion {
		t.Fatalf("unexpected initial policy %s", got.Version)
	}
	p := env.svc.Reload()
	if p.Version != sla.DefaultPolicyVersion || len(p.Specs) != 6 {
		t.Fatalf("reload without a file must keep defaults: %+v", p)
	}
}
