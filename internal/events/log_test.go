package events_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"dmecoord/internal/domain"
	"dmecoord/internal/events"
)

type stepClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

func newTestLog(t *testing.T) (*events.Log, string) {
	t.Helper()
	dir := t.TempDir()
	clock := &stepClock{cur: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	log, err := events.Open(events.Options{DataDir: dir, Now: clock.Now})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	return log, dir
}

func TestPublishPersistsAndNotifies(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	var exact, wildcard, glob, other int
	log.Subscribe("order.created", func(context.Context, domain.Event) error { exact++; return nil })
	log.Subscribe("*", func(context.Context, domain.Event) error { wildcard++; return nil })
	log.Subscribe("order.*", func(context.Context, domain.Event) error { glob++; return nil })
	log.Subscribe("task.*", func(context.Context, domain.Event) error { other++; return nil })

	evt, err := log.Publish(ctx, "order.created", map[string]any{"order_id": "A"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if evt.Timestamp != "2024-01-01T00:00:01.000000Z" {
		t.Fatalf("unexpected timestamp %q", evt.Timestamp)
	}
	if exact != 1 || wildcard != 1 || glob != 1 || other != 0 {
		t.Fatalf("unexpected notifications exact=%d wildcard=%d glob=%d other=%d", exact, wildcard, glob, other)
	}

	recent, err := log.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].Topic != "order.created" || recent[0].OrderID() != "A" {
		t.Fatalf("unexpected recent events: %+v", recent)
	}
}

func TestFailingSubscribersAreIsolated(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	var delivered int
	log.Subscribe("*", func(context.Context, domain.Event) error { return errors.New("boom") })
	log.Subscribe("*", func(context.Context, domain.Event) error { panic("bad subscriber") })
	log.Subscribe("*", func(context.Context, domain.Event) error { delivered++; return nil })

	if _, err := log.Publish(ctx, "order.created", nil); err != nil {
		t.Fatalf("publish should not fail on subscriber errors: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("expected healthy subscriber to run, got %d", delivered)
	}
	if got := log.SubscriberFailures(); got != 2 {
		t.Fatalf("expected 2 counted failures, got %d", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()
	var calls int
	id := log.Subscribe("order.created", func(context.Context, domain.Event) error { calls++; return nil })
	_, _ = log.Publish(ctx, "order.created", nil)
	log.Unsubscribe(id)
	log.Unsubscribe(id)
	_, _ = log.Publish(ctx, "order.created", nil)
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestSubscriberMayPublish(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()
	log.Subscribe("order.created", func(ctx context.Context, evt domain.Event) error {
		_, err := log.Publish(ctx, "sla.updated", map[string]any{"order_id": evt.OrderID()})
		return err
	})
	if _, err := log.Publish(ctx, "order.created", map[string]any{"order_id": "A"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := log.ForOrder("A")
	if err != nil {
		t.Fatalf("for order: %v", err)
	}
	if len(got) != 2 || got[0].Topic != "order.created" || got[1].Topic != "sla.updated" {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestForOrderFiltersAndSorts(t *testing.T) {
	log, dir := newTestLog(t)
	ctx := context.Background()
	for i, oid := range []string{"A", "B", "A", "C", "A"} {
		if _, err := log.Publish(ctx, "order.step", map[string]any{"order_id": oid, "step": i}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	// An out-of-order line appended by hand still sorts by timestamp.
	f, err := os.OpenFile(dir+"/"+events.FileName, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = f.WriteString(`{"topic":"order.early","payload":{"order_id":"A"},"timestamp":"2023-12-31T00:00:00.000000Z"}` + "\n")
	_ = f.Close()

	got, err := log.ForOrder("A")
	if err != nil {
		t.Fatalf("for order: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 events, got %d", len(got))
	}
	if got[0].Topic != "order.early" {
		t.Fatalf("expected earliest event first, got %s", got[0].Topic)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp < got[i-1].Timestamp {
			t.Fatalf("events not sorted: %+v", got)
		}
		if got[i].OrderID() != "A" {
			t.Fatalf("foreign event returned: %+v", got[i])
		}
	}
}

func TestReplaySkipsMalformedLinesAndFilters(t *testing.T) {
	log, dir := newTestLog(t)
	ctx := context.Background()
	_, _ = log.Publish(ctx, "order.created", map[string]any{"order_id": "A"})
	f, err := os.OpenFile(dir+"/"+events.FileName, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = f.WriteString("{not json\n\n")
	_ = f.Close()
	_, _ = log.Publish(ctx, "task.created", map[string]any{"order_id": "A"})
	_, _ = log.Publish(ctx, "order.approved", map[string]any{"order_id": "B"})

	all, err := log.Replay(events.ReplayFilter{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 well-formed events, got %d", len(all))
	}

	orders, _ := log.Replay(events.ReplayFilter{Topics: []string{"order.*"}})
	if len(orders) != 2 {
		t.Fatalf("expected 2 order events, got %d", len(orders))
	}

	since := time.Date(2024, 1, 1, 0, 0, 2, 0, time.UTC)
	until := time.Date(2024, 1, 1, 0, 0, 3, 0, time.UTC)
	window, _ := log.Replay(events.ReplayFilter{Since: &since, Until: &until})
	if len(window) != 2 || window[0].Topic != "task.created" || window[1].Topic != "order.approved" {
		t.Fatalf("unexpected window: %+v", window)
	}

	scoped, _ := log.Replay(events.ReplayFilter{OrderID: "A", Topics: []string{"task.created"}})
	if len(scoped) != 1 {
		t.Fatalf("expected 1 scoped event, got %d", len(scoped))
	}
}

func TestPublishRejectsEmptyTopicAndPropagatesWriteFailure(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()
	_, err := log.Publish(ctx, "  ", nil)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}

	var notified bool
	log.Subscribe("*", func(context.Context, domain.Event) error { notified = true; return nil })
	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := log.Publish(ctx, "order.created", nil); err == nil {
		t.Fatalf("expected write failure after close")
	}
	if notified {
		t.Fatalf("subscribers must not run when the append failed")
	}
}

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"*", "anything.here", true},
		{"order.created", "order.created", true},
		{"order.created", "order.approved", false},
		{"order.*", "order.approved", true},
		{"Order.*", "order.approved", false},
		{"audit.?eady", "audit.ready", true},
		{"task.[uc]*", "task.closed", true},
		{"[", "[", true},
		{"[bad", "x", false},
		{"task.[^u]*", "task.closed", true},
		{"task.[^u]*", "task.updated", false},
		{"order.*", "order.created.v2", true},
		{"order.*", "order.created/v2", false},
	}
	for _, tc := range cases {
		if got := events.Match(tc.pattern, tc.topic); got != tc.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tc.pattern, tc.topic, got, tc.want)
		}
	}
}

func TestQueueDropsOldest(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()
	q, cancel := log.SubscribeQueue([]string{"order.*", "order.created"}, 2)
	defer cancel()

	for _, topic := range []string{"order.created", "order.approved", "order.lapsed"} {
		if _, err := log.Publish(ctx, topic, nil); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if q.Dropped() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", q.Dropped())
	}
	var got []string
	for len(got) < 2 {
		select {
		case evt := <-q.C():
			got = append(got, evt.Topic)
		case <-time.After(time.Second):
			t.Fatalf("queue drained early: %v", got)
		}
	}
	if strings.Join(got, ",") != "order.approved,order.lapsed" {
		t.Fatalf("unexpected queue contents: %v", got)
	}

	cancel()
	cancel()
	_, _ = log.Publish(ctx, "order.created", nil)
	select {
	case evt := <-q.C():
		t.Fatalf("queue received event after cancel: %+v", evt)
	default:
	}
}

func TestParseBound(t *testing.T) {
	got, err := events.ParseBound("since", "")
	if err != nil || got != nil {
		t.Fatalf("empty bound: got %v, %v", got, err)
	}
	got, err = events.ParseBound("since", "2024-03-01")
	if err != nil {
		t.Fatalf("date bound: %v", err)
	}
	if !got.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected bound %v", got)
	}
	if _, err := events.ParseBound("until", "yesterday"); !errors.Is(err, events.ErrInvalidTime) {
		t.Fatalf("expected ErrInvalidTime, got %v", err)
	}
}
