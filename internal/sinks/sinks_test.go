package sinks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/segmentio/kafka-go"

	"dmecoord/internal/domain"
	"dmecoord/internal/events"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

type doneToken struct {
	mqtt.Token
	err error
}

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (t doneToken) Error() error { return t.err }

type fakePublisher struct {
	topics []string
	err    error
}

func (f *fakePublisher) Publish(topic string, _ byte, _ bool, _ interface{}) mqtt.Token {
	f.topics = append(f.topics, topic)
	return doneToken{err: f.err}
}

func (f *fakePublisher) Disconnect(uint) {}

type fakePoints struct {
	points []*write.Point
}

func (f *fakePoints) WritePoint(_ context.Context, p ...*write.Point) error {
	f.points = append(f.points, p...)
	return nil
}

func TestKafkaSinkKeysByOrder(t *testing.T) {
	w := &fakeWriter{}
	s := newKafkaSinkWith(w)
	ctx := context.Background()
	_ = s.Send(ctx, domain.Event{Topic: "order.created", Payload: map[string]any{"order_id": "ORD-1"}})
	_ = s.Send(ctx, domain.Event{Topic: "compliance.alert", Payload: map[string]any{}})
	if len(w.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "ORD-1" || string(w.msgs[1].Key) != "compliance.alert" {
		t.Fatalf("unexpected keys %q %q", w.msgs[0].Key, w.msgs[1].Key)
	}
	if h := w.msgs[0].Headers[0]; h.Key != "topic" || string(h.Value) != "order.created" {
		t.Fatalf("unexpected header %+v", h)
	}
	_ = s.Close()
	if !w.closed {
		t.Fatalf("writer not closed")
	}
}

func TestMQTTSinkTopicMapping(t *testing.T) {
	pub := &fakePublisher{}
	s := newMQTTSinkWith(pub, "/dmecoord/", 1)
	if err := s.Send(context.Background(), domain.Event{Topic: "task.created"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if pub.topics[0] != "dmecoord/task/created" {
		t.Fatalf("unexpected mqtt topic %q", pub.topics[0])
	}
	pub.err = errors.New("not connected")
	if err := s.Send(context.Background(), domain.Event{Topic: "task.closed"}); err == nil {
		t.Fatalf("expected publish error")
	}
}

func TestInfluxSinkScorePoints(t *testing.T) {
	w := &fakePoints{}
	s := newInfluxSinkWith(w)
	evt := domain.Event{
		Topic:     "sla.updated",
		Timestamp: "2024-01-01T00:00:00.000000Z",
		Payload: map[string]any{
			"order_id":      "ORD-1",
			"volume_tier":   "bronze",
			"total_credits": 470.0,
			"metrics": []any{
				map[string]any{"metric": "delivery_time_hours", "passed": false, "threshold": 72.0},
				map[string]any{"metric": "compliance_lapses", "passed": true, "observed": 0.0, "threshold": 0.0},
			},
		},
	}
	if err := s.Send(context.Background(), evt); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(w.points) != 3 {
		t.Fatalf("expected 2 metric points and a score point, got %d", len(w.points))
	}
	score := w.points[2]
	if score.Name() != "sla_score" {
		t.Fatalf("unexpected measurement %q", score.Name())
	}
	fields := map[string]interface{}{}
	for _, f := range score.FieldList() {
		fields[f.Key] = f.Value
	}
	if fields["passed"] != int64(1) || fields["total"] != int64(2) || fields["total_credits"] != 470.0 {
		t.Fatalf("unexpected fields %v", fields)
	}

	w.points = nil
	_ = s.Send(context.Background(), domain.Event{Topic: "task.created", Timestamp: evt.Timestamp})
	if len(w.points) != 1 || w.points[0].Name() != "dme_event" {
		t.Fatalf("expected one counter point, got %+v", w.points)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	topics []string
	fail   bool
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Send(_ context.Context, evt domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, evt.Topic)
	if r.fail {
		return errors.New("boom")
	}
	return nil
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}

func TestForwarderMirrorsMatchingEvents(t *testing.T) {
	log, err := events.Open(events.Options{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer log.Close()
	sink := &recordingSink{}
	f := NewForwarder(log, []Sink{sink}, ForwarderOptions{Patterns: []string{"order.*"}})
	f.Start(context.Background())

	ctx := context.Background()
	_, _ = log.Publish(ctx, "order.created", map[string]any{"order_id": "ORD-1"})
	_, _ = log.Publish(ctx, "task.created", nil)
	_, _ = log.Publish(ctx, "order.approved", map[string]any{"order_id": "ORD-1"})

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := f.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if sink.count() != 2 || sink.topics[0] != "order.created" || sink.topics[1] != "order.approved" {
		t.Fatalf("unexpected forwarded topics %v", sink.topics)
	}
	stats, dropped := f.Stats()
	if stats["recording"].Sent != 2 || dropped != 0 {
		t.Fatalf("unexpected stats %+v dropped=%d", stats, dropped)
	}
}
