package sinks

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"dmecoord/internal/domain"
)

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink records SLA scores as time series. Every other topic becomes
// a counter point tagged by topic.
type InfluxSink struct {
	w     pointWriter
	close func()
}

func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{w: client.WriteAPIBlocking(org, bucket), close: client.Close}
}

func newInfluxSinkWith(w pointWriter) *InfluxSink {
	return &InfluxSink{w: w}
}

func (s *InfluxSink) Name() string { return "influx" }

func eventTime(evt domain.Event) time.Time {
	if t, err := domain.ParseTime(evt.Timestamp); err == nil {
		return t
	}
	return time.Now().UTC()
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

func (s *InfluxSink) points(evt domain.Event) []*write.Point {
	at := eventTime(evt)
	if evt.Topic != "sla.updated" {
		tags := map[string]string{"topic": evt.Topic}
		if id := evt.OrderID(); id != "" {
			tags["order_id"] = id
		}
		return []*write.Point{write.NewPoint("dme_event", tags, map[string]interface{}{"count": 1}, at)}
	}

	orderID := evt.OrderID()
	tier := domain.PayloadString(evt.Payload, "volume_tier")
	fields := map[string]interface{}{}
	if v, ok := number(evt.Payload["total_credits"]); ok {
		fields["total_credits"] = v
	}
	metrics, _ := evt.Payload["metrics"].([]any)
	passed := 0
	out := make([]*write.Point, 0, len(metrics)+1)
	for _, raw := range metrics {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		pass, _ := m["passed"].(bool)
		if pass {
			passed++
		}
		mf := map[string]interface{}{"passed": pass}
		if v, has := number(m["observed"]); has {
			mf["observed"] = v
		}
		if v, has := number(m["threshold"]); has {
			mf["threshold"] = v
		}
		out = append(out, write.NewPoint("sla_metric", map[string]string{
			"order_id": orderID,
			"metric":   domain.PayloadString(m, "metric"),
		}, mf, at))
	}
	fields["passed"] = passed
	fields["total"] = len(metrics)
	out = append(out, write.NewPoint("sla_score", map[string]string{
		"order_id":    orderID,
		"volume_tier": tier,
	}, fields, at))
	return out
}

func (s *InfluxSink) Send(ctx context.Context, evt domain.Event) error {
	if err := s.w.WritePoint(ctx, s.points(evt)...); err != nil {
		return fmt.Errorf("influx write %s: %w", evt.Topic, err)
	}
	return nil
}

func (s *InfluxSink) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
