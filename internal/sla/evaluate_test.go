package sla_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"dmecoord/internal/domain"
	"dmecoord/internal/sla"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func evt(topic string, at time.Time, payload map[string]any) domain.Event {
	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload["order_id"]; !ok {
		payload["order_id"] = "ORD-1"
	}
	return domain.Event{Topic: topic, Payload: payload, Timestamp: domain.FormatTime(at)}
}

func metric(t *testing.T, score sla.Score, name string) sla.MetricScore {
	t.Helper()
	for _, m := range score.Metrics {
		if m.Metric == name {
			return m
		}
	}
	t.Fatalf("metric %s missing from score", name)
	return sla.MetricScore{}
}

func TestEvaluateMissingDeliveryThenRecovery(t *testing.T) {
	base := []domain.Event{
		evt("order.created", t0, nil),
		evt("order.approved", t0, nil),
	}
	score, err := sla.Evaluate(base, nil, "", t0.Add(100*time.Hour))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	delivery := metric(t, score, sla.MetricDeliveryHours)
	if delivery.Passed || delivery.Observed != nil {
		t.Fatalf("expected failing delivery with no observation, got %+v", delivery)
	}
	if delivery.Notes == nil || *delivery.Notes != "Missing delivery confirmation event." {
		t.Fatalf("unexpected notes %v", delivery.Notes)
	}
	if score.TotalCredits < 150 {
		t.Fatalf("expected at least 150 credits, got %.2f", score.TotalCredits)
	}

	withDelivery := append(base, evt("shipment.delivered", t0.Add(50*time.Hour), nil))
	score, err = sla.Evaluate(withDelivery, nil, "", t0.Add(100*time.Hour))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	delivery = metric(t, score, sla.MetricDeliveryHours)
	if !delivery.Passed || delivery.Observed == nil || *delivery.Observed != 50 {
		t.Fatalf("expected 50h passing delivery, got %+v", delivery)
	}
	if delivery.Notes == nil || *delivery.Notes != "Volume bonus eligible: 5.00" {
		t.Fatalf("expected bonus note, got %v", delivery.Notes)
	}
}

func TestEvaluateFreshOrderScenario(t *testing.T) {
	events := []domain.Event{
		evt("order.created", t0, nil),
		evt("order.approved", t0.Add(5*time.Minute), nil),
	}
	score, err := sla.Evaluate(events, nil, "", t0.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(score.Metrics) != 6 {
		t.Fatalf("expected 6 metrics, got %d", len(score.Metrics))
	}
	for _, name := range []string{sla.MetricAuditReadiness, sla.MetricDSODays, sla.MetricDeliveryHours} {
		if metric(t, score, name).Passed {
			t.Fatalf("expected %s to fail", name)
		}
	}
	for _, name := range []string{sla.MetricFirstPass, sla.MetricComplianceLapses, sla.MetricStatusLatency} {
		if !metric(t, score, name).Passed {
			t.Fatalf("expected %s to pass", name)
		}
	}
	if score.VolumeTier != "bronze" {
		t.Fatalf("expected bronze tier, got %s", score.VolumeTier)
	}
	if score.TotalCredits != 470 {
		t.Fatalf("expected 470 credits, got %.2f", score.TotalCredits)
	}
	if len(score.Breaches) != 3 || score.Breaches[0].OccurredAt != score.EvaluatedAt {
		t.Fatalf("unexpected breaches: %+v", score.Breaches)
	}
	if score.OrderID != "ORD-1" || score.PolicyVersion != sla.DefaultPolicyVersion {
		t.Fatalf("unexpected score header: %+v", score)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	events := []domain.Event{
		evt("order.created", t0, nil),
		evt("shipment.delivered", t0.Add(80*time.Hour), nil),
		evt("claim.paid", t0.Add(30*24*time.Hour), nil),
	}
	at := t0.Add(40 * 24 * time.Hour)
	a, err := sla.Evaluate(events, nil, "", at)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	b, _ := sla.Evaluate(events, nil, "", at)
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	if string(ja) != string(jb) {
		t.Fatalf("scores differ:\n%s\n%s", ja, jb)
	}
	dso := metric(t, a, sla.MetricDSODays)
	if dso.Observed == nil || *dso.Observed != 26.67 || !dso.Passed {
		t.Fatalf("unexpected dso: %+v", dso)
	}
	if metric(t, a, sla.MetricDeliveryHours).Passed {
		t.Fatalf("80h delivery must breach 72h")
	}
}

func TestEvaluateFirstPassSignals(t *testing.T) {
	explicit := []domain.Event{
		evt("order.first_pass", t0, map[string]any{"success": false}),
		evt("task.created", t0, map[string]any{"task_type": "compliance_review"}),
	}
	score, _ := sla.Evaluate(explicit, nil, "", t0)
	if fp := metric(t, score, sla.MetricFirstPass); fp.Passed || *fp.Observed != 0 {
		t.Fatalf("explicit failure must score 0: %+v", fp)
	}

	success := []domain.Event{
		evt("order.first_pass", t0, map[string]any{}),
		evt("task.created", t0, map[string]any{"task_type": "rework"}),
	}
	score, _ = sla.Evaluate(success, nil, "", t0)
	if fp := metric(t, score, sla.MetricFirstPass); !fp.Passed || *fp.Observed != 1 {
		t.Fatalf("explicit first_pass event wins over tasks: %+v", fp)
	}

	rework := []domain.Event{evt("task.created", t0, map[string]any{"task_type": "sla_breach"})}
	score, _ = sla.Evaluate(rework, nil, "", t0)
	if fp := metric(t, score, sla.MetricFirstPass); fp.Passed {
		t.Fatalf("rework task must fail first pass: %+v", fp)
	}
}

func TestEvaluateLapsesAuditAndLatency(t *testing.T) {
	events := []domain.Event{
		evt("order.created", t0, nil),
		evt("Compliance.Lapsed", t0.Add(time.Hour), nil),
		evt("audit.vaulted", t0.Add(2*time.Hour), nil),
		evt("order.status", t0.Add(3*time.Hour), nil),
		evt("claim.note", t0.Add(5*time.Hour), nil),
	}
	score, _ := sla.Evaluate(events, nil, "", t0.Add(4*time.Hour+30*time.Minute))
	if m := metric(t, score, sla.MetricComplianceLapses); m.Passed || *m.Observed != 1 {
		t.Fatalf("expected lapse, got %+v", m)
	}
	if m := metric(t, score, sla.MetricAuditReadiness); !m.Passed {
		t.Fatalf("expected audit ready, got %+v", m)
	}
	latency := metric(t, score, sla.MetricStatusLatency)
	if latency.Passed || *latency.Observed != 1.5 {
		t.Fatalf("expected 1.5h latency from last status event, got %+v", latency)
	}
}

func TestEvaluateUnknownMetricAndErrors(t *testing.T) {
	if _, err := sla.Evaluate(nil, nil, "", t0); !errors.Is(err, sla.ErrNoEvents) {
		t.Fatalf("expected ErrNoEvents, got %v", err)
	}
	specs := []sla.Spec{{Name: "Custom", Metric: "nps", Threshold: 9, Window: "survey"}}
	events := []domain.Event{{Topic: "survey.done", Payload: map[string]any{}, Timestamp: domain.FormatTime(t0)}}
	score, err := sla.Evaluate(events, specs, "custom-1", t0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	m := score.Metrics[0]
	if !m.Passed || m.Observed != nil || m.Notes == nil || !strings.Contains(*m.Notes, "missing handler") {
		t.Fatalf("unknown metrics pass with a note: %+v", m)
	}
	if score.OrderID != "UNKNOWN" || score.VolumeTier != "platinum" || score.PolicyVersion != "custom-1" {
		t.Fatalf("unexpected score: %+v", score)
	}
}

func TestVolumeTier(t *testing.T) {
	cases := []struct {
		passed, total int
		want          string
	}{
		{0, 0, "unknown"},
		{6, 6, "platinum"},
		{9, 10, "gold"},
		{3, 4, "silver"},
		{3, 6, "bronze"},
		{2, 6, "standard"},
	}
	for _, tc := range cases {
		if got := sla.VolumeTier(tc.passed, tc.total); got != tc.want {
			t.Errorf("VolumeTier(%d, %d) = %s, want %s", tc.passed, tc.total, got, tc.want)
		}
	}
}

func TestCreditMemo(t *testing.T) {
	details := "Missing payment event to calculate DSO."
	memo := sla.Credit(sla.Breach{OrderID: "ORD-1", SpecName: "DSO", Metric: "dso_days", Credits: 200, OccurredAt: "2024-01-01T00:00:00.000000Z", Details: &details})
	if memo.Amount != 200 || memo.Currency != "USD" || memo.Reason != details || memo.IssuedAt != "2024-01-01T00:00:00.000000Z" {
		t.Fatalf("unexpected memo: %+v", memo)
	}
	memo = sla.Credit(sla.Breach{Metric: "audit_readiness"})
	if memo.Reason != "SLA breach on metric audit_readiness" {
		t.Fatalf("unexpected default reason %q", memo.Reason)
	}
}
