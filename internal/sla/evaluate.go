package sla

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"dmecoord/internal/domain"
)

// Metrics with built-in extractors.
const (
	MetricDeliveryHours    = "delivery_time_hours"
	MetricFirstPass        = "first_pass_ratio"
	MetricComplianceLapses = "compliance_lapses"
	MetricDSODays          = "dso_days"
	MetricAuditReadiness   = "audit_readiness"
	MetricStatusLatency    = "status_latency_hours"
)

// ErrNoEvents is returned when there is no timeline to score.
var ErrNoEvents = errors.New("no order events to evaluate")

type MetricScore struct {
	SpecName  string   `json:"spec_name"`
	Metric    string   `json:"metric"`
	Passed    bool     `json:"passed"`
	Observed  *float64 `json:"observed"`
	Threshold float64  `json:"threshold"`
	Window    string   `json:"window"`
	Credits   float64  `json:"credits"`
	Notes     *string  `json:"notes"`
}

type Breach struct {
	SpecName   string   `json:"spec_name"`
	Metric     string   `json:"metric"`
	OrderID    string   `json:"order_id"`
	Observed   *float64 `json:"observed"`
	Threshold  float64  `json:"threshold"`
	OccurredAt string   `json:"occurred_at" format:"date-time"`
	Credits    float64  `json:"credits"`
	Details    *string  `json:"details"`
}

type Score struct {
	OrderID       string        `json:"order_id"`
	EvaluatedAt   string        `json:"evaluated_at" format:"date-time"`
	PolicyVersion string        `json:"policy_version"`
	Metrics       []MetricScore `json:"metrics"`
	Breaches      []Breach      `json:"breaches"`
	TotalCredits  float64       `json:"total_credits"`
	VolumeTier    string        `json:"volume_tier"`
}

// Passed counts passing metrics.
func (s Score) Passed() int {
	n := 0
	for _, m := range s.Metrics {
		if m.Passed {
			n++
		}
	}
	return n
}

// Payload renders the score as a generic event payload.
func (s Score) Payload() (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type CreditMemo struct {
	OrderID  string  `json:"order_id"`
	SpecName string  `json:"spec_name"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	IssuedAt string  `json:"issued_at" format:"date-time"`
	Reason   string  `json:"reason"`
}

// Credit turns a breach into a credit memo.
func Credit(b Breach) CreditMemo {
	reason := fmt.Sprintf("SLA breach on metric %s", b.Metric)
	if b.Details != nil && *b.Details != "" {
		reason = *b.Details
	}
	return CreditMemo{
		OrderID:  b.OrderID,
		SpecName: b.SpecName,
		Amount:   b.Credits,
		Currency: DefaultCurrency,
		IssuedAt: b.OccurredAt,
		Reason:   reason,
	}
}

// VolumeTier buckets the pass ratio.
func VolumeTier(passed, total int) string {
	if total <= 0 {
		return "unknown"
	}
	ratio := float64(passed) / float64(total)
	switch {
	case ratio >= 1.0:
		return "platinum"
	case ratio >= 0.9:
		return "gold"
	case ratio >= 0.75:
		return "silver"
	case ratio >= 0.5:
		return "bronze"
	default:
		return "standard"
	}
}

var (
	startTopics     = []string{"order.approved", "order.created"}
	deliveredTopics = []string{"shipment.delivered", "order.fulfilled"}
	paidTopics      = []string{"claim.paid", "order.paid"}
	lapseTopics     = []string{"order.lapsed", "compliance.lapsed", "audit.failed"}
	auditTopics     = []string{"audit.ready", "audit.vaulted", "audit.package_generated"}
	statusTopics    = []string{"order.status", "status.live", "shipment.delivered", "order.updated", "tracking.updated"}
	reworkTaskTypes = []string{domain.TaskTypeComplianceReview, domain.TaskTypeSLABreach, domain.TaskTypeRework}
)

type timeline struct {
	events []domain.Event
	times  []*time.Time
}

func newTimeline(events []domain.Event) timeline {
	tl := timeline{events: events, times: make([]*time.Time, len(events))}
	for i, evt := range events {
		if ts, err := domain.ParseTime(evt.Timestamp); err == nil {
			tl.times[i] = &ts
		}
	}
	return tl
}

func topicIn(topic string, set []string) bool {
	topic = strings.ToLower(topic)
	for _, s := range set {
		if topic == s {
			return true
		}
	}
	return false
}

func (tl timeline) first(topics []string) *time.Time {
	var best *time.Time
	for i, evt := range tl.events {
		ts := tl.times[i]
		if ts == nil || (topics != nil && !topicIn(evt.Topic, topics)) {
			continue
		}
		if best == nil || ts.Before(*best) {
			best = ts
		}
	}
	return best
}

func (tl timeline) last(topics []string) *time.Time {
	var best *time.Time
	for i, evt := range tl.events {
		ts := tl.times[i]
		if ts == nil || (topics != nil && !topicIn(evt.Topic, topics)) {
			continue
		}
		if best == nil || ts.After(*best) {
			best = ts
		}
	}
	return best
}

func (tl timeline) has(topics []string) bool {
	for _, evt := range tl.events {
		if topicIn(evt.Topic, topics) {
			return true
		}
	}
	return false
}

func (tl timeline) deliveryHours() *float64 {
	start, delivered := tl.first(startTopics), tl.first(deliveredTopics)
	if start == nil || delivered == nil {
		return nil
	}
	h := delivered.Sub(*start).Hours()
	return &h
}

func (tl timeline) firstPass() float64 {
	for _, evt := range tl.events {
		if strings.ToLower(evt.Topic) == "order.first_pass" {
			if truthy(evt.Payload["success"], true) {
				return 1
			}
			return 0
		}
	}
	for _, evt := range tl.events {
		if strings.ToLower(evt.Topic) != "task.created" {
			continue
		}
		taskType := domain.PayloadString(evt.Payload, "task_type")
		for _, t := range reworkTaskTypes {
			if taskType == t {
				return 0
			}
		}
	}
	return 1
}

func (tl timeline) dsoDays() *float64 {
	fulfilled, paid := tl.first(deliveredTopics), tl.first(paidTopics)
	if fulfilled == nil || paid == nil {
		return nil
	}
	secs := math.Floor(paid.Sub(*fulfilled).Seconds())
	d := round(secs/86400, 2)
	return &d
}

func (tl timeline) statusLatency(at time.Time) *float64 {
	latest := tl.last(statusTopics)
	if latest == nil {
		latest = tl.last(nil)
	}
	if latest == nil {
		return nil
	}
	h := round(math.Max(at.Sub(*latest).Hours(), 0), 2)
	return &h
}

func truthy(v any, def bool) bool {
	switch x := v.(type) {
	case nil:
		return def
	case bool:
		return x
	case float64:
		return x != 0
	case int:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func ptr[T any](v T) *T { return &v }

// Evaluate scores an order timeline against specs. An empty spec list means
// the built-in policy; a zero evaluatedAt means now. Known metrics fail when
// their inputs are missing; unknown metrics pass with a note.
func Evaluate(events []domain.Event, specs []Spec, version string, evaluatedAt time.Time) (Score, error) {
	if len(events) == 0 {
		return Score{}, ErrNoEvents
	}
	if len(specs) == 0 {
		specs = DefaultSpecs()
	}
	if version == "" {
		version = DefaultPolicyVersion
	}
	if evaluatedAt.IsZero() {
		evaluatedAt = time.Now()
	}
	evaluatedAt = evaluatedAt.UTC()
	at := domain.FormatTime(evaluatedAt)

	orderID := ""
	for _, evt := range events {
		if id := evt.OrderID(); id != "" {
			orderID = id
			break
		}
	}
	if orderID == "" {
		orderID = "UNKNOWN"
	}

	tl := newTimeline(events)
	score := Score{
		OrderID:       orderID,
		EvaluatedAt:   at,
		PolicyVersion: version,
		Metrics:       make([]MetricScore, 0, len(specs)),
		Breaches:      []Breach{},
	}
	total := 0.0
	for _, spec := range specs {
		var (
			observed *float64
			passed   = true
			notes    string
		)
		switch spec.Metric {
		case MetricDeliveryHours:
			observed = tl.deliveryHours()
			if observed == nil {
				passed, notes = false, "Missing delivery confirmation event."
			} else {
				passed = *observed <= spec.Threshold
			}
		case MetricFirstPass:
			observed = ptr(round(tl.firstPass(), 3))
			passed = *observed >= spec.Threshold
		case MetricComplianceLapses:
			lapses := 0.0
			if tl.has(lapseTopics) {
				lapses = 1
			}
			observed = &lapses
			passed = lapses <= spec.Threshold
		case MetricDSODays:
			observed = tl.dsoDays()
			if observed == nil {
				passed, notes = false, "Missing payment event to calculate DSO."
			} else {
				passed = *observed <= spec.Threshold
			}
		case MetricAuditReadiness:
			ready := 0.0
			if tl.has(auditTopics) {
				ready = 1
			}
			observed = &ready
			passed = ready >= spec.Threshold
		case MetricStatusLatency:
			observed = tl.statusLatency(evaluatedAt)
			if observed == nil {
				passed, notes = false, "No live status updates captured."
			} else {
				passed = *observed <= spec.Threshold
			}
		default:
			notes = fmt.Sprintf("Metric '%s' not evaluated (missing handler).", spec.Metric)
		}

		credits := 0.0
		if !passed {
			credits = spec.CreditRule.PerBreach
			var details *string
			if notes != "" {
				details = ptr(notes)
			}
			score.Breaches = append(score.Breaches, Breach{
				SpecName:   spec.Name,
				Metric:     spec.Metric,
				OrderID:    orderID,
				Observed:   observed,
				Threshold:  spec.Threshold,
				OccurredAt: at,
				Credits:    credits,
				Details:    details,
			})
			total += credits
		}

		metricNotes := notes
		if passed && spec.CreditRule.BonusPerHit > 0 {
			bonus := fmt.Sprintf("Volume bonus eligible: %.2f", spec.CreditRule.BonusPerHit)
			metricNotes = strings.TrimSpace(notes + " " + bonus)
		}
		var notesPtr *string
		if metricNotes != "" {
			notesPtr = ptr(metricNotes)
		}
		score.Metrics = append(score.Metrics, MetricScore{
			SpecName:  spec.Name,
			Metric:    spec.Metric,
			Passed:    passed,
			Observed:  observed,
			Threshold: spec.Threshold,
			Window:    spec.Window,
			Credits:   credits,
			Notes:     notesPtr,
		})
	}
	score.TotalCredits = round(total, 2)
	score.VolumeTier = VolumeTier(score.Passed(), len(score.Metrics))
	return score, nil
}
