package domain

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is fixed-width UTC so lexical order equals time order.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

var parseLayouts = []string{
	TimeLayout,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime accepts RFC 3339 variants and bare dates; naive values are UTC.
func ParseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
}

// Event is one immutable entry of the event log.
type Event struct {
	Topic     string         `json:"topic"`
	Payload   map[string]any `json:"payload"`
	Timestamp string         `json:"timestamp" format:"date-time"`
}

// OrderID returns payload.order_id when it is a non-empty string.
func (e Event) OrderID() string {
	return PayloadString(e.Payload, "order_id")
}

// PayloadString reads a string field from a loosely typed payload.
func PayloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	switch v := payload[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

const (
	TaskOpen       = "open"
	TaskInProgress = "in_progress"
	TaskClosed     = "closed"
)

// Task types created by the coordination flows.
const (
	TaskTypeComplianceReview = "compliance_review"
	TaskTypeComplianceRadar  = "compliance_radar"
	TaskTypePatientAction    = "patient_action"
	TaskTypeSLABreach        = "sla_breach"
	TaskTypeRework           = "rework"
)

type Task struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	TaskType      string         `json:"task_type"`
	Priority      string         `json:"priority"`
	Status        string         `json:"status" enum:"open,in_progress,closed"`
	Owner         *string        `json:"owner,omitempty"`
	DueAt         *string        `json:"due_at,omitempty" format:"date-time"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
	SLARef        *string        `json:"sla_ref,omitempty"`
	BreachReason  *string        `json:"breach_reason,omitempty"`
	CycleTimeSecs *int64         `json:"cycle_time_secs,omitempty"`
	FirstPassFlag *bool          `json:"first_pass_flag,omitempty"`
	Metadata      map[string]any `json:"metadata"`
}

// IsActive reports whether the task still counts against its dedup key.
func (t Task) IsActive() bool {
	return t.Status == TaskOpen || t.Status == TaskInProgress
}

type Webhook struct {
	ID          string   `json:"id"`
	URL         string   `json:"url"`
	Topics      []string `json:"topics"`
	Secret      string   `json:"secret,omitempty"`
	Description string   `json:"description,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

type Delivery struct {
	ID          string         `json:"id"`
	WebhookID   string         `json:"webhook_id"`
	URL         string         `json:"url"`
	Topic       string         `json:"topic"`
	Payload     map[string]any `json:"payload"`
	Timestamp   string         `json:"timestamp" format:"date-time"`
	QueuedAt    string         `json:"queued_at" format:"date-time"`
	Status      string         `json:"status" enum:"pending,delivered,failed"`
	Attempts    int            `json:"attempts"`
	DeliveredAt *string        `json:"delivered_at,omitempty" format:"date-time"`
	UpdatedAt   *string        `json:"updated_at,omitempty" format:"date-time"`
	Error       *string        `json:"error,omitempty"`
}

const (
	OrderPendingReview = "pending_review"
	OrderApproved      = "approved"
)

type PortalOrder struct {
	ID            string             `json:"id"`
	PatientID     string             `json:"patient_id"`
	SupplySKU     string             `json:"supply_sku"`
	Quantity      int                `json:"quantity"`
	Priority      string             `json:"priority"`
	RequestedDate string             `json:"requested_date,omitempty"`
	DeliveryMode  string             `json:"delivery_mode,omitempty"`
	Status        string             `json:"status"`
	AIDisposition string             `json:"ai_disposition"`
	Notes         string             `json:"notes,omitempty"`
	AINotes       []string           `json:"ai_notes"`
	Source        string             `json:"source"`
	CreatedAt     string             `json:"created_at" format:"date-time"`
	UpdatedAt     string             `json:"updated_at" format:"date-time"`
	History       []PortalOrderEntry `json:"events"`
}

// PortalOrderEntry is one line of an order's human-readable history.
type PortalOrderEntry struct {
	Code      string `json:"code"`
	Actor     string `json:"actor"`
	Note      string `json:"note"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

// ValidationError marks caller input that can never succeed as given.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
