package tasks

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"dmecoord/internal/domain"
	"dmecoord/internal/repo"
)

// EnsurePortalHold opens a compliance review for an order that is not yet
// approved. It returns nil when the order is approved or already has an
// active task.
func (s *Store) EnsurePortalHold(ctx context.Context, order domain.PortalOrder) (*domain.Task, error) {
	if strings.EqualFold(order.Status, domain.OrderApproved) || order.ID == "" {
		return nil, nil
	}
	priority := "normal"
	switch strings.ToLower(order.Priority) {
	case "urgent", "stat":
		priority = "high"
	}
	hours := 36
	if priority == "high" {
		hours = 16
	}
	aiNotes := order.AINotes
	if aiNotes == nil {
		aiNotes = []string{}
	}
	opts := CreateOptions{
		Title:    fmt.Sprintf("Review compliance hold for %s / %s", order.PatientID, order.SupplySKU),
		TaskType: domain.TaskTypeComplianceReview,
		Priority: priority,
		SLAHours: Hours(hours),
		Metadata: map[string]any{
			"order_id":   order.ID,
			"patient_id": order.PatientID,
			"supply_sku": order.SupplySKU,
			"ai_notes":   aiNotes,
		},
	}
	return s.ensure(ctx, opts, "portal_hold::"+order.ID, func(ctx context.Context, r repo.Repo, tx *sql.Tx) (bool, error) {
		return r.HasActiveTaskForOrder(ctx, tx, order.ID)
	})
}

type ComplianceGap struct {
	PatientID  string
	SupplySKU  string
	GapType    string
	Severity   string
	Notes      string
	TargetDate string
}

// ComplianceKey identifies one gap for dedup.
func ComplianceKey(patientID, sku, gapType string) string {
	return fmt.Sprintf("compliance::%s::%s::%s", patientID, sku, gapType)
}

// EnsureComplianceGap opens a compliance radar task unless one is already
// active for the same patient, SKU and gap type.
func (s *Store) EnsureComplianceGap(ctx context.Context, gap ComplianceGap) (*domain.Task, error) {
	key := ComplianceKey(gap.PatientID, gap.SupplySKU, gap.GapType)
	high := gap.Severity == "high"
	priority, hours := "normal", 24
	if high {
		priority, hours = "high", 12
	}
	var target any
	if gap.TargetDate != "" {
		target = gap.TargetDate
	}
	opts := CreateOptions{
		Title:    fmt.Sprintf("Resolve %s for %s / %s", gap.GapType, gap.PatientID, gap.SupplySKU),
		TaskType: domain.TaskTypeComplianceRadar,
		Priority: priority,
		SLAHours: Hours(hours),
		Metadata: map[string]any{
			"patient_id":     gap.PatientID,
			"supply_sku":     gap.SupplySKU,
			"gap_type":       gap.GapType,
			"compliance_key": key,
			"notes":          gap.Notes,
			"target_date":    target,
		},
	}
	return s.ensure(ctx, opts, key, keyExists("compliance_key", key))
}

// Patient actions accepted from the patient portal.
const (
	ActionConfirmDelivery = "confirm_delivery"
	ActionReschedule      = "reschedule"
	ActionNeedsHelp       = "needs_help"
)

// ValidPatientAction reports whether action is one of the accepted actions.
func ValidPatientAction(action string) bool {
	switch action {
	case ActionConfirmDelivery, ActionReschedule, ActionNeedsHelp:
		return true
	}
	return false
}

type PatientAction struct {
	PatientID string
	OrderID   string
	Action    string
	Notes     string
}

// CreatePatientAction always opens a new task; patient actions carry no
// dedup key.
func (s *Store) CreatePatientAction(ctx context.Context, a PatientAction) (domain.Task, error) {
	if !ValidPatientAction(a.Action) {
		return domain.Task{}, domain.Invalid("action", "unsupported action %q", a.Action)
	}
	priority, hours := "normal", 24
	if a.Action == ActionNeedsHelp || a.Action == ActionReschedule {
		priority, hours = "high", 12
	}
	return s.Create(ctx, CreateOptions{
		Title:    fmt.Sprintf("Patient %s for order %s", a.Action, a.OrderID),
		TaskType: domain.TaskTypePatientAction,
		Priority: priority,
		SLAHours: Hours(hours),
		Metadata: map[string]any{
			"patient_id": a.PatientID,
			"order_id":   a.OrderID,
			"action":     a.Action,
			"notes":      a.Notes,
		},
	})
}

// Breach is the slice of an SLA breach needed to open a remediation task.
type Breach struct {
	OrderID   string
	SpecName  string
	Metric    string
	Observed  *float64
	Threshold float64
	Credits   float64
	Details   string
}

// SLAKey identifies one breached spec for one order.
func SLAKey(orderID, specName string) string {
	return fmt.Sprintf("sla::%s::%s", orderID, specName)
}

// EnsureSLATask opens an sla_breach task unless one is already active for
// the same order and spec.
func (s *Store) EnsureSLATask(ctx context.Context, b Breach) (*domain.Task, error) {
	key := SLAKey(b.OrderID, b.SpecName)
	reason := b.Details
	if reason == "" {
		reason = fmt.Sprintf("%s breached threshold %v", b.Metric, b.Threshold)
	}
	var observed any
	if b.Observed != nil {
		observed = *b.Observed
	}
	var firstPass *bool
	if b.Metric == "first_pass_ratio" {
		f := false
		firstPass = &f
	}
	opts := CreateOptions{
		Title:         "Investigate SLA breach: " + b.SpecName,
		TaskType:      domain.TaskTypeSLABreach,
		Priority:      "high",
		SLAHours:      Hours(12),
		SLARef:        key,
		BreachReason:  reason,
		FirstPassFlag: firstPass,
		Metadata: map[string]any{
			"order_id":      b.OrderID,
			"sla_order_id":  b.OrderID,
			"sla_key":       key,
			"sla_spec":      b.SpecName,
			"metric":        b.Metric,
			"observed":      observed,
			"threshold":     b.Threshold,
			"credits":       b.Credits,
			"details":       b.Details,
			"breach_reason": reason,
		},
	}
	return s.ensure(ctx, opts, key, keyExists("sla_key", key))
}

// CloseSLATasks closes active SLA tasks for orderID.
func (s *Store) CloseSLATasks(ctx context.Context, orderID string) ([]domain.Task, error) {
	return s.CloseByMetadata(ctx, "sla_order_id", orderID)
}

func keyExists(metaKey, value string) existsFunc {
	return func(ctx context.Context, r repo.Repo, tx *sql.Tx) (bool, error) {
		held, err := r.HasActiveDedupKey(ctx, tx, value)
		if err != nil || held {
			return held, err
		}
		found, err := r.ActiveTasksByMetadata(ctx, tx, metaKey, value)
		return len(found) > 0, err
	}
}
