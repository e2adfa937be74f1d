// Package compliance scans the compliance status sheet for documentation
// gaps, opens radar tasks and raises compliance.alert events.
package compliance

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dmecoord/internal/domain"
	"dmecoord/internal/events"
	"dmecoord/internal/tasks"
)

const (
	FileName             = "compliance_status.csv"
	DefaultLookaheadDays = 7
	TopicAlert           = "compliance.alert"
	GapType              = "compliance_gap"
)

// ErrNoData means the compliance sheet is missing from the data dir.
var ErrNoData = errors.New("compliance data not found")

var dateLayouts = []string{"2006-01-02", "01/02/2006", "2006/01/02"}

// ParseAsOf parses an operator supplied scan date.
func ParseAsOf(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{"2006-01-02", "2006/01/02", "01/02/2006"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, domain.Invalid("as_of", "invalid as_of value: %s", raw)
}

func parseDueDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

type Alert struct {
	PatientID string  `json:"patient_id"`
	SupplySKU string  `json:"supply_sku"`
	DueDate   *string `json:"due_date"`
	Severity  string  `json:"severity" enum:"normal,high"`
	Notes     string  `json:"notes"`
}

type Summary struct {
	Alerts            []Alert  `json:"alerts"`
	TasksCreated      []string `json:"tasks_created"`
	TotalAlerts       int      `json:"total_alerts"`
	TotalTasksCreated int      `json:"total_tasks_created"`
	RunAt             string   `json:"run_at" format:"date-time"`
}

type Scanner struct {
	DataDir       string
	Tasks         *tasks.Store
	Log           *events.Log
	LookaheadDays int
	Now           func() time.Time
}

func (s *Scanner) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// row is one record of the sheet keyed by header.
type row map[string]string

func readRows(path string) ([]row, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoData, path)
		}
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s header: %w", FileName, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}
	var rows []row
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", FileName, err)
		}
		rw := row{}
		for i, h := range header {
			if i < len(rec) {
				rw[h] = strings.TrimSpace(rec[i])
			}
		}
		rows = append(rows, rw)
	}
	return rows, nil
}

// gaps applies the documentation rules to one row.
func gaps(r row, due *time.Time, asOf, threshold time.Time) ([]string, string) {
	severity := "normal"
	var out []string
	if r["f2f_status"] != "current" {
		out = append(out, "F2F expired")
		severity = "high"
	}
	if r["wopd_status"] != "on_file" {
		out = append(out, "WOPD missing")
		severity = "high"
	}
	if pa := r["prior_auth_status"]; pa != "approved" && pa != "not_required" {
		out = append(out, "Prior auth pending")
	}
	if due != nil && !due.After(threshold) {
		out = append(out, "Compliance due soon")
		if !due.After(asOf) {
			severity = "high"
		}
	}
	return out, severity
}

// Scan evaluates every row as of asOf. Rows with an already open radar
// task still appear in the alerts but create no task and no event.
func (s *Scanner) Scan(ctx context.Context, asOf time.Time) (Summary, error) {
	rows, err := readRows(filepath.Join(s.DataDir, FileName))
	if err != nil {
		return Summary{}, err
	}
	lookahead := s.LookaheadDays
	if lookahead <= 0 {
		lookahead = DefaultLookaheadDays
	}
	asOf = asOf.UTC()
	threshold := asOf.AddDate(0, 0, lookahead)

	summary := Summary{Alerts: []Alert{}, TasksCreated: []string{}}
	for _, r := range rows {
		patientID, sku := r["patient_id"], r["supply_sku"]
		if patientID == "" || sku == "" {
			continue
		}
		due := parseDueDate(r["next_due_date"])
		found, severity := gaps(r, due, asOf, threshold)
		if len(found) == 0 {
			continue
		}
		alert := Alert{
			PatientID: patientID,
			SupplySKU: sku,
			Severity:  severity,
			Notes:     strings.Join(found, "; "),
		}
		if due != nil {
			d := domain.FormatTime(*due)
			alert.DueDate = &d
		}
		summary.Alerts = append(summary.Alerts, alert)

		gap := tasks.ComplianceGap{
			PatientID: patientID,
			SupplySKU: sku,
			GapType:   GapType,
			Severity:  severity,
			Notes:     alert.Notes,
		}
		if alert.DueDate != nil {
			gap.TargetDate = *alert.DueDate
		}
		task, err := s.Tasks.EnsureComplianceGap(ctx, gap)
		if err != nil {
			return summary, fmt.Errorf("ensure compliance task for %s/%s: %w", patientID, sku, err)
		}
		if task == nil {
			continue
		}
		summary.TasksCreated = append(summary.TasksCreated, task.ID)
		if _, err := s.Log.Publish(ctx, TopicAlert, map[string]any{
			"task_id":    task.ID,
			"patient_id": patientID,
			"supply_sku": sku,
			"severity":   severity,
		}); err != nil {
			return summary, err
		}
	}
	summary.TotalAlerts = len(summary.Alerts)
	summary.TotalTasksCreated = len(summary.TasksCreated)
	summary.RunAt = domain.FormatTime(s.now())
	return summary, nil
}
