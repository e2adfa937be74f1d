package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"dmecoord/internal/domain"
)

const portalOrderColumns = `id,patient_id,supply_sku,quantity,priority,requested_date,delivery_mode,status,ai_disposition,notes,ai_notes_json,source,created_at,updated_at,history_json`

func scanPortalOrder(row rowScanner) (domain.PortalOrder, error) {
	var o domain.PortalOrder
	var requested, mode, notes sql.NullString
	var aiNotes, history string
	err := row.Scan(&o.ID, &o.PatientID, &o.SupplySKU, &o.Quantity, &o.Priority, &requested, &mode, &o.Status, &o.AIDisposition, &notes,
		&aiNotes, &o.Source, &o.CreatedAt, &o.UpdatedAt, &history)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.RequestedDate = requested.String
	o.DeliveryMode = mode.String
	o.Notes = notes.String
	if err := json.Unmarshal([]byte(aiNotes), &o.AINotes); err != nil || o.AINotes == nil {
		o.AINotes = []string{}
	}
	if err := json.Unmarshal([]byte(history), &o.History); err != nil || o.History == nil {
		o.History = []domain.PortalOrderEntry{}
	}
	return o, nil
}

func (r Repo) InsertPortalOrder(ctx context.Context, o domain.PortalOrder) error {
	aiNotes, err := encodeJSON(o.AINotes, "[]")
	if err != nil {
		return fmt.Errorf("encode ai notes: %w", err)
	}
	history, err := encodeJSON(o.History, "[]")
	if err != nil {
		return fmt.Errorf("encode order history: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO portal_orders(`+portalOrderColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.PatientID, o.SupplySKU, o.Quantity, o.Priority, nullable(o.RequestedDate), nullable(o.DeliveryMode), o.Status,
		o.AIDisposition, nullable(o.Notes), aiNotes, o.Source, o.CreatedAt, o.UpdatedAt, history)
	return err
}

func (r Repo) GetPortalOrder(ctx context.Context, id string) (domain.PortalOrder, error) {
	return scanPortalOrder(r.DB.QueryRowContext(ctx, `SELECT `+portalOrderColumns+` FROM portal_orders WHERE id=?`, id))
}

// UpdatePortalOrder writes the mutable fields: status, AI disposition and
// notes, updated_at and history.
func (r Repo) UpdatePortalOrder(ctx context.Context, o domain.PortalOrder) error {
	history, err := encodeJSON(o.History, "[]")
	if err != nil {
		return fmt.Errorf("encode order history: %w", err)
	}
	aiNotes, err := encodeJSON(o.AINotes, "[]")
	if err != nil {
		return fmt.Errorf("encode ai notes: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE portal_orders SET status=?, ai_disposition=?, ai_notes_json=?, updated_at=?, history_json=? WHERE id=?`,
		o.Status, o.AIDisposition, aiNotes, o.UpdatedAt, history, o.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPortalOrders returns orders newest first, optionally limited to statuses.
func (r Repo) ListPortalOrders(ctx context.Context, statuses []string) ([]domain.PortalOrder, error) {
	query := `SELECT ` + portalOrderColumns + ` FROM portal_orders`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE lower(status) IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, strings.ToLower(s))
		}
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PortalOrder
	for rows.Next() {
		o, err := scanPortalOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}
