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

func (r Repo) InsertWebhook(ctx context.Context, w domain.Webhook) error {
	topics, err := encodeJSON(w.Topics, "[]")
	if err != nil {
		return fmt.Errorf("encode webhook topics: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO webhooks(id,url,topics_json,secret,description,created_at) VALUES (?,?,?,?,?,?)`,
		w.ID, w.URL, topics, nullable(w.Secret), nullable(w.Description), w.CreatedAt)
	return err
}

func (r Repo) DeleteWebhook(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM webhooks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWebhooks returns subscriptions in creation order.
func (r Repo) ListWebhooks(ctx context.Context) ([]domain.Webhook, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,url,topics_json,COALESCE(secret,''),COALESCE(description,''),created_at FROM webhooks ORDER BY created_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Webhook
	for rows.Next() {
		var w domain.Webhook
		var topics string
		if err := rows.Scan(&w.ID, &w.URL, &topics, &w.Secret, &w.Description, &w.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(topics), &w.Topics); err != nil {
			w.Topics = nil
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

const deliveryColumns = `id,webhook_id,url,topic,payload_json,event_timestamp,queued_at,status,attempts,delivered_at,updated_at,error`

func scanDelivery(row rowScanner) (domain.Delivery, error) {
	var d domain.Delivery
	var payload string
	var deliveredAt, updatedAt, errText sql.NullString
	err := row.Scan(&d.ID, &d.WebhookID, &d.URL, &d.Topic, &payload, &d.Timestamp, &d.QueuedAt, &d.Status, &d.Attempts,
		&deliveredAt, &updatedAt, &errText)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Payload = decodeMap(payload)
	d.DeliveredAt = stringPtr(deliveredAt)
	d.UpdatedAt = stringPtr(updatedAt)
	d.Error = stringPtr(errText)
	return d, nil
}

func (r Repo) InsertDelivery(ctx context.Context, d domain.Delivery) error {
	payload, err := encodeJSON(d.Payload, "{}")
	if err != nil {
		return fmt.Errorf("encode delivery payload: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO webhook_deliveries(`+deliveryColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.WebhookID, d.URL, d.Topic, payload, d.Timestamp, d.QueuedAt, d.Status, d.Attempts,
		nullableStringPtr(d.DeliveredAt), nullableStringPtr(d.UpdatedAt), nullableStringPtr(d.Error))
	return err
}

func (r Repo) GetDelivery(ctx context.Context, tx *sql.Tx, id string) (domain.Delivery, error) {
	return scanDelivery(r.on(tx).QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id=?`, id))
}

func (r Repo) UpdateDelivery(ctx context.Context, tx *sql.Tx, d domain.Delivery) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE webhook_deliveries SET status=?, attempts=?, delivered_at=?, updated_at=?, error=? WHERE id=?`,
		d.Status, d.Attempts, nullableStringPtr(d.DeliveredAt), nullableStringPtr(d.UpdatedAt), nullableStringPtr(d.Error), d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type DeliveryFilters struct {
	Statuses []string
	Limit    int
}

// ListDeliveries returns the most recent matching records, oldest first.
func (r Repo) ListDeliveries(ctx context.Context, f DeliveryFilters) ([]domain.Delivery, error) {
	var clauses []string
	var args []any
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	inner := `SELECT seq,` + deliveryColumns + ` FROM webhook_deliveries ` + where + ` ORDER BY seq DESC`
	if f.Limit > 0 {
		inner += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+deliveryColumns+` FROM (`+inner+`) ORDER BY seq ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
