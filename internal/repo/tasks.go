package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"dmecoord/internal/domain"
)

const taskColumns = `id,title,task_type,priority,status,owner,due_at,created_at,updated_at,sla_ref,breach_reason,cycle_time_secs,first_pass_flag,metadata_json`

var metadataKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var owner, dueAt, slaRef, breach sql.NullString
	var cycle, firstPass sql.NullInt64
	var metadata string
	err := row.Scan(&t.ID, &t.Title, &t.TaskType, &t.Priority, &t.Status, &owner, &dueAt, &t.CreatedAt, &t.UpdatedAt,
		&slaRef, &breach, &cycle, &firstPass, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Owner = stringPtr(owner)
	t.DueAt = stringPtr(dueAt)
	t.SLARef = stringPtr(slaRef)
	t.BreachReason = stringPtr(breach)
	if cycle.Valid {
		c := cycle.Int64
		t.CycleTimeSecs = &c
	}
	if firstPass.Valid {
		fp := firstPass.Int64 != 0
		t.FirstPassFlag = &fp
	}
	t.Metadata = decodeMap(metadata)
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// InsertTask stores a new task. A non-empty dedupKey already held by an
// open or in-progress task yields ErrDuplicate.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task, dedupKey string) error {
	metadata, err := encodeJSON(t.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("encode task metadata: %w", err)
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`,order_id,dedup_key) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.TaskType, t.Priority, t.Status, nullableStringPtr(t.Owner), nullableStringPtr(t.DueAt), t.CreatedAt, t.UpdatedAt,
		nullableStringPtr(t.SLARef), nullableStringPtr(t.BreachReason), nullableInt64Ptr(t.CycleTimeSecs), nullableBoolPtr(t.FirstPassFlag),
		metadata, nullable(domain.PayloadString(t.Metadata, "order_id")), nullable(dedupKey))
	if isUniqueViolation(err) && dedupKey != "" {
		return ErrDuplicate
	}
	return err
}

// UpdateTask persists the mutable task fields.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	metadata, err := encodeJSON(t.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("encode task metadata: %w", err)
	}
	res, err := r.on(tx).ExecContext(ctx, `UPDATE tasks SET status=?, owner=?, priority=?, updated_at=?, breach_reason=?, cycle_time_secs=?, first_pass_flag=?, metadata_json=? WHERE id=?`,
		t.Status, nullableStringPtr(t.Owner), t.Priority, t.UpdatedAt, nullableStringPtr(t.BreachReason),
		nullableInt64Ptr(t.CycleTimeSecs), nullableBoolPtr(t.FirstPassFlag), metadata, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.on(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	Statuses []string
	TaskType string
	OrderID  string
	Limit    int
}

// ListTasks returns tasks newest first.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.TaskType != "" {
		clauses = append(clauses, "task_type=?")
		args = append(args, f.TaskType)
	}
	if f.OrderID != "" {
		clauses = append(clauses, "order_id=?")
		args = append(args, f.OrderID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// ActiveTasksForOrder returns open or in-progress tasks linked to orderID.
func (r Repo) ActiveTasksForOrder(ctx context.Context, tx *sql.Tx, orderID string) ([]domain.Task, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE order_id=? AND status IN ('open','in_progress') ORDER BY created_at, rowid`, orderID)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// ActiveTasksByMetadata returns open or in-progress tasks whose metadata
// field key equals value.
func (r Repo) ActiveTasksByMetadata(ctx context.Context, tx *sql.Tx, key, value string) ([]domain.Task, error) {
	if !metadataKeyPattern.MatchString(key) {
		return nil, domain.Invalid("key", "metadata key %q is not a plain identifier", key)
	}
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE status IN ('open','in_progress')
  AND CASE WHEN json_valid(metadata_json) THEN json_extract(metadata_json, '$.`+key+`') END = ?
ORDER BY created_at, rowid`, value)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// HasActiveDedupKey reports whether an open or in-progress task holds key.
func (r Repo) HasActiveDedupKey(ctx context.Context, tx *sql.Tx, key string) (bool, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE dedup_key=? AND status IN ('open','in_progress')`, key).Scan(&n)
	return n > 0, err
}

// HasActiveTaskForOrder reports whether orderID has any open or in-progress task.
func (r Repo) HasActiveTaskForOrder(ctx context.Context, tx *sql.Tx, orderID string) (bool, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE order_id=? AND status IN ('open','in_progress')`, orderID).Scan(&n)
	return n > 0, err
}
