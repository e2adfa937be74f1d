package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dmecoord/internal/domain"
	"dmecoord/internal/events"
	"dmecoord/internal/repo"
	"dmecoord/internal/sla"
	"dmecoord/internal/tasks"
)

// Topics published by the application flows.
const (
	TopicOrderCreated       = "order.created"
	TopicOrderApproved      = "order.approved"
	TopicDispositionCleared = "order.disposition.cleared"
	TopicTaskCreated        = "task.created"
	TopicTaskUpdated        = "task.updated"
	TopicTaskClosed         = "task.closed"
	TopicTaskAcknowledged   = "task.acknowledged"
	TopicPatientAction      = "patient.action"
	TopicESignCompleted     = "provider.esign.completed"
)

// Engine runs the flows that mutate stores and publish the resulting
// events. Every flow writes state first and publishes after.
type Engine struct {
	Repo   repo.Repo
	Tasks  *tasks.Store
	Events *events.Log
	SLA    *sla.Service
	Now    func() time.Time
	Logger *slog.Logger

	orders *sync.Mutex
}

func New(r repo.Repo, store *tasks.Store, log *events.Log, svc *sla.Service) Engine {
	return Engine{
		Repo:   r,
		Tasks:  store,
		Events: log,
		SLA:    svc,
		Now:    time.Now,
		Logger: slog.Default(),
		orders: &sync.Mutex{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) lockOrders() func() {
	if e.orders == nil {
		return func() {}
	}
	e.orders.Lock()
	return e.orders.Unlock
}

func (e Engine) publish(ctx context.Context, topic string, payload map[string]any) error {
	_, err := e.Events.Publish(ctx, topic, payload)
	return err
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func ownerValue(t domain.Task) any {
	if t.Owner == nil {
		return nil
	}
	return *t.Owner
}

// AcknowledgeTask moves a task to in_progress.
func (e Engine) AcknowledgeTask(ctx context.Context, id, owner string) (domain.Task, error) {
	task, err := e.Tasks.UpdateStatus(ctx, id, domain.TaskInProgress, optional(owner))
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.publish(ctx, TopicTaskAcknowledged, map[string]any{"task_id": task.ID, "owner": ownerValue(task)}); err != nil {
		return task, err
	}
	return task, nil
}

// SetTaskStatus applies a status transition. Closing an SLA breach task
// re-scores its order so the breach set is reconciled immediately.
func (e Engine) SetTaskStatus(ctx context.Context, id, status, owner string) (domain.Task, error) {
	task, err := e.Tasks.UpdateStatus(ctx, id, status, optional(owner))
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.publish(ctx, TopicTaskUpdated, map[string]any{
		"task_id": task.ID,
		"status":  task.Status,
		"owner":   ownerValue(task),
	}); err != nil {
		return task, err
	}
	if task.Status == domain.TaskClosed && task.TaskType == domain.TaskTypeSLABreach {
		orderID := domain.PayloadString(task.Metadata, "sla_order_id")
		if orderID == "" {
			orderID = domain.PayloadString(task.Metadata, "order_id")
		}
		if orderID != "" && e.SLA != nil {
			if _, err := e.SLA.Score(ctx, orderID, true); err != nil && !errors.Is(err, sla.ErrNoEvents) {
				e.logger().Warn("sla rescore failed", "order_id", orderID, "err", err)
			}
		}
	}
	return task, nil
}

func (e Engine) AssignTask(ctx context.Context, id, owner string) (domain.Task, error) {
	if strings.TrimSpace(owner) == "" {
		return domain.Task{}, domain.Invalid("owner", "owner is required")
	}
	task, err := e.Tasks.AssignOwner(ctx, id, strings.TrimSpace(owner))
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.publish(ctx, TopicTaskUpdated, map[string]any{
		"task_id": task.ID,
		"status":  task.Status,
		"owner":   ownerValue(task),
	}); err != nil {
		return task, err
	}
	return task, nil
}

type CompleteInput struct {
	Owner         string
	Notes         string
	ESignEnvelope string
}

type CompleteResult struct {
	Task          domain.Task         `json:"task"`
	Order         *domain.PortalOrder `json:"order,omitempty"`
	ClosedTasks   []string            `json:"closed_tasks"`
	ESignEnvelope string              `json:"esign_envelope,omitempty"`
}

const defaultProviderNote = "Approved by provider."

// CompleteTask is the provider clearance flow: close the task and every
// other active task for its order, approve the portal order when one
// exists, then re-score SLA.
func (e Engine) CompleteTask(ctx context.Context, id string, in CompleteInput) (CompleteResult, error) {
	task, err := e.Tasks.Get(ctx, id)
	if err != nil {
		return CompleteResult{}, err
	}
	orderID := domain.PayloadString(task.Metadata, "order_id")
	if orderID == "" {
		return CompleteResult{}, domain.Invalid("task", "task %s is not linked to an order", id)
	}
	if task.Status != domain.TaskClosed {
		task, err = e.Tasks.UpdateStatus(ctx, id, domain.TaskClosed, optional(in.Owner))
		if err != nil {
			return CompleteResult{}, err
		}
		if err := e.publish(ctx, TopicTaskUpdated, map[string]any{"task_id": id, "status": task.Status, "owner": ownerValue(task)}); err != nil {
			return CompleteResult{}, err
		}
		if err := e.publish(ctx, TopicTaskClosed, map[string]any{"task_id": id, "order_id": orderID}); err != nil {
			return CompleteResult{}, err
		}
	}
	res := CompleteResult{Task: task, ClosedTasks: []string{}, ESignEnvelope: in.ESignEnvelope}

	closed, err := e.closeOrderTasks(ctx, orderID)
	if err != nil {
		return res, err
	}
	res.ClosedTasks = closed

	note := strings.TrimSpace(in.Notes)
	if note == "" {
		note = defaultProviderNote
	}
	order, err := e.clearOrder(ctx, orderID, note)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return res, err
	default:
		res.Order = &order
		if err := e.publish(ctx, TopicOrderApproved, map[string]any{
			"order_id": orderID, "patient_id": order.PatientID, "status": order.Status,
		}); err != nil {
			return res, err
		}
		if err := e.publish(ctx, TopicDispositionCleared, map[string]any{
			"order_id": orderID, "patient_id": order.PatientID, "notes": note,
		}); err != nil {
			return res, err
		}
	}

	if e.SLA != nil {
		if _, err := e.SLA.Score(ctx, orderID, true); err != nil && !errors.Is(err, sla.ErrNoEvents) {
			e.logger().Warn("sla rescore failed", "order_id", orderID, "err", err)
		}
	}
	if in.ESignEnvelope != "" {
		if err := e.publish(ctx, TopicESignCompleted, map[string]any{
			"order_id": orderID, "task_id": id, "envelope_id": in.ESignEnvelope,
		}); err != nil {
			return res, err
		}
	}
	res.Task.Metadata = copyMetadata(res.Task.Metadata)
	res.Task.Metadata["provider_notes"] = note
	return res, nil
}

func copyMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// closeOrderTasks closes every active task for the order and publishes
// task.closed for each one.
func (e Engine) closeOrderTasks(ctx context.Context, orderID string) ([]string, error) {
	closed, err := e.Tasks.CloseForOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(closed))
	for _, t := range closed {
		ids = append(ids, t.ID)
		if err := e.publish(ctx, TopicTaskClosed, map[string]any{"task_id": t.ID, "order_id": orderID}); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// Patient actions.

type PatientActionInput struct {
	PatientID string `json:"patient_id"`
	OrderID   string `json:"order_id"`
	Action    string `json:"action"`
	Notes     string `json:"notes,omitempty"`
}

func (e Engine) RecordPatientAction(ctx context.Context, in PatientActionInput) (domain.Task, error) {
	if strings.TrimSpace(in.PatientID) == "" {
		return domain.Task{}, domain.Invalid("patient_id", "patient_id is required")
	}
	if strings.TrimSpace(in.OrderID) == "" {
		return domain.Task{}, domain.Invalid("order_id", "order_id is required")
	}
	task, err := e.Tasks.CreatePatientAction(ctx, tasks.PatientAction{
		PatientID: in.PatientID,
		OrderID:   in.OrderID,
		Action:    in.Action,
		Notes:     in.Notes,
	})
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.publish(ctx, TopicPatientAction, map[string]any{
		"task_id":    task.ID,
		"patient_id": in.PatientID,
		"order_id":   in.OrderID,
		"action":     in.Action,
	}); err != nil {
		return task, err
	}
	return task, nil
}

func newOrderID(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("ORD-%s-%s", now.UTC().Format("20060102"), suffix)
}
