package engine

import (
	"context"
	"strings"

	"dmecoord/internal/domain"
)

type PortalOrderInput struct {
	ID            string   `json:"id,omitempty"`
	PatientID     string   `json:"patient_id"`
	SupplySKU     string   `json:"supply_sku"`
	Quantity      int      `json:"quantity"`
	Priority      string   `json:"priority,omitempty"`
	RequestedDate string   `json:"requested_date,omitempty"`
	DeliveryMode  string   `json:"delivery_mode,omitempty"`
	Notes         string   `json:"notes,omitempty"`
	Source        string   `json:"source,omitempty"`
	Disposition   string   `json:"disposition,omitempty"`
	AINotes       []string `json:"ai_notes,omitempty"`
}

type PortalOrderResult struct {
	Order domain.PortalOrder `json:"order"`
	Task  *domain.Task       `json:"task,omitempty"`
}

const dispositionRequiresReview = "requires_review"

func (e Engine) entry(code, actor, note string) domain.PortalOrderEntry {
	return domain.PortalOrderEntry{Code: code, Actor: actor, Note: note, Timestamp: domain.FormatTime(e.now())}
}

func aiSummary(disposition string, notes []string) string {
	if len(notes) == 0 {
		return "AI disposition: " + disposition + "."
	}
	return "AI disposition: " + disposition + ". Findings: " + strings.Join(notes, "; ") + "."
}

// CreatePortalOrder stores a new order. Orders not cleared by the intake
// disposition get a compliance review hold task.
func (e Engine) CreatePortalOrder(ctx context.Context, in PortalOrderInput) (PortalOrderResult, error) {
	if strings.TrimSpace(in.PatientID) == "" {
		return PortalOrderResult{}, domain.Invalid("patient_id", "patient_id is required")
	}
	if strings.TrimSpace(in.SupplySKU) == "" {
		return PortalOrderResult{}, domain.Invalid("supply_sku", "supply_sku is required")
	}
	if in.Quantity < 0 {
		return PortalOrderResult{}, domain.Invalid("quantity", "quantity must not be negative")
	}
	now := e.now()
	disposition := strings.ToLower(strings.TrimSpace(in.Disposition))
	if disposition == "" {
		disposition = dispositionRequiresReview
	}
	status := domain.OrderPendingReview
	if disposition == domain.OrderApproved {
		status = domain.OrderApproved
	}
	aiNotes := in.AINotes
	if aiNotes == nil {
		aiNotes = []string{}
	}
	order := domain.PortalOrder{
		ID:            strings.TrimSpace(in.ID),
		PatientID:     strings.TrimSpace(in.PatientID),
		SupplySKU:     strings.TrimSpace(in.SupplySKU),
		Quantity:      in.Quantity,
		Priority:      in.Priority,
		RequestedDate: in.RequestedDate,
		DeliveryMode:  in.DeliveryMode,
		Status:        status,
		AIDisposition: disposition,
		Notes:         in.Notes,
		AINotes:       aiNotes,
		Source:        in.Source,
		CreatedAt:     domain.FormatTime(now),
		UpdatedAt:     domain.FormatTime(now),
		History: []domain.PortalOrderEntry{
			e.entry("created", "portal", "Order created through portal."),
			e.entry("ai_"+disposition, "automation", aiSummary(disposition, aiNotes)),
		},
	}
	if order.ID == "" {
		order.ID = newOrderID(now)
	}
	if order.Priority == "" {
		order.Priority = "normal"
	}
	if order.Source == "" {
		order.Source = "portal"
	}
	if status == domain.OrderApproved {
		order.History = append(order.History, e.entry("approved", "automation", "Automatically approved by compliance checks."))
	}
	if err := e.Repo.InsertPortalOrder(ctx, order); err != nil {
		return PortalOrderResult{}, err
	}

	// The hold is opened before order.created goes out; SLA tasks raised
	// while scoring the new order would otherwise suppress it.
	task, err := e.Tasks.EnsurePortalHold(ctx, order)
	if err != nil {
		return PortalOrderResult{Order: order}, err
	}
	if err := e.publish(ctx, TopicOrderCreated, map[string]any{
		"order_id": order.ID, "patient_id": order.PatientID, "status": order.Status,
	}); err != nil {
		return PortalOrderResult{Order: order, Task: task}, err
	}
	if task != nil {
		if err := e.publish(ctx, TopicTaskCreated, taskCreatedPayload(*task, order.ID)); err != nil {
			return PortalOrderResult{Order: order, Task: task}, err
		}
	}
	return PortalOrderResult{Order: order, Task: task}, nil
}

func taskCreatedPayload(t domain.Task, orderID string) map[string]any {
	return map[string]any{
		"task_id":   t.ID,
		"task_type": t.TaskType,
		"priority":  t.Priority,
		"order_id":  orderID,
	}
}

func (e Engine) GetPortalOrder(ctx context.Context, id string) (domain.PortalOrder, error) {
	return e.Repo.GetPortalOrder(ctx, id)
}

// ListPortalOrders filters by a comma separated status list.
func (e Engine) ListPortalOrders(ctx context.Context, status string) ([]domain.PortalOrder, error) {
	var statuses []string
	for _, s := range strings.Split(status, ",") {
		if s = strings.TrimSpace(s); s != "" {
			statuses = append(statuses, s)
		}
	}
	orders, err := e.Repo.ListPortalOrders(ctx, statuses)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []domain.PortalOrder{}
	}
	return orders, nil
}

func (e Engine) setOrderStatus(ctx context.Context, id, status, actor, note string, mutate func(*domain.PortalOrder)) (domain.PortalOrder, error) {
	defer e.lockOrders()()
	order, err := e.Repo.GetPortalOrder(ctx, id)
	if err != nil {
		return domain.PortalOrder{}, err
	}
	if note == "" {
		note = "Status updated to " + status + " by " + actor
	}
	order.Status = status
	order.UpdatedAt = domain.FormatTime(e.now())
	order.History = append(order.History, e.entry(status, actor, note))
	if mutate != nil {
		mutate(&order)
	}
	if err := e.Repo.UpdatePortalOrder(ctx, order); err != nil {
		return domain.PortalOrder{}, err
	}
	return order, nil
}

// clearOrder approves the order on behalf of a provider and clears its AI
// disposition, keeping the provider note ahead of the last four AI notes.
func (e Engine) clearOrder(ctx context.Context, id, note string) (domain.PortalOrder, error) {
	return e.setOrderStatus(ctx, id, domain.OrderApproved, "provider", note, func(o *domain.PortalOrder) {
		keep := o.AINotes
		if len(keep) > 4 {
			keep = keep[:4]
		}
		o.AINotes = append([]string{note}, keep...)
		o.AIDisposition = "clear"
		o.History = append(o.History, e.entry("ai_clear", "provider", "AI disposition updated to clear via provider"))
	})
}

// ApprovePortalOrder approves an order and retracts its open tasks.
func (e Engine) ApprovePortalOrder(ctx context.Context, id, actor, note string) (domain.PortalOrder, error) {
	if actor == "" {
		actor = "staff"
	}
	if note == "" {
		note = "Approved via portal/dashboard."
	}
	order, err := e.setOrderStatus(ctx, id, domain.OrderApproved, actor, note, nil)
	if err != nil {
		return domain.PortalOrder{}, err
	}
	if _, err := e.closeOrderTasks(ctx, id); err != nil {
		return order, err
	}
	if err := e.publish(ctx, TopicOrderApproved, map[string]any{
		"order_id": id, "patient_id": order.PatientID, "status": order.Status,
	}); err != nil {
		return order, err
	}
	return order, nil
}

type IngestSummary struct {
	ProcessedOrders int      `json:"processed_orders"`
	TasksCreated    int      `json:"tasks_created"`
	TaskIDs         []string `json:"task_ids"`
	RunAt           string   `json:"run_at" format:"date-time"`
}

// IngestPortalHolds makes sure every unapproved order carries a review task.
func (e Engine) IngestPortalHolds(ctx context.Context) (IngestSummary, error) {
	runAt := domain.FormatTime(e.now())
	orders, err := e.Repo.ListPortalOrders(ctx, []string{domain.OrderPendingReview, "pending", "hold", "review"})
	if err != nil {
		return IngestSummary{}, err
	}
	summary := IngestSummary{ProcessedOrders: len(orders), TaskIDs: []string{}, RunAt: runAt}
	for _, order := range orders {
		task, err := e.Tasks.EnsurePortalHold(ctx, order)
		if err != nil {
			return summary, err
		}
		if task == nil {
			continue
		}
		summary.TaskIDs = append(summary.TaskIDs, task.ID)
		payload := taskCreatedPayload(*task, order.ID)
		payload["generated_at"] = runAt
		if err := e.publish(ctx, TopicTaskCreated, payload); err != nil {
			return summary, err
		}
	}
	summary.TasksCreated = len(summary.TaskIDs)
	return summary, nil
}
