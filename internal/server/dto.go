package server

import (
	"dmecoord/internal/domain"
	"dmecoord/internal/sla"
)

// Request payloads

type TaskOwnerRequest struct {
	Owner string `json:"owner,omitempty"`
}

type TaskStatusRequest struct {
	Status string `json:"status" enum:"open,in_progress,closed"`
	Owner  string `json:"owner,omitempty"`
}

type AssignTaskRequest struct {
	Owner string `json:"owner" minLength:"1"`
}

type CompleteTaskRequest struct {
	Owner         string `json:"owner,omitempty"`
	Notes         string `json:"notes,omitempty"`
	ESignEnvelope string `json:"esign_envelope,omitempty"`
}

type EvaluateRequest struct {
	OrderID string `json:"order_id" minLength:"1"`
	Refresh bool   `json:"refresh,omitempty" doc:"Publish the score and sync SLA tasks"`
}

type CreateWebhookRequest struct {
	URL         string   `json:"url" minLength:"1"`
	Topics      []string `json:"topics"`
	Secret      string   `json:"secret,omitempty"`
	Description string   `json:"description,omitempty"`
}

type PublishEventRequest struct {
	Topic   string         `json:"topic" minLength:"1"`
	Payload map[string]any `json:"payload,omitempty"`
}

type ArchiveRequest struct {
	Since string `json:"since,omitempty"`
	Until string `json:"until,omitempty"`
}

type ApproveOrderRequest struct {
	Actor string `json:"actor,omitempty"`
	Note  string `json:"note,omitempty"`
}

// Response payloads

type TaskList struct {
	Tasks []domain.Task `json:"tasks"`
}

type EventList struct {
	Events []domain.Event `json:"events"`
}

type Timeline struct {
	OrderID     string         `json:"order_id"`
	GeneratedAt string         `json:"generated_at" format:"date-time"`
	Events      []domain.Event `json:"events"`
}

type WebhookList struct {
	Webhooks []domain.Webhook `json:"webhooks"`
}

type DeliveryList struct {
	Deliveries []domain.Delivery `json:"deliveries"`
}

type PortalOrderList struct {
	Orders []domain.PortalOrder `json:"orders"`
}

type CreditsResponse struct {
	OrderID      string           `json:"order_id"`
	Memos        []sla.CreditMemo `json:"memos"`
	TotalCredits float64          `json:"total_credits"`
	VolumeTier   string           `json:"volume_tier"`
}

func orEmptyTasks(items []domain.Task) []domain.Task {
	if items == nil {
		return []domain.Task{}
	}
	return items
}

func orEmptyEvents(items []domain.Event) []domain.Event {
	if items == nil {
		return []domain.Event{}
	}
	return items
}
