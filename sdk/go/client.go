package dmecoordsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal dmecoord HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	TaskType     string         `json:"task_type"`
	Priority     string         `json:"priority"`
	Status       string         `json:"status"`
	Owner        *string        `json:"owner,omitempty"`
	DueAt        *string        `json:"due_at,omitempty"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
	SLARef       *string        `json:"sla_ref,omitempty"`
	BreachReason *string        `json:"breach_reason,omitempty"`
	Metadata     map[string]any `json:"metadata"`
}

// Event represents a log entry.
type Event struct {
	Topic     string         `json:"topic"`
	Payload   map[string]any `json:"payload"`
	Timestamp string         `json:"timestamp"`
}

// Metric is one scored SLA metric.
type Metric struct {
	SpecName  string   `json:"spec_name"`
	Metric    string   `json:"metric"`
	Passed    bool     `json:"passed"`
	Observed  *float64 `json:"observed"`
	Threshold float64  `json:"threshold"`
	Credits   float64  `json:"credits"`
}

// Score is an order's SLA evaluation.
type Score struct {
	OrderID       string   `json:"order_id"`
	EvaluatedAt   string   `json:"evaluated_at"`
	PolicyVersion string   `json:"policy_version"`
	Metrics       []Metric `json:"metrics"`
	TotalCredits  float64  `json:"total_credits"`
	VolumeTier    string   `json:"volume_tier"`
}

// PortalOrder represents a submitted portal order.
type PortalOrder struct {
	ID            string `json:"id"`
	PatientID     string `json:"patient_id"`
	SupplySKU     string `json:"supply_sku"`
	Quantity      int    `json:"quantity"`
	Priority      string `json:"priority"`
	Status        string `json:"status"`
	AIDisposition string `json:"ai_disposition"`
	CreatedAt     string `json:"created_at"`
}

// OrderInput is the body of CreateOrder.
type OrderInput struct {
	PatientID   string `json:"patient_id"`
	SupplySKU   string `json:"supply_sku"`
	Quantity    int    `json:"quantity"`
	Priority    string `json:"priority,omitempty"`
	Disposition string `json:"disposition,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// OrderResult carries the order and its hold task, if one was opened.
type OrderResult struct {
	Order PortalOrder `json:"order"`
	Task  *Task       `json:"task,omitempty"`
}

// Webhook is a registered subscription.
type Webhook struct {
	ID          string   `json:"id"`
	URL         string   `json:"url"`
	Topics      []string `json:"topics"`
	Secret      string   `json:"secret,omitempty"`
	Description string   `json:"description,omitempty"`
	CreatedAt   string   `json:"created_at"`
}

// Delivery is one outbox record.
type Delivery struct {
	ID        string  `json:"id"`
	WebhookID string  `json:"webhook_id"`
	Topic     string  `json:"topic"`
	Status    string  `json:"status"`
	Attempts  int     `json:"attempts"`
	Error     *string `json:"error,omitempty"`
}

// APIError wraps non-2xx responses. Code is filled from the error envelope
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListTasksOptions filters ListTasks. Zero values are omitted.
type ListTasksOptions struct {
	Status    string
	TaskType  string
	OrderID   string
	SLABreach bool
	Limit     int
}

// ListTasks returns tasks newest first.
func (c *Client) ListTasks(ctx context.Context, opts ListTasksOptions) ([]Task, error) {
	q := url.Values{}
	setQuery(q, "status", opts.Status)
	setQuery(q, "task_type", opts.TaskType)
	setQuery(q, "order_id", opts.OrderID)
	if opts.SLABreach {
		q.Set("sla_breach", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("tasks", q), nil, &resp)
	return resp.Tasks, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// AcknowledgeTask moves an open task to in_progress.
func (c *Client) AcknowledgeTask(ctx context.Context, id, owner string) (Task, error) {
	var body any
	if owner != "" {
		body = map[string]any{"owner": owner}
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/acknowledge", body, &resp)
	return resp, err
}

// SetTaskStatus sets open, in_progress or closed.
func (c *Client) SetTaskStatus(ctx context.Context, id, status, owner string) (Task, error) {
	body := map[string]any{"status": status}
	if owner != "" {
		body["owner"] = owner
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/status", body, &resp)
	return resp, err
}

// CreateOrder submits a portal order.
func (c *Client) CreateOrder(ctx context.Context, in OrderInput) (OrderResult, error) {
	var resp OrderResult
	err := c.do(ctx, http.MethodPost, "portal/orders", in, &resp)
	return resp, err
}

// ApproveOrder approves a portal order and closes its tasks.
func (c *Client) ApproveOrder(ctx context.Context, id, note string) (PortalOrder, error) {
	var body any
	if note != "" {
		body = map[string]any{"note": note}
	}
	var resp PortalOrder
	err := c.do(ctx, http.MethodPost, "portal/orders/"+url.PathEscape(id)+"/approve", body, &resp)
	return resp, err
}

// PublishEvent records an external lifecycle fact such as shipment.delivered.
func (c *Client) PublishEvent(ctx context.Context, topic string, payload map[string]any) (Event, error) {
	body := map[string]any{"topic": topic, "payload": payload}
	var resp Event
	err := c.do(ctx, http.MethodPost, "events", body, &resp)
	return resp, err
}

// RecentEvents returns the newest events.
func (c *Client) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("events/recent", q), nil, &resp)
	return resp.Events, err
}

// Timeline returns every event recorded for an order.
func (c *Client) Timeline(ctx context.Context, orderID string) ([]Event, error) {
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, "orders/"+url.PathEscape(orderID)+"/timeline", nil, &resp)
	return resp.Events, err
}

// EvaluateSLA scores an order. refresh publishes sla.updated and syncs
// breach tasks.
func (c *Client) EvaluateSLA(ctx context.Context, orderID string, refresh bool) (Score, error) {
	body := map[string]any{"order_id": orderID, "refresh": refresh}
	var resp Score
	err := c.do(ctx, http.MethodPost, "sla/evaluate", body, &resp)
	return resp, err
}

// CreateWebhook registers a subscription.
func (c *Client) CreateWebhook(ctx context.Context, targetURL string, topics []string, secret string) (Webhook, error) {
	body := map[string]any{"url": targetURL, "topics": topics}
	if secret != "" {
		body["secret"] = secret
	}
	var resp Webhook
	err := c.do(ctx, http.MethodPost, "webhooks", body, &resp)
	return resp, err
}

// DeleteWebhook removes a subscription.
func (c *Client) DeleteWebhook(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "webhooks/"+url.PathEscape(id), nil, nil)
}

// Outbox lists recent deliveries, optionally by comma separated status.
func (c *Client) Outbox(ctx context.Context, limit int, status string) ([]Delivery, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	setQuery(q, "status", status)
	var resp struct {
		Deliveries []Delivery `json:"deliveries"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("webhooks/outbox", q), nil, &resp)
	return resp.Deliveries, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func setQuery(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
