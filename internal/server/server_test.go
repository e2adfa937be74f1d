package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"dmecoord/internal/app"
	"dmecoord/internal/config"
	"dmecoord/internal/domain"
	"dmecoord/internal/engine"
	"dmecoord/internal/sla"
)

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, authCfg AuthConfig) (*testServer, func()) {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Compliance.Enabled = false
	a, err := app.New(context.Background(), app.Options{Config: cfg})
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	handler, err := New(Config{App: a, BasePath: "/v0", Auth: authCfg, Heartbeat: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %T: %v (%s)", out, err, string(data))
	}
	return out
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv, closeFn := newTestServer(t, AuthConfig{})
	defer closeFn()

	const n = 8
	bodies := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer resp.Body.Close()
			bodies[i], errs[i] = io.ReadAll(resp.Body)
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("request %d returned a different document", i)
		}
	}
	if !bytes.Contains(bodies[0], []byte("bearerAuth")) {
		t.Fatalf("openapi document missing security scheme")
	}
}

func TestAuthRequiresBearerToken(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret, DevLogin: true})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
	if h := decode[app.Health](t, data); h.Status != "ok" || h.PolicyVersion == "" {
		t.Fatalf("unexpected health %+v", h)
	}
	if res.Header.Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid credentials, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "nurse-1"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, data)
	}
	token := decode[DevLoginResponse](t, data).Token
	headers := map[string]string{"Authorization": "Bearer " + token}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks status %d: %s", res.StatusCode, data)
	}

	created, err := srv.App.Engine.CreatePortalOrder(context.Background(), engine.PortalOrderInput{PatientID: "P-1", SupplySKU: "SKU-1", Quantity: 1})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.Task.ID+"/acknowledge", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ack status %d: %s", res.StatusCode, data)
	}
	acked := decode[domain.Task](t, data)
	if acked.Owner == nil || *acked.Owner != "nurse-1" {
		t.Fatalf("expected owner from token subject, got %+v", acked.Owner)
	}
}

func TestPortalOrderFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/portal/orders", map[string]any{
		"patient_id": "PAT-9", "supply_sku": "CPAP-FILTER", "quantity": 3,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create order status %d: %s", res.StatusCode, data)
	}
	created := decode[engine.PortalOrderResult](t, data)
	if created.Order.Status != domain.OrderPendingReview || created.Task == nil {
		t.Fatalf("unexpected order result %+v", created)
	}
	orderID := created.Order.ID
	taskID := created.Task.ID

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks?task_type=compliance_review&order_id="+orderID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks status %d: %s", res.StatusCode, data)
	}
	if listed := decode[TaskList](t, data); len(listed.Tasks) != 1 || listed.Tasks[0].ID != taskID {
		t.Fatalf("unexpected task list %+v", listed)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+taskID+"/status", map[string]any{"status": "bogus"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+taskID+"/acknowledge", nil, nil)
	if res.StatusCode != http.StatusOK || decode[domain.Task](t, data).Status != domain.TaskInProgress {
		t.Fatalf("ack status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+taskID+"/complete", map[string]any{"owner": "dr-who", "notes": "Signed."}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, data)
	}
	done := decode[engine.CompleteResult](t, data)
	if done.Task.Status != domain.TaskClosed || done.Order == nil || done.Order.Status != domain.OrderApproved {
		t.Fatalf("unexpected completion %+v", done)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+taskID+"/acknowledge", nil, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "conflict" {
		t.Fatalf("expected 409 acknowledging a closed task, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/orders/"+orderID+"/timeline", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("timeline status %d: %s", res.StatusCode, data)
	}
	timeline := decode[Timeline](t, data)
	seen := map[string]bool{}
	for _, evt := range timeline.Events {
		seen[evt.Topic] = true
	}
	for _, topic := range []string{"order.created", "task.created", "task.closed", "order.approved"} {
		if !seen[topic] {
			t.Fatalf("timeline missing %s: %+v", topic, timeline.Events)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/portal/orders?status=approved", nil, nil)
	if res.StatusCode != http.StatusOK || len(decode[PortalOrderList](t, data).Orders) != 1 {
		t.Fatalf("list approved orders %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/TASK-missing", nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected 404 envelope, got %d: %s", res.StatusCode, data)
	}
}

func TestPatientActionValidation(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/patient-actions", map[string]any{
		"patient_id": "P", "order_id": "ORD-1", "action": "dance",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/patient-actions", map[string]any{
		"patient_id": "P", "order_id": "ORD-1", "action": "needs_help",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patient action status %d: %s", res.StatusCode, data)
	}
	if task := decode[domain.Task](t, data); task.TaskType != domain.TaskTypePatientAction || task.Priority != "high" {
		t.Fatalf("unexpected task %+v", task)
	}
}

func TestSLAEvaluate(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	for _, topic := range []string{"order.created", "order.approved"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", map[string]any{
			"topic": topic, "payload": map[string]any{"order_id": "ORD-SLA"},
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("publish %s status %d: %s", topic, res.StatusCode, data)
		}
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sla/evaluate", map[string]any{"order_id": "ORD-SLA"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evaluate status %d: %s", res.StatusCode, data)
	}
	score := decode[sla.Score](t, data)
	if len(score.Metrics) != 6 {
		t.Fatalf("expected 6 metrics, got %d", len(score.Metrics))
	}
	failing := map[string]bool{}
	for _, m := range score.Metrics {
		if !m.Passed {
			failing[m.Metric] = true
		}
	}
	for _, metric := range []string{sla.MetricAuditReadiness, sla.MetricDSODays, sla.MetricDeliveryHours} {
		if !failing[metric] {
			t.Fatalf("expected %s to fail: %+v", metric, score.Metrics)
		}
	}
	if score.VolumeTier != "standard" && score.VolumeTier != "bronze" {
		t.Fatalf("unexpected tier %q", score.VolumeTier)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sla/credits/ORD-SLA", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("credits status %d: %s", res.StatusCode, data)
	}
	if credits := decode[CreditsResponse](t, data); len(credits.Memos) != len(score.Breaches) {
		t.Fatalf("expected one memo per breach, got %+v", credits)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sla/evaluate", map[string]any{"order_id": "ORD-NONE"}, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "no_events" {
		t.Fatalf("expected 404 no_events, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sla/policy", nil, nil)
	if res.StatusCode != http.StatusOK || len(decode[sla.Policy](t, data).Specs) != 6 {
		t.Fatalf("policy status %d: %s", res.StatusCode, data)
	}
}

func TestWebhookEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/webhooks", map[string]any{
		"url": "https://hooks.example.com/dme", "topics": []string{},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty topics, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/webhooks", map[string]any{
		"url": "https://hooks.example.com/dme", "topics": []string{"order.*"}, "secret": "s3cret",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create webhook status %d: %s", res.StatusCode, data)
	}
	hook := decode[domain.Webhook](t, data)

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", map[string]any{
		"topic": "order.created", "payload": map[string]any{"order_id": "ORD-H"},
	}, nil)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/webhooks/outbox?status=pending", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("outbox status %d: %s", res.StatusCode, data)
	}
	outbox := decode[DeliveryList](t, data)
	if len(outbox.Deliveries) != 1 || outbox.Deliveries[0].WebhookID != hook.ID {
		t.Fatalf("unexpected outbox %+v", outbox)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/webhooks/outbox/"+outbox.Deliveries[0].ID+"/retry", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 retrying a pending delivery, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/webhooks/"+hook.ID, nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/webhooks/"+hook.ID, nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d: %s", res.StatusCode, data)
	}
}

func TestOptionalInfrastructureErrors(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/compliance/scan", nil, nil)
	if res.StatusCode != http.StatusServiceUnavailable || errorCode(t, data) != "unavailable" {
		t.Fatalf("expected 503 without compliance sheet, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/compliance/scan?as_of=yesterday", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad as_of, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/events/archive", nil, nil)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without object storage, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events/replay?since=not-a-time", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad since, got %d: %s", res.StatusCode, data)
	}
}

func TestEventStreamSSE(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v0/events/stream?topic=order.created", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	if _, err := srv.App.Log.Publish(context.Background(), "task.created", map[string]any{"task_id": "T"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := srv.App.Log.Publish(context.Background(), "order.created", map[string]any{"order_id": "ORD-S"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	reader := bufio.NewReader(res.Body)
	var eventLine bool
	var dataLine string
	for !(eventLine && dataLine != "") {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			if line != "event: order.created" {
				t.Fatalf("unexpected event line %q", line)
			}
			eventLine = true
		case strings.HasPrefix(line, "data: ") && eventLine:
			dataLine = strings.TrimPrefix(line, "data: ")
		}
	}
	evt := decode[domain.Event](t, []byte(dataLine))
	if evt.OrderID() != "ORD-S" {
		t.Fatalf("unexpected streamed event %+v", evt)
	}
}

func TestEventStreamWebsocket(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/events/ws?topics=patient.*"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := srv.App.Log.Publish(context.Background(), "patient.action", map[string]any{"order_id": "ORD-W", "action": "reschedule"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var evt domain.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read: %v", err)
	}
	if evt.Topic != "patient.action" || evt.OrderID() != "ORD-W" {
		t.Fatalf("unexpected event %+v", evt)
	}
}
