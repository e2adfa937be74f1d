package dmecoordsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsBearerAndDecodesEnvelope(t *testing.T) {
	var gotAuth, gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"tasks": []map[string]any{{"id": "TASK-1", "status": "open", "task_type": "sla_breach"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL + "/v0/")
	c.BearerToken = "tok"
	items, err := c.ListTasks(context.Background(), ListTasksOptions{SLABreach: true, Limit: 5})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("expected bearer header, got %q", gotAuth)
	}
	if gotPath != "/v0/tasks" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotQuery != "limit=5&sla_breach=true" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if len(items) != 1 || items[0].ID != "TASK-1" {
		t.Fatalf("unexpected tasks %+v", items)
	}
}

func TestClientParsesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"no_events","message":"no order events to evaluate"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).EvaluateSLA(context.Background(), "ORD-404", false)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "no_events" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestDeleteWebhookNoContent(t *testing.T) {
	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := New(srv.URL).DeleteWebhook(context.Background(), "wh_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if method != http.MethodDelete {
		t.Fatalf("expected DELETE, got %s", method)
	}
}
