package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"dmecoord/internal/app"
	"dmecoord/internal/archive"
	"dmecoord/internal/config"
	"dmecoord/internal/engine"
)

func TestNewWiresComponents(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Webhooks.Interval = config.Duration(20 * time.Millisecond)
	cfg.Compliance.Enabled = false
	a, err := app.New(context.Background(), app.Options{Config: cfg})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	if _, err := a.Engine.CreatePortalOrder(ctx, engine.PortalOrderInput{PatientID: "P", SupplySKU: "S"}); err != nil {
		t.Fatalf("create order: %v", err)
	}
	a.Start(ctx)
	h := a.Health()
	if h.Status != "ok" || !h.WebhookWorker || h.ComplianceRunner || h.Forwarder || h.Archive {
		t.Fatalf("unexpected health %+v", h)
	}
	if h.PolicyVersion == "" {
		t.Fatalf("policy version missing")
	}
	if _, err := a.Archive.Export(ctx, nil, nil); !errors.Is(err, archive.ErrNotConfigured) {
		t.Fatalf("expected archive to be unconfigured, got %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if a.Health().WebhookWorker {
		t.Fatalf("worker still running after Stop")
	}
}

func TestNewRequiresConfig(t *testing.T) {
	if _, err := app.New(context.Background(), app.Options{}); err == nil {
		t.Fatalf("expected error without config")
	}
}
