package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dmecoord/internal/app"
	"dmecoord/internal/config"
	"dmecoord/internal/domain"
)

var setupOnce sync.Once

func run(t *testing.T, args ...string) {
	t.Helper()
	setupOnce.Do(setupCLI)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("dmecoord %v: %v", args, err)
	}
}

func setupCLI() {
	initConfig()
	addPersistentFlags()
	registerCommands()
}

func TestOrderCreateOpensHoldTask(t *testing.T) {
	dir := t.TempDir()
	run(t, "--workspace", dir, "--json", "order", "create", "--patient", "PAT-1", "--sku", "CPAP-MASK", "--quantity", "2")

	a, err := app.New(context.Background(), app.Options{
		Config: config.Default(dir),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	defer a.Close()

	orders, err := a.Engine.ListPortalOrders(context.Background(), "")
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 1 || orders[0].Status != domain.OrderPendingReview || orders[0].Quantity != 2 {
		t.Fatalf("unexpected orders %+v", orders)
	}
	evts, err := a.Log.ForOrder(orders[0].ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	found := false
	for _, e := range evts {
		found = found || e.Topic == "order.created"
	}
	if !found {
		t.Fatalf("expected order.created in timeline, got %+v", evts)
	}
}

func TestServeHTTPEndsStreamsBeforeReturning(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	started := make(chan struct{})
	var finished atomic.Bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
		finished.Store(true)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	result := make(chan error, 1)
	go func() { result <- serveHTTP(ctx, &http.Server{Handler: handler}, ln) }()

	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/stream")
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream request never reached the handler")
	}

	cancel()
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("serveHTTP: %v", err)
		}
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatalf("serveHTTP did not return after cancel")
	}
	if !finished.Load() {
		t.Fatalf("serveHTTP returned while a stream handler was still running")
	}
}
