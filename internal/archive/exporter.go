package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dmecoord/internal/events"
)

// ErrNotConfigured is returned when no object store is wired.
var ErrNotConfigured = errors.New("archive storage is not configured")

type Result struct {
	Bucket string `json:"bucket"`
	Object string `json:"object"`
	Events int    `json:"events"`
	Bytes  int64  `json:"bytes"`
}

type Exporter struct {
	Log    *events.Log
	Store  ObjectStore
	Prefix string
	Now    func() time.Time
	Logger *slog.Logger
}

// Export archives the events in [since, until] as one parquet object.
func (e *Exporter) Export(ctx context.Context, since, until *time.Time) (Result, error) {
	if e.Store == nil {
		return Result{}, ErrNotConfigured
	}
	evts, err := e.Log.Replay(events.ReplayFilter{Since: since, Until: until})
	if err != nil {
		return Result{}, fmt.Errorf("replay events: %w", err)
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	at := now().UTC()

	tmp, err := os.MkdirTemp("", "dmecoord-archive-")
	if err != nil {
		return Result{}, err
	}
	defer os.RemoveAll(tmp)
	file := fmt.Sprintf("events-%d.parquet", at.Unix())
	local := filepath.Join(tmp, file)
	if err := WriteParquet(local, evts); err != nil {
		return Result{}, err
	}

	f, err := os.Open(local)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Result{}, err
	}
	if err := e.Store.EnsureBucket(ctx); err != nil {
		return Result{}, fmt.Errorf("ensure bucket: %w", err)
	}
	prefix := e.Prefix
	if prefix == "" {
		prefix = "events"
	}
	object := ObjectPath(prefix, at, file)
	if err := e.Store.Upload(ctx, object, f, info.Size(), "application/vnd.apache.parquet"); err != nil {
		return Result{}, fmt.Errorf("upload %s: %w", object, err)
	}
	if e.Logger != nil {
		e.Logger.Info("events archived", "object", object, "events", len(evts), "bytes", info.Size())
	}
	return Result{Bucket: e.Store.Bucket(), Object: object, Events: len(evts), Bytes: info.Size()}, nil
}
