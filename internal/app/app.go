// Package app wires every component from a Config and owns their
// background loops.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dmecoord/internal/archive"
	"dmecoord/internal/compliance"
	"dmecoord/internal/config"
	"dmecoord/internal/db"
	"dmecoord/internal/engine"
	"dmecoord/internal/events"
	"dmecoord/internal/lock"
	"dmecoord/internal/migrate"
	"dmecoord/internal/repo"
	"dmecoord/internal/sinks"
	"dmecoord/internal/sla"
	"dmecoord/internal/tasks"
	"dmecoord/internal/webhooks"
)

type Options struct {
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time
	// ConnectTimeout bounds broker connections made while building sinks.
	ConnectTimeout time.Duration
}

type App struct {
	Config *config.Config
	Logger *slog.Logger

	DB         *sql.DB
	Repo       repo.Repo
	Log        *events.Log
	Tasks      *tasks.Store
	SLA        *sla.Service
	Engine     engine.Engine
	Registry   *webhooks.Registry
	Outbox     *webhooks.Outbox
	Dispatcher *webhooks.Dispatcher
	Worker     *webhooks.Worker
	Scanner    *compliance.Scanner
	Runner     *compliance.Runner
	Forwarder  *sinks.Forwarder
	Archive    *archive.Exporter

	dispatchID events.SubscriptionID
	closers    []func() error
}

// New opens storage, runs migrations and builds every component. Nothing
// runs in the background until Start.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	conn, err := db.Open(db.Config{DataDir: cfg.DataDir})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)
	if err := migrate.Migrate(ctx, conn); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.Repo = repo.Repo{DB: conn}

	a.Log, err = events.Open(events.Options{DataDir: cfg.DataDir, Now: now, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	a.closers = append(a.closers, a.Log.Close)

	a.Tasks = tasks.NewStore(a.Repo, now)
	a.SLA = sla.NewService(sla.ServiceOptions{DataDir: cfg.DataDir, Log: a.Log, Tasks: a.Tasks, Now: now, Logger: logger})
	a.closers = append(a.closers, func() error { a.SLA.Close(); return nil })

	a.Engine = engine.New(a.Repo, a.Tasks, a.Log, a.SLA)
	a.Engine.Now = now
	a.Engine.Logger = logger

	a.Registry, err = webhooks.NewRegistry(ctx, a.Repo, now)
	if err != nil {
		return nil, err
	}
	a.Outbox = webhooks.NewOutbox(a.Repo, now)
	a.Dispatcher = &webhooks.Dispatcher{Registry: a.Registry, Outbox: a.Outbox, Logger: logger}
	a.dispatchID = a.Dispatcher.Attach(a.Log)
	a.Worker = webhooks.NewWorker(a.Outbox, a.Registry, webhooks.WorkerOptions{
		Interval:        cfg.Webhooks.Interval.Std(),
		Timeout:         cfg.Webhooks.Timeout.Std(),
		SignatureHeader: cfg.Webhooks.SignatureHeader,
		Logger:          logger,
	})

	var locker lock.Locker = lock.NewLocal(now)
	if cfg.Redis.Addr != "" {
		rl := lock.NewRedis(lock.RedisOptions{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.closers = append(a.closers, rl.Close)
		locker = rl
	}
	a.Scanner = &compliance.Scanner{
		DataDir:       cfg.DataDir,
		Tasks:         a.Tasks,
		Log:           a.Log,
		LookaheadDays: cfg.Compliance.LookaheadDays,
		Now:           now,
	}
	a.Runner = compliance.NewRunner(a.Scanner, compliance.RunnerOptions{
		Interval: cfg.Compliance.Interval.Std(),
		Lock:     locker,
		LockTTL:  cfg.Compliance.LockTTL.Std(),
		Logger:   logger,
	})

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a.Forwarder = sinks.NewForwarder(a.Log, a.buildSinks(ctx, timeout), sinks.ForwarderOptions{
		Patterns:  cfg.Sinks.Patterns,
		QueueSize: cfg.Stream.QueueSize,
		Logger:    logger,
	})

	a.Archive = &archive.Exporter{Log: a.Log, Prefix: cfg.Archive.Prefix, Now: now, Logger: logger}
	if cfg.Archive.Enabled() {
		store, err := archive.NewMinIO(cfg.Archive.Endpoint, cfg.Archive.AccessKey, cfg.Archive.SecretKey, cfg.Archive.UseTLS, cfg.Archive.Bucket)
		if err != nil {
			return nil, err
		}
		a.Archive.Store = store
	}
	ok = true
	return a, nil
}

// buildSinks creates the configured forwarders. A sink that cannot
// connect is logged and left out.
func (a *App) buildSinks(ctx context.Context, timeout time.Duration) []sinks.Sink {
	cfg := a.Config.Sinks
	var out []sinks.Sink
	if len(cfg.Kafka.Brokers) > 0 {
		out = append(out, sinks.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic))
	}
	if cfg.MQTT.Broker != "" {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		m, err := sinks.NewMQTTSink(cctx, sinks.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			Logger:      a.Logger,
		})
		cancel()
		if err != nil {
			a.Logger.Warn("mqtt sink disabled", "err", err)
		} else {
			out = append(out, m)
		}
	}
	if cfg.Influx.URL != "" {
		out = append(out, sinks.NewInfluxSink(cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket))
	}
	return out
}

// Start launches the delivery worker, the compliance runner and the sink
// forwarder, then backfills portal hold tasks once.
func (a *App) Start(ctx context.Context) {
	a.Worker.Start(ctx)
	if a.Config.Compliance.Enabled {
		a.Runner.Start(ctx)
	}
	a.Forwarder.Start(ctx)
	if summary, err := a.Engine.IngestPortalHolds(ctx); err != nil {
		a.Logger.Warn("portal hold ingestion failed", "err", err)
	} else if summary.TasksCreated > 0 {
		a.Logger.Info("portal holds ingested", "tasks_created", summary.TasksCreated)
	}
}

// Stop halts the background loops and waits for them to exit.
func (a *App) Stop() error {
	if a.Worker != nil {
		a.Worker.Stop()
	}
	if a.Runner != nil {
		a.Runner.Stop()
	}
	if a.Forwarder == nil {
		return nil
	}
	return a.Forwarder.Stop()
}

// Close stops everything and releases storage.
func (a *App) Close() error {
	var errs []error
	if err := a.Stop(); err != nil {
		errs = append(errs, err)
	}
	if a.Log != nil && a.dispatchID != 0 {
		a.Log.Unsubscribe(a.dispatchID)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

type Health struct {
	Status             string                 `json:"status"`
	SubscriberFailures int64                  `json:"subscriber_failures"`
	WebhookWorker      bool                   `json:"webhook_worker"`
	ComplianceRunner   bool                   `json:"compliance_runner"`
	Forwarder          bool                   `json:"forwarder"`
	Sinks              map[string]sinks.Stats `json:"sinks,omitempty"`
	SinkDropped        int64                  `json:"sink_dropped"`
	PolicyVersion      string                 `json:"policy_version"`
	Archive            bool                   `json:"archive"`
}

func (a *App) Health() Health {
	stats, dropped := a.Forwarder.Stats()
	return Health{
		Status:             "ok",
		SubscriberFailures: a.Log.SubscriberFailures(),
		WebhookWorker:      a.Worker.Running(),
		ComplianceRunner:   a.Runner.Running(),
		Forwarder:          a.Forwarder.Running(),
		Sinks:              stats,
		SinkDropped:        dropped,
		PolicyVersion:      a.SLA.Policy().Version,
		Archive:            a.Archive.Store != nil,
	}
}
