package compliance

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"dmecoord/internal/lock"
)

const (
	DefaultInterval = 15 * time.Minute
	lockName        = "compliance-scan"
)

type RunnerOptions struct {
	Interval time.Duration
	// Lock is optional; without it every process scans. A successful scan
	// keeps the lease until LockTTL expires so other runners skip the rest
	// of the interval.
	Lock lock.Locker
	// LockTTL defaults to nine tenths of Interval so the holder's own next
	// tick finds the lease expired.
	LockTTL time.Duration
	Logger  *slog.Logger
}

// Runner scans on a fixed interval until stopped.
type Runner struct {
	scanner  *Scanner
	interval time.Duration
	locker   lock.Locker
	lockTTL  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	last    *Summary
}

func NewRunner(s *Scanner, opts RunnerOptions) *Runner {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = opts.Interval - opts.Interval/10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		scanner:  s,
		interval: opts.Interval,
		locker:   opts.Lock,
		lockTTL:  opts.LockTTL,
		logger:   opts.Logger,
	}
}

func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop cancels the loop and waits for the in-flight scan to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.running = false
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// LastSummary returns the most recent completed scan, if any.
func (r *Runner) LastSummary() *Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one guarded scan. It reports whether a scan ran. The
// lease is released only when the scan did not complete.
func (r *Runner) RunOnce(ctx context.Context) bool {
	if r.locker == nil {
		return r.scan(ctx)
	}
	lease, ok, err := r.locker.Acquire(ctx, lockName, r.lockTTL)
	if err != nil {
		r.logger.Warn("compliance lock unavailable", "err", err)
		return false
	}
	if !ok {
		r.logger.Debug("compliance scan already done this interval")
		return false
	}
	if r.scan(ctx) {
		return true
	}
	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		r.logger.Warn("compliance lock release failed", "err", err)
	}
	return false
}

func (r *Runner) scan(ctx context.Context) bool {
	summary, err := r.scanner.Scan(ctx, r.scanner.now())
	switch {
	case errors.Is(err, ErrNoData):
		r.logger.Warn("compliance scan skipped", "err", err)
		return false
	case err != nil:
		if ctx.Err() == nil {
			r.logger.Error("compliance scan failed", "err", err)
		}
		return false
	}
	r.mu.Lock()
	r.last = &summary
	r.mu.Unlock()
	r.logger.Info("compliance scan completed", "alerts", summary.TotalAlerts, "tasks_created", summary.TotalTasksCreated)
	return true
}
