// Package sinks mirrors published events to external systems. Sinks are
// fed from a bounded queue so network I/O never runs inside Publish.
package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"dmecoord/internal/domain"
	"dmecoord/internal/events"
)

// Sink receives one event at a time.
type Sink interface {
	Name() string
	Send(ctx context.Context, evt domain.Event) error
	Close() error
}

func encode(evt domain.Event) ([]byte, error) {
	return json.Marshal(evt)
}

type Stats struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

type ForwarderOptions struct {
	Patterns  []string
	QueueSize int
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Forwarder drains an event queue into every configured sink.
type Forwarder struct {
	log      *events.Log
	sinks    []Sink
	patterns []string
	size     int
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	stats   map[string]*Stats
	cancel  context.CancelFunc
	unsub   func()
	queue   *events.Queue
	wg      sync.WaitGroup
	running bool
}

func NewForwarder(log *events.Log, sinks []Sink, opts ForwarderOptions) *Forwarder {
	if len(opts.Patterns) == 0 {
		opts.Patterns = []string{"*"}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	stats := make(map[string]*Stats, len(sinks))
	for _, s := range sinks {
		stats[s.Name()] = &Stats{}
	}
	return &Forwarder{
		log:      log,
		sinks:    sinks,
		patterns: opts.Patterns,
		size:     opts.QueueSize,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		stats:    stats,
	}
}

// Start subscribes the queue and launches the drain loop.
func (f *Forwarder) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running || len(f.sinks) == 0 {
		return
	}
	f.queue, f.unsub = f.log.SubscribeQueue(f.patterns, f.size)
	ctx, f.cancel = context.WithCancel(ctx)
	f.running = true
	f.wg.Add(1)
	go f.drain(ctx, f.queue)
}

// Stop unsubscribes, waits for the loop and closes every sink.
func (f *Forwarder) Stop() error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	f.unsub()
	f.cancel()
	f.running = false
	f.mu.Unlock()
	f.wg.Wait()

	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Forwarder) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Stats returns per-sink counters plus the queue drop count.
func (f *Forwarder) Stats() (map[string]Stats, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]Stats, len(f.stats))
	for k, v := range f.stats {
		out[k] = *v
	}
	var dropped int64
	if f.queue != nil {
		dropped = f.queue.Dropped()
	}
	return out, dropped
}

func (f *Forwarder) drain(ctx context.Context, q *events.Queue) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-q.C():
			if !ok {
				return
			}
			f.forward(ctx, evt)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, evt domain.Event) {
	for _, s := range f.sinks {
		sendCtx, cancel := context.WithTimeout(ctx, f.timeout)
		err := s.Send(sendCtx, evt)
		cancel()
		f.mu.Lock()
		st := f.stats[s.Name()]
		if err != nil {
			st.Failed++
		} else {
			st.Sent++
		}
		f.mu.Unlock()
		if err != nil && ctx.Err() == nil {
			f.logger.Warn("sink send failed", "sink", s.Name(), "topic", evt.Topic, "err", err)
		}
	}
}
