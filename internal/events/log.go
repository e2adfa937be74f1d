package events

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"dmecoord/internal/domain"
)

// FileName is the event log inside the data directory.
const FileName = "events.jsonl"

const maxLineBytes = 4 << 20

// Listener receives published events. Returned errors and panics are logged
// and counted, never surfaced to the publisher.
type Listener func(ctx context.Context, evt domain.Event) error

type SubscriptionID uint64

type subscription struct {
	id       SubscriptionID
	patterns []string
	fn       Listener
}

func (s subscription) matches(topic string) bool {
	for _, p := range s.patterns {
		if Match(p, topic) {
			return true
		}
	}
	return false
}

type Options struct {
	DataDir string
	Now     func() time.Time
	Logger  *slog.Logger
}

// Log is the append-only event log plus its in-process subscriber bus.
type Log struct {
	path   string
	now    func() time.Time
	logger *slog.Logger
	tracer trace.Tracer

	writeMu sync.Mutex
	file    *os.File

	subMu  sync.RWMutex
	nextID SubscriptionID
	subs   []subscription

	failures atomic.Int64
}

// Open opens (creating if needed) the log file under opts.DataDir.
func Open(opts Options) (*Log, error) {
	dir := opts.DataDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	p := filepath.Join(dir, FileName)
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Log{
		path:   p,
		now:    now,
		logger: logger,
		tracer: otel.Tracer("dmecoord/events"),
		file:   f,
	}, nil
}

// Path returns the backing file.
func (l *Log) Path() string { return l.path }

func (l *Log) Close() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Publish appends the event, syncs it to disk and then notifies matching
// subscribers in registration order. Only append failures are returned.
func (l *Log) Publish(ctx context.Context, topic string, payload map[string]any) (domain.Event, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return domain.Event{}, domain.Invalid("topic", "must not be empty")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	ctx, span := l.tracer.Start(ctx, "events.publish", trace.WithAttributes(attribute.String("event.topic", topic)))
	defer span.End()

	evt, err := l.append(topic, payload)
	if err != nil {
		span.RecordError(err)
		return domain.Event{}, err
	}
	l.notify(ctx, evt)
	return evt, nil
}

func (l *Log) append(topic string, payload map[string]any) (domain.Event, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.file == nil {
		return domain.Event{}, fmt.Errorf("append event: %w", os.ErrClosed)
	}
	evt := domain.Event{Topic: topic, Payload: payload, Timestamp: domain.FormatTime(l.now())}
	line, err := json.Marshal(evt)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.file.Write(line); err != nil {
		return domain.Event{}, fmt.Errorf("append event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return domain.Event{}, fmt.Errorf("sync event log: %w", err)
	}
	return evt, nil
}

func (l *Log) notify(ctx context.Context, evt domain.Event) {
	l.subMu.RLock()
	matched := make([]subscription, 0, len(l.subs))
	for _, s := range l.subs {
		if s.matches(evt.Topic) {
			matched = append(matched, s)
		}
	}
	l.subMu.RUnlock()

	for _, s := range matched {
		if err := l.deliver(ctx, s, evt); err != nil {
			l.failures.Add(1)
			l.logger.Warn("event subscriber failed",
				"topic", evt.Topic,
				"subscription", uint64(s.id),
				"err", err,
			)
		}
	}
}

func (l *Log) deliver(ctx context.Context, s subscription, evt domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.fn(ctx, evt)
}

// Subscribe registers fn for topics matching pattern. An empty pattern
// means every topic.
func (l *Log) Subscribe(pattern string, fn Listener) SubscriptionID {
	return l.subscribe([]string{pattern}, fn)
}

func (l *Log) subscribe(patterns []string, fn Listener) SubscriptionID {
	normalized := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			p = "*"
		}
		normalized = append(normalized, p)
	}
	if len(normalized) == 0 {
		normalized = []string{"*"}
	}
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.nextID++
	id := l.nextID
	l.subs = append(l.subs, subscription{id: id, patterns: normalized, fn: fn})
	return id
}

// Unsubscribe removes a subscription; unknown ids are ignored.
func (l *Log) Unsubscribe(id SubscriptionID) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for i, s := range l.subs {
		if s.id == id {
			l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
			return
		}
	}
}

// SubscriberFailures counts listener errors and panics since Open.
func (l *Log) SubscriberFailures() int64 {
	return l.failures.Load()
}

// Match reports whether topic satisfies pattern: "*", an exact topic, or a
// case-sensitive glob. Globs follow path.Match: "*" does not cross "/" and
// negated classes are written [^x]; dotted topics never contain "/".
func Match(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return false
	}
	ok, err := path.Match(pattern, topic)
	return err == nil && ok
}

// Recent returns the last limit well-formed events in append order.
func (l *Log) Recent(limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	all, err := l.readAll()
	if err != nil {
		return nil, err
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// ForOrder returns every event whose payload order_id equals orderID,
// ordered by timestamp.
func (l *Log) ForOrder(orderID string) ([]domain.Event, error) {
	if orderID == "" {
		return nil, nil
	}
	return l.Replay(ReplayFilter{OrderID: orderID})
}

type ReplayFilter struct {
	Since   *time.Time
	Until   *time.Time
	Topics  []string
	OrderID string
}

func (f ReplayFilter) topicMatches(topic string) bool {
	patterns := 0
	for _, p := range f.Topics {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		patterns++
		if Match(p, topic) {
			return true
		}
	}
	return patterns == 0
}

// Replay scans the full log and returns matching events ordered by
// timestamp. Events with unparseable timestamps are dropped when Since is set.
func (l *Log) Replay(filter ReplayFilter) ([]domain.Event, error) {
	all, err := l.readAll()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Event, 0, len(all))
	for _, evt := range all {
		if !filter.topicMatches(evt.Topic) {
			continue
		}
		if filter.OrderID != "" && evt.OrderID() != filter.OrderID {
			continue
		}
		if filter.Since != nil || filter.Until != nil {
			ts, perr := domain.ParseTime(evt.Timestamp)
			if filter.Since != nil && (perr != nil || ts.Before(*filter.Since)) {
				continue
			}
			if filter.Until != nil && perr == nil && ts.After(*filter.Until) {
				continue
			}
		}
		out = append(out, evt)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (l *Log) readAll() ([]domain.Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read event log: %w", err)
	}
	defer f.Close()

	var out []domain.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var evt domain.Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil || evt.Topic == "" {
			continue
		}
		if evt.Payload == nil {
			evt.Payload = map[string]any{}
		}
		out = append(out, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	return out, nil
}

// ErrInvalidTime is returned by ParseBound for an unparseable since/until.
var ErrInvalidTime = errors.New("invalid time bound")

// ParseBound parses an optional since/until query value. Empty input yields nil.
func ParseBound(field, raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := domain.ParseTime(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q", ErrInvalidTime, field, raw)
	}
	return &t, nil
}
