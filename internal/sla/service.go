package sla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"dmecoord/internal/domain"
	"dmecoord/internal/events"
	"dmecoord/internal/tasks"
)

// TopicUpdated carries a full Score payload.
const TopicUpdated = "sla.updated"

type ServiceOptions struct {
	DataDir string
	Log     *events.Log
	Tasks   *tasks.Store
	Now     func() time.Time
	Logger  *slog.Logger
	// Manual disables the "*" subscription; scores are then only computed
	// on demand.
	Manual bool
}

// Service keeps the active policy and re-scores orders as their events
// arrive.
type Service struct {
	dataDir string
	log     *events.Log
	tasks   *tasks.Store
	now     func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer

	mu     sync.RWMutex
	policy Policy

	subID      events.SubscriptionID
	subscribed bool
}

func NewService(opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Service{
		dataDir: opts.DataDir,
		log:     opts.Log,
		tasks:   opts.Tasks,
		now:     now,
		logger:  logger,
		tracer:  otel.Tracer("dmecoord/sla"),
		policy:  LoadPolicy(opts.DataDir, logger),
	}
	if !opts.Manual && s.log != nil {
		s.subID = s.log.Subscribe("*", s.handle)
		s.subscribed = true
	}
	return s
}

// Close detaches the service from the event log.
func (s *Service) Close() {
	if s.subscribed {
		s.log.Unsubscribe(s.subID)
		s.subscribed = false
	}
}

// Policy returns the active policy.
func (s *Service) Policy() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.policy
	p.Specs = append([]Spec(nil), s.policy.Specs...)
	return p
}

// Reload re-reads the policy file from the data directory.
func (s *Service) Reload() Policy {
	p := LoadPolicy(s.dataDir, s.logger)
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	s.logger.Info("sla policy loaded", "version", p.Version, "specs", len(p.Specs), "source", p.Source)
	return p
}

// Score evaluates orderID from the persisted log. With emit set it also
// publishes sla.updated and reconciles breach tasks.
func (s *Service) Score(ctx context.Context, orderID string, emit bool) (Score, error) {
	ctx, span := s.tracer.Start(ctx, "sla.score", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.Bool("sla.emit", emit),
	))
	defer span.End()

	evts, err := s.log.ForOrder(orderID)
	if err != nil {
		return Score{}, fmt.Errorf("load events for %s: %w", orderID, err)
	}
	if len(evts) == 0 {
		return Score{}, ErrNoEvents
	}
	policy := s.Policy()
	score, err := Evaluate(evts, policy.Specs, policy.Version, s.now())
	if err != nil {
		return Score{}, err
	}
	span.SetAttributes(
		attribute.Int("sla.breaches", len(score.Breaches)),
		attribute.String("sla.volume_tier", score.VolumeTier),
	)
	if emit {
		if err := s.emit(ctx, score); err != nil {
			span.RecordError(err)
			return score, err
		}
	}
	return score, nil
}

// Credits returns one memo per current breach of orderID.
func (s *Service) Credits(ctx context.Context, orderID string) ([]CreditMemo, Score, error) {
	score, err := s.Score(ctx, orderID, false)
	if err != nil {
		return nil, Score{}, err
	}
	memos := make([]CreditMemo, 0, len(score.Breaches))
	for _, b := range score.Breaches {
		memos = append(memos, Credit(b))
	}
	return memos, score, nil
}

func (s *Service) handle(ctx context.Context, evt domain.Event) error {
	if strings.HasPrefix(evt.Topic, "sla.") {
		return nil
	}
	orderID := evt.OrderID()
	if orderID == "" {
		return nil
	}
	_, err := s.Score(ctx, orderID, true)
	return err
}

func (s *Service) emit(ctx context.Context, score Score) error {
	payload, err := score.Payload()
	if err != nil {
		return fmt.Errorf("encode score: %w", err)
	}
	if _, err := s.log.Publish(ctx, TopicUpdated, payload); err != nil {
		return err
	}
	return s.syncTasks(ctx, score)
}

func (s *Service) syncTasks(ctx context.Context, score Score) error {
	if s.tasks == nil {
		return nil
	}
	if len(score.Breaches) == 0 {
		closed, err := s.tasks.CloseSLATasks(ctx, score.OrderID)
		if err != nil {
			return fmt.Errorf("close sla tasks: %w", err)
		}
		if len(closed) > 0 {
			s.logger.Info("sla recovered", "order_id", score.OrderID, "closed_tasks", len(closed))
		}
		return nil
	}
	var errs []error
	for _, b := range score.Breaches {
		created, err := s.tasks.EnsureSLATask(ctx, taskBreach(b))
		if err != nil {
			errs = append(errs, fmt.Errorf("ensure sla task %s: %w", b.SpecName, err))
			continue
		}
		if created != nil {
			s.logger.Info("sla breach task opened", "order_id", b.OrderID, "spec", b.SpecName, "task_id", created.ID)
		}
	}
	return errors.Join(errs...)
}

func taskBreach(b Breach) tasks.Breach {
	details := ""
	if b.Details != nil {
		details = *b.Details
	}
	return tasks.Breach{
		OrderID:   b.OrderID,
		SpecName:  b.SpecName,
		Metric:    b.Metric,
		Observed:  b.Observed,
		Threshold: b.Threshold,
		Credits:   b.Credits,
		Details:   details,
	}
}
