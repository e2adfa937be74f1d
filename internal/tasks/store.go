package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dmecoord/internal/domain"
	"dmecoord/internal/repo"
)

// DefaultSLAHours applies when CreateOptions.SLAHours is nil.
const DefaultSLAHours = 24

var (
	ErrInvalidStatus     = errors.New("invalid task status")
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// Store owns task persistence. Mutations are serialized by one mutex so
// check-then-insert helpers are atomic within the process; the partial
// unique index on dedup_key covers other writers on the same file.
type Store struct {
	repo repo.Repo
	now  func() time.Time
	mu   sync.Mutex
}

func NewStore(r repo.Repo, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{repo: r, now: now}
}

type CreateOptions struct {
	Title    string
	TaskType string
	Priority string
	Owner    string
	Metadata map[string]any
	// SLAHours sets due_at. nil uses DefaultSLAHours; 0 means no due date.
	SLAHours      *int
	SLARef        string
	BreachReason  string
	FirstPassFlag *bool
	CycleTimeSecs *int64
}

// Hours is a convenience for CreateOptions.SLAHours.
func Hours(h int) *int { return &h }

func newTaskID() string {
	return "TASK-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func (s *Store) build(opts CreateOptions) (domain.Task, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Task{}, domain.Invalid("title", "is required")
	}
	if strings.TrimSpace(opts.TaskType) == "" {
		return domain.Task{}, domain.Invalid("task_type", "is required")
	}
	priority := opts.Priority
	if priority == "" {
		priority = "normal"
	}
	now := s.now().UTC()
	ts := domain.FormatTime(now)
	hours := DefaultSLAHours
	if opts.SLAHours != nil {
		hours = *opts.SLAHours
	}
	var dueAt *string
	if hours != 0 {
		due := domain.FormatTime(now.Add(time.Duration(hours) * time.Hour))
		dueAt = &due
	}
	metadata := opts.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	t := domain.Task{
		ID:            newTaskID(),
		Title:         title,
		TaskType:      opts.TaskType,
		Priority:      priority,
		Status:        domain.TaskOpen,
		DueAt:         dueAt,
		CreatedAt:     ts,
		UpdatedAt:     ts,
		CycleTimeSecs: opts.CycleTimeSecs,
		FirstPassFlag: opts.FirstPassFlag,
		Metadata:      metadata,
	}
	if opts.Owner != "" {
		owner := opts.Owner
		t.Owner = &owner
	}
	if opts.SLARef != "" {
		ref := opts.SLARef
		t.SLARef = &ref
	}
	if opts.BreachReason != "" {
		reason := opts.BreachReason
		t.BreachReason = &reason
	}
	return t, nil
}

// Create stores a new open task without any dedup check.
func (s *Store) Create(ctx context.Context, opts CreateOptions) (domain.Task, error) {
	t, err := s.build(opts)
	if err != nil {
		return domain.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.InsertTask(ctx, nil, t, ""); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// existsFunc reports whether the condition behind a dedup key is already
// covered by an active task.
type existsFunc func(ctx context.Context, r repo.Repo, tx *sql.Tx) (bool, error)

// ensure creates the task unless exists reports a match. It returns nil
// when nothing was created.
func (s *Store) ensure(ctx context.Context, opts CreateOptions, dedupKey string, exists existsFunc) (*domain.Task, error) {
	t, err := s.build(opts)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	found, err := exists(ctx, s.repo, tx)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, nil
	}
	if err := s.repo.InsertTask(ctx, tx, t, dedupKey); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, nil
		}
		return nil, fmt.Errorf("insert task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Task, error) {
	return s.repo.GetTask(ctx, nil, id)
}

type ListFilter struct {
	// Status is a comma separated list.
	Status    string
	TaskType  string
	OrderID   string
	SLABreach bool
	Limit     int
}

// List returns tasks newest first. SLABreach restricts to sla_breach tasks
// and defaults the status filter to open,in_progress.
func (s *Store) List(ctx context.Context, f ListFilter) ([]domain.Task, error) {
	status := f.Status
	taskType := f.TaskType
	if f.SLABreach {
		taskType = domain.TaskTypeSLABreach
		if strings.TrimSpace(status) == "" {
			status = domain.TaskOpen + "," + domain.TaskInProgress
		}
	}
	var statuses []string
	for _, part := range strings.Split(status, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			statuses = append(statuses, part)
		}
	}
	return s.repo.ListTasks(ctx, repo.TaskFilters{
		Statuses: statuses,
		TaskType: taskType,
		OrderID:  f.OrderID,
		Limit:    f.Limit,
	})
}

// ValidStatus reports whether status names a task state.
func ValidStatus(status string) bool {
	switch status {
	case domain.TaskOpen, domain.TaskInProgress, domain.TaskClosed:
		return true
	}
	return false
}

func checkTransition(from, to string) error {
	if from == to {
		return nil
	}
	switch {
	case from == domain.TaskOpen && (to == domain.TaskInProgress || to == domain.TaskClosed):
		return nil
	case from == domain.TaskInProgress && to == domain.TaskClosed:
		return nil
	}
	return fmt.Errorf("%w %s -> %s", ErrInvalidTransition, from, to)
}

// close stamps the closed state. Existing cycle time and first-pass flag
// are kept unless recompute is set.
func (s *Store) close(t *domain.Task, now time.Time, recompute bool) {
	t.Status = domain.TaskClosed
	t.UpdatedAt = domain.FormatTime(now)
	if t.CycleTimeSecs == nil || recompute {
		if created, err := domain.ParseTime(t.CreatedAt); err == nil {
			secs := int64(now.Sub(created) / time.Second)
			t.CycleTimeSecs = &secs
		}
	}
	if t.FirstPassFlag == nil {
		fp := true
		t.FirstPassFlag = &fp
	}
}

// UpdateStatus moves a task through open -> in_progress -> closed and
// optionally sets the owner. Closed tasks cannot be reopened.
func (s *Store) UpdateStatus(ctx context.Context, id, status string, owner *string) (domain.Task, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !ValidStatus(status) {
		return domain.Task{}, fmt.Errorf("%w %q", ErrInvalidStatus, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := s.repo.GetTask(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	prev := strings.ToLower(t.Status)
	if err := checkTransition(prev, status); err != nil {
		return domain.Task{}, err
	}
	now := s.now().UTC()
	if owner != nil {
		o := *owner
		t.Owner = &o
	}
	if prev != domain.TaskClosed && status == domain.TaskClosed {
		s.close(&t, now, true)
	} else {
		t.Status = status
		t.UpdatedAt = domain.FormatTime(now)
	}
	if err := s.repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (s *Store) AssignOwner(ctx context.Context, id, owner string) (domain.Task, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return domain.Task{}, domain.Invalid("owner", "is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.repo.GetTask(ctx, nil, id)
	if err != nil {
		return domain.Task{}, err
	}
	t.Owner = &owner
	t.UpdatedAt = domain.FormatTime(s.now())
	if err := s.repo.UpdateTask(ctx, nil, t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

type activeLoader func(ctx context.Context, r repo.Repo, tx *sql.Tx) ([]domain.Task, error)

func (s *Store) closeWhere(ctx context.Context, load activeLoader) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	active, err := load(ctx, s.repo, tx)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return []domain.Task{}, nil
	}
	now := s.now().UTC()
	closed := make([]domain.Task, 0, len(active))
	for _, t := range active {
		s.close(&t, now, false)
		if err := s.repo.UpdateTask(ctx, tx, t); err != nil {
			return nil, err
		}
		closed = append(closed, t)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return closed, nil
}

// CloseForOrder closes every open or in-progress task linked to orderID.
func (s *Store) CloseForOrder(ctx context.Context, orderID string) ([]domain.Task, error) {
	return s.closeWhere(ctx, func(ctx context.Context, r repo.Repo, tx *sql.Tx) ([]domain.Task, error) {
		return r.ActiveTasksForOrder(ctx, tx, orderID)
	})
}

// CloseByMetadata closes every open or in-progress task whose metadata key
// equals value.
func (s *Store) CloseByMetadata(ctx context.Context, key, value string) ([]domain.Task, error) {
	return s.closeWhere(ctx, func(ctx context.Context, r repo.Repo, tx *sql.Tx) ([]domain.Task, error) {
		return r.ActiveTasksByMetadata(ctx, tx, key, value)
	})
}

func (s *Store) HasOpenForOrder(ctx context.Context, orderID string) (bool, error) {
	return s.repo.HasActiveTaskForOrder(ctx, nil, orderID)
}

func (s *Store) HasOpenWithKey(ctx context.Context, key, value string) (bool, error) {
	found, err := s.repo.ActiveTasksByMetadata(ctx, nil, key, value)
	return len(found) > 0, err
}
