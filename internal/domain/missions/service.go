package missions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vitalhearts/core/internal/domain/hearts"
	"github.com/vitalhearts/core/internal/domain/progress"
	"github.com/vitalhearts/core/internal/domain/rewards"
	"github.com/vitalhearts/core/internal/gateways/kv"
)

const (
	defaultStatusParallelism = 4
	maxCompleteAttempts      = 3
)

type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeTaskNotFound     Outcome = "taskNotFound"
	OutcomeAlreadyCompleted Outcome = "alreadyCompleted"
	OutcomeNotCompleted     Outcome = "notCompleted"
)

// Completion is the result of a completion request. Ratio is the progress
// that was measured, when it was measured. Reward is set only when the call
// completed the task; Granted is the ledger outcome for hearts rewards.
type Completion struct {
	Outcome Outcome
	Task    Task
	Ratio   float64
	Reward  rewards.Reward
	Granted *hearts.Result
}

type TaskStatus struct {
	Task  Task
	Ratio float64
}

type Status struct {
	Mission  Mission
	Assigned bool
	Tasks    []TaskStatus
}

type Service struct {
	store       kv.Store
	catalog     *Catalog
	progress    *progress.Aggregator
	ledger      *hearts.Ledger
	loc         *time.Location
	parallelism int64
}

type Option func(*Service)

func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithStatusParallelism(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.parallelism = int64(n)
		}
	}
}

func NewService(store kv.Store, catalog *Catalog, agg *progress.Aggregator, ledger *hearts.Ledger, opts ...Option) *Service {
	s := &Service{
		store:       store,
		catalog:     catalog,
		progress:    agg,
		ledger:      ledger,
		loc:         time.UTC,
		parallelism: defaultStatusParallelism,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) load(ctx context.Context, user string, p Period) (Mission, bool, error) {
	item, err := s.store.Get(ctx, missionKey(user, p.Key))
	if err != nil {
		return Mission{}, false, fmt.Errorf("failed to load mission: %w", err)
	}
	if item == nil {
		return Mission{}, false, nil
	}
	m, err := decodeMission(user, p.Key, item)
	if err != nil {
		return Mission{}, false, err
	}
	return m, true, nil
}

// Assign creates the user's mission for the period containing now from the
// catalog, unless one exists. Either way the stored mission is returned.
func (s *Service) Assign(ctx context.Context, user string, w Window, now time.Time) (Mission, error) {
	if user == "" {
		return Mission{}, ErrInvalidUser
	}
	p, err := PeriodAt(w, now, s.loc)
	if err != nil {
		return Mission{}, err
	}
	if m, ok, err := s.load(ctx, user, p); err != nil || ok {
		return m, err
	}

	templates, err := s.catalog.Templates(ctx, w)
	if err != nil {
		return Mission{}, err
	}
	if len(templates) == 0 {
		return Mission{}, fmt.Errorf("%w: %s", ErrEmptyCatalog, w)
	}
	m := Mission{User: user, PeriodKey: p.Key, Window: w, Version: 1}
	for _, t := range templates {
		m.Tasks = append(m.Tasks, Task{
			TaskType:     t.TaskType,
			TargetAmount: t.TargetAmount,
			Window:       w,
			Reward:       t.Reward,
		})
	}
	item, err := m.item()
	if err != nil {
		return Mission{}, err
	}
	res, err := s.store.Update(ctx, missionKey(user, p.Key), kv.Update{
		Set:       item,
		Condition: kv.NotExists(kv.AttrPartition),
	})
	if err != nil {
		return Mission{}, fmt.Errorf("failed to assign mission: %w", err)
	}
	if !res.Applied {
		// a concurrent Assign created it first
		return decodeMission(user, p.Key, res.Item)
	}

	slog.Info("Mission assigned",
		slog.String("type", "economy"),
		slog.String("user", user),
		slog.String("period", p.Key),
		slog.Int("tasks", len(m.Tasks)))
	return m, nil
}

// Status measures every task of the current mission. Tasks are measured
// concurrently and nothing is written.
func (s *Service) Status(ctx context.Context, user string, w Window, now time.Time) (Status, error) {
	if user == "" {
		return Status{}, ErrInvalidUser
	}
	p, err := PeriodAt(w, now, s.loc)
	if err != nil {
		return Status{}, err
	}
	m, ok, err := s.load(ctx, user, p)
	if err != nil || !ok {
		return Status{Mission: m}, err
	}

	out := Status{Mission: m, Assigned: true, Tasks: make([]TaskStatus, len(m.Tasks))}
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(s.parallelism)
	for i, task := range m.Tasks {
		out.Tasks[i].Task = task
		if task.Completed {
			out.Tasks[i].Ratio = 1
			continue
		}
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			ratio, err := s.progress.ComputeProgress(gctx, task.measure(), user, p.Start, p.End)
			if err != nil {
				return fmt.Errorf("task %s: %w", task.TaskType, err)
			}
			out.Tasks[i].Ratio = ratio
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Status{}, err
	}
	return out, nil
}

// CompleteTask moves a task of the current mission to completed once its
// progress reaches 1 and grants its reward. The write is conditioned on the
// mission version, so concurrent duplicate requests complete it once; the
// losers observe OutcomeAlreadyCompleted.
//
// When the reward grant fails after the task was persisted as completed, the
// completion is returned together with the error.
func (s *Service) CompleteTask(ctx context.Context, user string, w Window, taskType progress.TaskType, now time.Time) (Completion, error) {
	if user == "" {
		return Completion{}, ErrInvalidUser
	}
	if err := taskType.Validate(); err != nil {
		return Completion{}, err
	}
	p, err := PeriodAt(w, now, s.loc)
	if err != nil {
		return Completion{}, err
	}
	m, ok, err := s.load(ctx, user, p)
	if err != nil {
		return Completion{}, err
	}
	if !ok {
		return Completion{Outcome: OutcomeTaskNotFound}, nil
	}

	measured := false
	var ratio float64
	for attempt := 0; attempt < maxCompleteAttempts; attempt++ {
		idx := m.find(taskType)
		if idx < 0 {
			return Completion{Outcome: OutcomeTaskNotFound}, nil
		}
		task := m.Tasks[idx]
		if task.Completed {
			return Completion{Outcome: OutcomeAlreadyCompleted, Task: task, Ratio: 1}, nil
		}
		if !measured {
			ratio, err = s.progress.ComputeProgress(ctx, task.measure(), user, p.Start, p.End)
			if err != nil {
				return Completion{}, err
			}
			measured = true
		}
		if ratio < 1 {
			return Completion{Outcome: OutcomeNotCompleted, Task: task, Ratio: ratio}, nil
		}

		next := m
		next.Tasks = append([]Task(nil), m.Tasks...)
		next.Tasks[idx].Completed = true
		next.Version = m.Version + 1
		item, err := next.item()
		if err != nil {
			return Completion{}, err
		}
		res, err := s.store.Update(ctx, missionKey(user, p.Key), kv.Update{
			Set: map[string]any{
				attrTasks:   item[attrTasks],
				attrVersion: next.Version,
			},
			Condition: kv.Equal(attrVersion, m.Version),
		})
		if err != nil {
			return Completion{}, fmt.Errorf("failed to complete task: %w", err)
		}
		if !res.Applied {
			if res.Item == nil {
				return Completion{Outcome: OutcomeTaskNotFound}, nil
			}
			if m, err = decodeMission(user, p.Key, res.Item); err != nil {
				return Completion{}, err
			}
			continue
		}

		done := Completion{Outcome: OutcomeCompleted, Task: next.Tasks[idx], Ratio: ratio, Reward: task.Reward}
		slog.Info("Mission task completed",
			slog.String("type", "economy"),
			slog.String("user", user),
			slog.String("period", p.Key),
			slog.String("task", string(taskType)),
			slog.String("reward", task.Reward.String()))
		granted, err := s.grant(ctx, user, task.Reward, now)
		done.Granted = granted
		return done, err
	}
	return Completion{}, kv.Retryable("complete", fmt.Errorf("%w: %s %s", ErrContention, user, p.Key))
}

// grant credits a hearts reward against the daily cap first and falls back
// to an uncapped credit so an earned reward is never lost.
func (s *Service) grant(ctx context.Context, user string, r rewards.Reward, now time.Time) (*hearts.Result, error) {
	amount := r.Hearts()
	if amount == 0 {
		return nil, nil
	}
	today := now.In(s.loc)
	res, err := s.ledger.Credit(ctx, user, amount, today, false)
	if err == nil && res.Outcome == hearts.OutcomeCapped {
		res, err = s.ledger.Credit(ctx, user, amount, today, true)
	}
	if err != nil {
		slog.Error("Failed to grant mission reward",
			slog.String("type", "economy"),
			slog.String("user", user),
			slog.String("reward", r.String()),
			slog.Any("error", err))
		return nil, fmt.Errorf("failed to grant reward %s: %w", r, err)
	}
	return &res, nil
}
