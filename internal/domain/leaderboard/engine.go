package leaderboard

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/vitalhearts/core/internal/domain/counters"
	"github.com/vitalhearts/core/internal/domain/hearts"
	"github.com/vitalhearts/core/internal/domain/logs"
	"github.com/vitalhearts/core/internal/domain/rewards"
)

var (
	ErrReservedGame = errors.New("game id is reserved")
	ErrInvalidMode  = errors.New("unknown submit mode")
)

const DefaultStreakGame = "streak"

type Mode string

const (
	ModeImproveOnly Mode = "improveOnly"
	ModeForce       Mode = "force"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeImproveOnly, ModeForce:
		return Mode(s), nil
	case "":
		return ModeImproveOnly, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Milestone is a streak length that grants a reward when reached.
type Milestone struct {
	Streak int64
	Reward rewards.Reward
}

// DefaultMilestones are granted when the streak counter lands exactly on the
// listed value.
var DefaultMilestones = []Milestone{
	{Streak: 2, Reward: rewards.TwoHearts},
	{Streak: 5, Reward: rewards.TenHearts},
	{Streak: 15, Reward: rewards.TenHearts},
	{Streak: 30, Reward: rewards.External("streak30")},
}

// ScoreResult is the outcome of a score submission. Applied is false on a
// noop, and Entry then holds the stored score that won.
type ScoreResult struct {
	Entry   counters.Entry
	Applied bool
}

// StreakResult reports one visit. Counted is false when the day was already
// recorded; Reward is set only on the call that claimed a milestone.
type StreakResult struct {
	Counted bool
	Streak  int64
	Reward  rewards.Reward
	// Granted is the ledger outcome of a hearts reward. External rewards are
	// fulfilled by the caller.
	Granted *hearts.Result
}

type Standing struct {
	Rank  int
	User  string
	Score int64
}

type Engine struct {
	counters   *counters.Store
	presence   *logs.Appender
	ledger     *hearts.Ledger
	streakGame string
	milestones []Milestone
	pageSize   int
	maxPages   int
}

type Option func(*Engine)

func WithStreakGame(game string) Option {
	return func(e *Engine) {
		if game != "" {
			e.streakGame = game
		}
	}
}

func WithMilestones(ms []Milestone) Option {
	return func(e *Engine) { e.milestones = ms }
}

// WithPaging bounds Standings reads.
func WithPaging(pageSize, maxPages int) Option {
	return func(e *Engine) {
		if pageSize > 0 {
			e.pageSize = pageSize
		}
		if maxPages > 0 {
			e.maxPages = maxPages
		}
	}
}

func NewEngine(c *counters.Store, presence *logs.Appender, ledger *hearts.Ledger, opts ...Option) *Engine {
	e := &Engine{
		counters:   c,
		presence:   presence,
		ledger:     ledger,
		streakGame: DefaultStreakGame,
		milestones: DefaultMilestones,
		pageSize:   logs.DefaultPageSize,
		maxPages:   logs.DefaultMaxPages,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) checkGame(game string) error {
	if game == e.streakGame {
		return fmt.Errorf("%w: %s", ErrReservedGame, game)
	}
	return nil
}

// SubmitScore posts a game score. Improve-only submissions keep the higher
// score; force overwrites.
func (e *Engine) SubmitScore(ctx context.Context, game, user string, score int64, mode Mode) (ScoreResult, error) {
	if err := e.checkGame(game); err != nil {
		return ScoreResult{}, err
	}
	subj := counters.Subject{Game: game, User: user}
	switch mode {
	case ModeForce:
		entry, err := e.counters.ForceSet(ctx, subj, score)
		if err != nil {
			return ScoreResult{}, err
		}
		return ScoreResult{Entry: entry, Applied: true}, nil
	case ModeImproveOnly:
		entry, applied, err := e.counters.SetIfBetter(ctx, subj, score, counters.Ascending)
		if err != nil {
			return ScoreResult{}, err
		}
		return ScoreResult{Entry: entry, Applied: applied}, nil
	}
	return ScoreResult{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
}

func (e *Engine) IncrementScore(ctx context.Context, game, user string, delta int64) (counters.Entry, error) {
	if err := e.checkGame(game); err != nil {
		return counters.Entry{}, err
	}
	return e.counters.Increment(ctx, counters.Subject{Game: game, User: user}, delta)
}

// Standings ranks every entry of a game, best first. Ties share a rank.
// limit <= 0 returns all of them.
func (e *Engine) Standings(ctx context.Context, game string, order counters.Order, limit int) ([]Standing, error) {
	entries, err := e.counters.List(ctx, game, e.pageSize, e.maxPages)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(entries, func(a, b counters.Entry) int {
		if c := cmp.Compare(a.Score, b.Score); c != 0 {
			if order == counters.Descending {
				return c
			}
			return -c
		}
		return cmp.Compare(a.Subject.User, b.Subject.User)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]Standing, len(entries))
	for i, entry := range entries {
		rank := i + 1
		if i > 0 && entry.Score == entries[i-1].Score {
			rank = out[i-1].Rank
		}
		out[i] = Standing{Rank: rank, User: entry.Subject.User, Score: entry.Score}
	}
	return out, nil
}

// Streak returns the user's current streak counter, 0 when never visited.
func (e *Engine) Streak(ctx context.Context, user string) (int64, error) {
	entry, _, err := e.counters.Get(ctx, counters.Subject{Game: e.streakGame, User: user})
	if err != nil {
		return 0, err
	}
	return entry.Score, nil
}

// BumpStreak records a visit on today's calendar day. The first visit of a
// day continues the streak when yesterday was recorded and restarts it at 1
// otherwise. The counter row remembers the day it last counted, so a call
// repeated after a failure still counts the day exactly once. Milestones are
// decided on the counter value of that day and claimed on the row before
// they are granted.
func (e *Engine) BumpStreak(ctx context.Context, user string, today time.Time) (StreakResult, error) {
	subj := counters.Subject{Game: e.streakGame, User: user}
	if err := subj.Validate(); err != nil {
		return StreakResult{}, err
	}
	day := today.Format(time.DateOnly)

	if _, err := e.presence.MarkPresence(ctx, user, today); err != nil {
		return StreakResult{}, err
	}
	continued, err := e.presence.HasPresence(ctx, user, today.AddDate(0, 0, -1))
	if err != nil {
		return StreakResult{}, err
	}
	entry, counted, err := e.counters.Advance(ctx, subj, day, continued)
	if err != nil {
		return StreakResult{}, err
	}

	res := StreakResult{Counted: counted, Streak: entry.Score}
	if entry.LastDay != day || entry.RewardedDay == day {
		return res, nil
	}
	m, ok := e.milestoneAt(entry.Score)
	if !ok {
		return res, nil
	}
	claimed, err := e.counters.ClaimReward(ctx, subj, day)
	if err != nil {
		return res, fmt.Errorf("failed to claim streak milestone %d: %w", m.Streak, err)
	}
	if !claimed {
		return res, nil
	}

	res.Reward = m.Reward
	if amount := m.Reward.Hearts(); amount > 0 {
		granted, err := e.ledger.Credit(ctx, user, amount, today, true)
		if err != nil {
			if rerr := e.counters.ReleaseReward(ctx, subj, day); rerr != nil {
				slog.LogAttrs(ctx, slog.LevelError, "Failed to release streak milestone claim",
					slog.String("type", "economy"),
					slog.String("user", user),
					slog.Int64("streak", entry.Score),
					slog.Any("error", rerr))
			}
			return StreakResult{Counted: counted, Streak: entry.Score},
				fmt.Errorf("failed to grant streak milestone %d: %w", m.Streak, err)
		}
		res.Granted = &granted
	}
	slog.LogAttrs(ctx, slog.LevelInfo, "Streak milestone reached",
		slog.String("type", "economy"),
		slog.String("user", user),
		slog.Int64("streak", entry.Score),
		slog.String("reward", m.Reward.String()))
	return res, nil
}

func (e *Engine) milestoneAt(streak int64) (Milestone, bool) {
	for _, m := range e.milestones {
		if m.Streak == streak {
			return m, true
		}
	}
	return Milestone{}, false
}
