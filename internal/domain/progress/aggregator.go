package progress

import (
	"context"
	"time"

	"github.com/vitalhearts/core/internal/domain/logs"
)

// Aggregator recomputes task progress from log history on every call. It
// holds no state beyond its reader.
type Aggregator struct {
	reader *logs.Reader
	loc    *time.Location
}

func NewAggregator(reader *logs.Reader, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{reader: reader, loc: loc}
}

// ComputeProgress returns the completion ratio of task over
// [windowStart, windowEnd], clamped to [0, 1]. Any page failure fails the
// whole computation.
func (a *Aggregator) ComputeProgress(ctx context.Context, task Task, user string, windowStart, windowEnd time.Time) (float64, error) {
	amount, err := a.Measure(ctx, task, user, windowStart, windowEnd)
	if err != nil {
		return 0, err
	}
	return Ratio(task, amount), nil
}

// Measure returns the raw reduced amount for task over the window.
func (a *Aggregator) Measure(ctx context.Context, task Task, user string, windowStart, windowEnd time.Time) (int64, error) {
	if err := task.Validate(); err != nil {
		return 0, err
	}
	def := taskDefs[task.Type]
	entries, err := a.reader.ReadAll(ctx, user, def.log, logs.TimeRange(windowStart, windowEnd))
	if err != nil {
		return 0, err
	}
	return def.reduce(entries, a.loc), nil
}

// Reduce folds already materialised entries for task.
func Reduce(task Task, entries []logs.Entry, loc *time.Location) int64 {
	def, ok := taskDefs[task.Type]
	if !ok {
		return 0
	}
	if loc == nil {
		loc = time.UTC
	}
	return def.reduce(entries, loc)
}

// Ratio converts a measured amount into a completion ratio in [0, 1].
func Ratio(task Task, amount int64) float64 {
	if task.Target <= 0 || amount <= 0 {
		return 0
	}
	if amount >= task.Target {
		return 1
	}
	return float64(amount) / float64(task.Target)
}
