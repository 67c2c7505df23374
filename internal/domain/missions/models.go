package missions

import (
	"errors"
	"fmt"
	"time"

	"github.com/vitalhearts/core/internal/domain/progress"
	"github.com/vitalhearts/core/internal/domain/rewards"
	"github.com/vitalhearts/core/internal/gateways/kv"
)

var (
	ErrUnknownWindow = errors.New("unknown mission window")
	ErrEmptyCatalog  = errors.New("no task templates for window")
	ErrInvalidUser   = errors.New("user id required")
	ErrDuplicateTask = errors.New("duplicate task type")
	ErrContention    = errors.New("mission row contended")
)

// Window is the length of a mission period.
type Window string

const (
	WindowDay  Window = "day"
	WindowWeek Window = "week"
)

func ParseWindow(s string) (Window, error) {
	switch Window(s) {
	case WindowDay, WindowWeek:
		return Window(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownWindow, s)
}

// Period is one concrete day or ISO week. End is inclusive.
type Period struct {
	Key   string
	Start time.Time
	End   time.Time
}

// PeriodAt returns the period of window containing now, in loc. Days are
// keyed D#2006-01-02 and weeks W#2006-W01; weeks start on Monday.
func PeriodAt(w Window, now time.Time, loc *time.Location) (Period, error) {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	switch w {
	case WindowDay:
		return Period{
			Key:   "D#" + now.Format(time.DateOnly),
			Start: dayStart,
			End:   dayStart.AddDate(0, 0, 1).Add(-time.Millisecond),
		}, nil
	case WindowWeek:
		offset := (int(now.Weekday()) + 6) % 7
		start := dayStart.AddDate(0, 0, -offset)
		year, week := now.ISOWeek()
		return Period{
			Key:   fmt.Sprintf("W#%04d-W%02d", year, week),
			Start: start,
			End:   start.AddDate(0, 0, 7).Add(-time.Millisecond),
		}, nil
	}
	return Period{}, fmt.Errorf("%w: %q", ErrUnknownWindow, string(w))
}

// Template is a catalog task before it is assigned to anyone.
type Template struct {
	TaskType     progress.TaskType `json:"taskType"`
	TargetAmount int64             `json:"targetAmount"`
	Reward       rewards.Reward    `json:"reward"`
}

func (t Template) Validate() error {
	return progress.Task{Type: t.TaskType, Target: t.TargetAmount}.Validate()
}

// Task is an assigned template. Completed only ever moves from false to true.
type Task struct {
	TaskType     progress.TaskType `json:"taskType"`
	TargetAmount int64             `json:"targetAmount"`
	Window       Window            `json:"window"`
	Completed    bool              `json:"completed"`
	Reward       rewards.Reward    `json:"reward"`
}

func (t Task) measure() progress.Task {
	return progress.Task{Type: t.TaskType, Target: t.TargetAmount}
}

// Mission is one user's task set for one period.
type Mission struct {
	User      string
	PeriodKey string
	Window    Window
	Tasks     []Task
	Version   int64
}

func (m Mission) find(t progress.TaskType) int {
	for i, task := range m.Tasks {
		if task.TaskType == t {
			return i
		}
	}
	return -1
}

type missionRow struct {
	Window  Window `json:"window"`
	Tasks   []Task `json:"tasks"`
	Version int64  `json:"version"`
}

const (
	attrTasks   = "tasks"
	attrVersion = "version"
)

func missionKey(user, periodKey string) kv.Key {
	return kv.Key{Partition: "USER#" + user, Sort: "MISSION#" + periodKey}
}

func (m Mission) item() (kv.Item, error) {
	return kv.MarshalItem(missionRow{Window: m.Window, Tasks: m.Tasks, Version: m.Version})
}

func decodeMission(user, periodKey string, item kv.Item) (Mission, error) {
	var row missionRow
	if err := kv.UnmarshalItem(item, &row); err != nil {
		return Mission{}, err
	}
	return Mission{
		User:      user,
		PeriodKey: periodKey,
		Window:    row.Window,
		Tasks:     row.Tasks,
		Version:   row.Version,
	}, nil
}
