package progress

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sahilm/fuzzy"

	"github.com/vitalhearts/core/internal/domain/logs"
)

var (
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrInvalidTarget   = errors.New("task target must be positive")
)

// TaskType names what a task measures.
type TaskType string

const (
	TaskFoodEntry       TaskType = "foodEntry"
	TaskWaterIntake     TaskType = "waterIntake"
	TaskExerciseMinutes TaskType = "exerciseMinutes"
	TaskLoggingDays     TaskType = "loggingDays"
	TaskGlucoseReading  TaskType = "glucoseReading"
	TaskChatMessage     TaskType = "chatMessage"
)

// reducer folds a window of log entries into the task's measured amount.
type reducer func(entries []logs.Entry, loc *time.Location) int64

type taskDef struct {
	log    logs.Type
	reduce reducer
}

var taskDefs = map[TaskType]taskDef{
	TaskFoodEntry:       {log: logs.TypeDataEntry, reduce: countKind(logs.KindFood)},
	TaskWaterIntake:     {log: logs.TypeDataEntry, reduce: sumKind(logs.KindWater)},
	TaskExerciseMinutes: {log: logs.TypeDataEntry, reduce: sumKind(logs.KindExercise)},
	TaskLoggingDays:     {log: logs.TypeDataEntry, reduce: distinctDays},
	TaskGlucoseReading:  {log: logs.TypeGlucose, reduce: countEntries},
	TaskChatMessage:     {log: logs.TypeChat, reduce: countEntries},
}

// TaskTypes lists every known task type in a stable order.
var TaskTypes = []TaskType{
	TaskFoodEntry,
	TaskWaterIntake,
	TaskExerciseMinutes,
	TaskLoggingDays,
	TaskGlucoseReading,
	TaskChatMessage,
}

type taskNames []TaskType

func (n taskNames) Len() int            { return len(n) }
func (n taskNames) String(i int) string { return strings.ToLower(string(n[i])) }

// ParseTaskType resolves a task type name. An unknown name is rejected with
// the closest known name in the error.
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(s)
	if _, ok := taskDefs[t]; ok {
		return t, nil
	}
	if matches := fuzzy.FindFrom(strings.ToLower(s), taskNames(TaskTypes)); len(matches) > 0 {
		return "", fmt.Errorf("%w: %q (did you mean %q?)", ErrUnknownTaskType, s, TaskTypes[matches[0].Index])
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTaskType, s)
}

func (t TaskType) Validate() error {
	if _, ok := taskDefs[t]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTaskType, string(t))
	}
	return nil
}

// Log is the log type the task is measured over.
func (t TaskType) Log() logs.Type {
	return taskDefs[t].log
}

// Task is the measurable part of a mission task.
type Task struct {
	Type   TaskType
	Target int64
}

func (t Task) Validate() error {
	if err := t.Type.Validate(); err != nil {
		return err
	}
	if t.Target <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTarget, t.Target)
	}
	return nil
}

func countKind(kind string) reducer {
	return func(entries []logs.Entry, _ *time.Location) int64 {
		var n int64
		for _, e := range entries {
			for _, sub := range e.Entries {
				if sub.Kind == kind {
					n++
				}
			}
		}
		return n
	}
}

func sumKind(kind string) reducer {
	return func(entries []logs.Entry, _ *time.Location) int64 {
		var total int64
		for _, e := range entries {
			for _, sub := range e.Entries {
				if sub.Kind == kind && sub.Amount > 0 {
					total += sub.Amount
				}
			}
		}
		return total
	}
}

func distinctDays(entries []logs.Entry, loc *time.Location) int64 {
	days := make(map[string]struct{})
	for _, e := range entries {
		days[e.At.In(loc).Format(time.DateOnly)] = struct{}{}
	}
	return int64(len(days))
}

func countEntries(entries []logs.Entry, _ *time.Location) int64 {
	return int64(len(entries))
}
