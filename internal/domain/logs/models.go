package logs

import (
	"errors"
	"fmt"
	"time"

	"github.com/vitalhearts/core/internal/gateways/kv"
)

var (
	ErrRangeTooLarge = errors.New("range too large")
	ErrUnknownType   = errors.New("unknown log type")
	ErrInvalidLimit  = errors.New("page limit must be positive")
	ErrInvalidUser   = errors.New("user id required")
	ErrEntryNotFound = errors.New("log entry not found")
)

// Type names an append log.
type Type string

const (
	TypeDataEntry Type = "dataEntry"
	TypeChat      Type = "chat"
	TypeGlucose   Type = "glucose"
	TypeStreak    Type = "streak"
)

// Types lists every known log type.
var Types = []Type{TypeDataEntry, TypeChat, TypeGlucose, TypeStreak}

// Descending reports the fixed read order of the log. Chat history reads
// newest first; everything else oldest first.
func (t Type) Descending() bool {
	return t == TypeChat
}

func (t Type) Validate() error {
	for _, known := range Types {
		if t == known {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownType, string(t))
}

// Partition is the store partition holding one user's log of this type.
func (t Type) Partition(user string) string {
	return "LOG#" + string(t) + "#" + user
}

// Sub-entry kinds recorded inside a data entry.
const (
	KindFood     = "food"
	KindWater    = "water"
	KindExercise = "exercise"
	KindGlucose  = "glucose"
	KindMessage  = "message"
)

type SubEntry struct {
	Kind   string `json:"kind"`
	Amount int64  `json:"amount"`
}

// Entry is one row of an append log.
type Entry struct {
	User    string
	Type    Type
	SortKey string
	At      time.Time
	Entries []SubEntry
	Source  string
}

type entryRow struct {
	At      int64      `json:"at"`
	Entries []SubEntry `json:"entries"`
	Source  string     `json:"source,omitempty"`
}

func (e Entry) key() kv.Key {
	return kv.Key{Partition: e.Type.Partition(e.User), Sort: e.SortKey}
}

func (e Entry) item() (kv.Item, error) {
	subs := e.Entries
	if subs == nil {
		subs = []SubEntry{}
	}
	return kv.MarshalItem(entryRow{At: e.At.UnixMilli(), Entries: subs, Source: e.Source})
}

func decodeEntry(user string, typ Type, item kv.Item) (Entry, error) {
	var row entryRow
	if err := kv.UnmarshalItem(item, &row); err != nil {
		return Entry{}, err
	}
	return Entry{
		User:    user,
		Type:    typ,
		SortKey: item.String(kv.AttrSort),
		At:      time.UnixMilli(row.At),
		Entries: row.Entries,
		Source:  row.Source,
	}, nil
}

// Range is an inclusive sort-key range. Empty bounds are open.
type Range struct {
	Start string
	End   string
}

func (r Range) contains(sk string) bool {
	return kv.Query{Start: r.Start, End: r.End}.InRange(sk)
}

// TimeRange covers every time-keyed entry written in [from, to].
func TimeRange(from, to time.Time) Range {
	return Range{Start: lowerSortKey(from), End: upperSortKey(to)}
}

// DateRange covers the date-keyed presence entries for [from, to].
func DateRange(from, to time.Time) Range {
	return Range{Start: DateKey(from), End: DateKey(to)}
}

// Span is the range of this log covering [from, to]: presence dates for the
// streak log, snowflake keys for the others.
func (t Type) Span(from, to time.Time) Range {
	if t == TypeStreak {
		return DateRange(from, to)
	}
	return TimeRange(from, to)
}

// DateKey is the sort key of a presence entry.
func DateKey(t time.Time) string {
	return t.Format(time.DateOnly)
}
