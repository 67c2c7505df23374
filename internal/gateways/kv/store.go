package kv

import (
	"context"
	"fmt"
)

// Attribute names every backend uses for the primary key.
const (
	AttrPartition = "pk"
	AttrSort      = "sk"
)

// MaxBatchSize is the largest number of records a single BatchWrite accepts.
const MaxBatchSize = 25

// Key addresses a single row.
type Key struct {
	Partition string
	Sort      string
}

func (k Key) String() string {
	return k.Partition + "/" + k.Sort
}

// Validate rejects keys with an empty component.
func (k Key) Validate() error {
	if k.Partition == "" || k.Sort == "" {
		return fmt.Errorf("%w: %q", ErrInvalidKey, k.String())
	}
	return nil
}

// Position is the store-native "last evaluated key" of a query page. Callers
// outside the cursor codec must treat it as opaque.
type Position map[string]any

// Record pairs a key with the attributes to write.
type Record struct {
	Key  Key
	Item Item
}

// Query selects a sort-key range inside one partition. Empty Start or End
// leaves that side of the range open.
type Query struct {
	Partition      string
	Start          string
	End            string
	Limit          int
	Descending     bool
	ExclusiveStart Position
}

// QueryResult holds one page. LastKey is nil when the store reports no more
// data beyond Items.
type QueryResult struct {
	Items   []Item
	LastKey Position
}

// Update describes a single-row write. The write applies only when Condition
// holds against the current row (an absent row is evaluated as an empty item).
type Update struct {
	Set       map[string]any
	Add       map[string]int64
	Append    map[string][]any
	Condition Condition
}

// UpdateResult reports whether the conditional write applied. Item is the row
// after the write when Applied, otherwise the current row (nil if absent).
type UpdateResult struct {
	Applied bool
	Item    Item
}

// Store is the key-value table consumed by the economy core. Implementations
// must make Update atomic per row.
type Store interface {
	Get(ctx context.Context, key Key) (Item, error)
	Put(ctx context.Context, key Key, item Item) error
	Update(ctx context.Context, key Key, update Update) (UpdateResult, error)
	Query(ctx context.Context, query Query) (QueryResult, error)
	BatchWrite(ctx context.Context, records []Record) error
}

// Migrator is implemented by backends that need a table or index provisioned.
type Migrator interface {
	EnsureSchema(ctx context.Context) error
}

// InRange reports whether sk lies inside the (possibly open) query range.
func (q Query) InRange(sk string) bool {
	if q.Start != "" && sk < q.Start {
		return false
	}
	if q.End != "" && sk > q.End {
		return false
	}
	return true
}

// PositionFor builds the position a backend reports for the last item of a page.
func PositionFor(item Item) Position {
	return Position{
		AttrPartition: item.String(AttrPartition),
		AttrSort:      item.String(AttrSort),
	}
}

// SortKeyOf returns the sort key recorded in a position, or "" when absent.
func (p Position) SortKeyOf() string {
	s, _ := p[AttrSort].(string)
	return s
}

// PartitionOf returns the partition key recorded in a position, or "" when absent.
func (p Position) PartitionOf() string {
	s, _ := p[AttrPartition].(string)
	return s
}
