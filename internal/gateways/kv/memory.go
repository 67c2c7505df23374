package kv

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Store. Pages behave like DynamoDB: LastKey is set
// whenever a page fills its limit, even if nothing follows.
type Memory struct {
	mu   sync.Mutex
	rows map[string]map[string]Item
}

func NewMemory() *Memory {
	return &Memory{rows: make(map[string]map[string]Item)}
}

func (m *Memory) EnsureSchema(context.Context) error { return nil }

func (m *Memory) Get(ctx context.Context, key Key) (Item, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[key.Partition][key.Sort].Clone(), nil
}

func (m *Memory) Put(ctx context.Context, key Key, item Item) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	row, err := NormalizeItem(item)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(key, row)
	return nil
}

func (m *Memory) put(key Key, row Item) {
	if row == nil {
		row = Item{}
	}
	row[AttrPartition] = key.Partition
	row[AttrSort] = key.Sort
	part, ok := m.rows[key.Partition]
	if !ok {
		part = make(map[string]Item)
		m.rows[key.Partition] = part
	}
	part[key.Sort] = row
}

func (m *Memory) Update(ctx context.Context, key Key, u Update) (UpdateResult, error) {
	if err := key.Validate(); err != nil {
		return UpdateResult{}, err
	}
	if err := u.Validate(); err != nil {
		return UpdateResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return UpdateResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.rows[key.Partition][key.Sort]
	if !u.Condition.Eval(cur) {
		return UpdateResult{Applied: false, Item: cur.Clone()}, nil
	}
	next, err := u.ApplyTo(cur, key)
	if err != nil {
		return UpdateResult{}, err
	}
	m.put(key, next)
	return UpdateResult{Applied: true, Item: next.Clone()}, nil
}

func (m *Memory) Query(ctx context.Context, q Query) (QueryResult, error) {
	if q.Partition == "" || q.Limit <= 0 {
		return QueryResult{}, fmt.Errorf("%w: partition and positive limit required", ErrInvalidQuery)
	}
	if err := ctx.Err(); err != nil {
		return QueryResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	part := m.rows[q.Partition]
	keys := make([]string, 0, len(part))
	for sk := range part {
		if q.InRange(sk) {
			keys = append(keys, sk)
		}
	}
	sort.Strings(keys)
	if q.Descending {
		sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	}

	after := ""
	if q.ExclusiveStart != nil {
		after = q.ExclusiveStart.SortKeyOf()
	}

	var res QueryResult
	for _, sk := range keys {
		if after != "" {
			if !q.Descending && sk <= after {
				continue
			}
			if q.Descending && sk >= after {
				continue
			}
		}
		res.Items = append(res.Items, part[sk].Clone())
		if len(res.Items) == q.Limit {
			res.LastKey = PositionFor(res.Items[len(res.Items)-1])
			break
		}
	}
	return res, nil
}

func (m *Memory) BatchWrite(ctx context.Context, records []Record) error {
	if len(records) > MaxBatchSize {
		return fmt.Errorf("%w: %d records", ErrBatchTooLarge, len(records))
	}
	rows := make([]Item, len(records))
	for i, r := range records {
		if err := r.Key.Validate(); err != nil {
			return err
		}
		row, err := NormalizeItem(r.Item)
		if err != nil {
			return err
		}
		rows[i] = row
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range records {
		m.put(r.Key, rows[i])
	}
	return nil
}
