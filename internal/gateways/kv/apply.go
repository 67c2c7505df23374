package kv

import "fmt"

// ApplyTo returns the row that results from applying u to cur. cur is not
// modified; a nil cur is an absent row. Backends that cannot express the
// update natively use this to compute the new row.
func (u Update) ApplyTo(cur Item, key Key) (Item, error) {
	next := cur.Clone()
	if next == nil {
		next = Item{}
	}
	next[AttrPartition] = key.Partition
	next[AttrSort] = key.Sort

	for name, v := range u.Set {
		n, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("set %s: %w", name, err)
		}
		next[name] = n
	}
	for name, delta := range u.Add {
		base := int64(0)
		if v, ok := next[name]; ok {
			n, ok := toInt64(v)
			if !ok {
				return nil, fmt.Errorf("%w: add to non-numeric attribute %s", ErrUnsupportedVal, name)
			}
			base = n
		}
		next[name] = base + delta
	}
	for name, vs := range u.Append {
		var list []any
		if v, ok := next[name]; ok {
			l, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: append to non-list attribute %s", ErrUnsupportedVal, name)
			}
			list = l
		}
		for _, e := range vs {
			n, err := Normalize(e)
			if err != nil {
				return nil, fmt.Errorf("append %s: %w", name, err)
			}
			list = append(list, n)
		}
		next[name] = list
	}
	return next, nil
}

// Validate rejects empty updates, updates that touch the key attributes, and
// updates naming an attribute in more than one action.
func (u Update) Validate() error {
	if len(u.Set)+len(u.Add)+len(u.Append) == 0 {
		return fmt.Errorf("%w: empty update", ErrInvalidQuery)
	}
	seen := make(map[string]struct{})
	check := func(name string) error {
		if name == AttrPartition || name == AttrSort {
			return fmt.Errorf("%w: update may not modify %s", ErrInvalidQuery, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: attribute %s used twice", ErrInvalidQuery, name)
		}
		seen[name] = struct{}{}
		return nil
	}
	for name := range u.Set {
		if err := check(name); err != nil {
			return err
		}
	}
	for name := range u.Add {
		if err := check(name); err != nil {
			return err
		}
	}
	for name := range u.Append {
		if err := check(name); err != nil {
			return err
		}
	}
	return nil
}
