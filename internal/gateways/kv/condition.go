package kv

// Op identifies a condition node.
type Op int

const (
	OpNone Op = iota
	OpNotExists
	OpExists
	OpEqual
	OpNotEqual
	OpLess
	OpLessOrEqual
	OpGreater
	OpGreaterOrEqual
	OpAnd
	OpOr
)

// Condition is a server-evaluated predicate over the current row. The zero
// value always holds. A comparison against a missing attribute is false.
type Condition struct {
	op       Op
	name     string
	value    any
	children []Condition
}

func NotExists(name string) Condition { return Condition{op: OpNotExists, name: name} }
func Exists(name string) Condition    { return Condition{op: OpExists, name: name} }

func Equal(name string, v any) Condition       { return compare(OpEqual, name, v) }
func NotEqual(name string, v any) Condition    { return compare(OpNotEqual, name, v) }
func Less(name string, v any) Condition        { return compare(OpLess, name, v) }
func LessOrEqual(name string, v any) Condition { return compare(OpLessOrEqual, name, v) }
func Greater(name string, v any) Condition     { return compare(OpGreater, name, v) }

func GreaterOrEqual(name string, v any) Condition {
	return compare(OpGreaterOrEqual, name, v)
}

func compare(op Op, name string, v any) Condition {
	if n, ok := toInt64(v); ok {
		v = n
	}
	return Condition{op: op, name: name, value: v}
}

// And holds when every non-zero child holds.
func And(cs ...Condition) Condition { return group(OpAnd, cs) }

// Or holds when any non-zero child holds.
func Or(cs ...Condition) Condition { return group(OpOr, cs) }

func group(op Op, cs []Condition) Condition {
	kept := make([]Condition, 0, len(cs))
	for _, c := range cs {
		if !c.IsZero() {
			kept = append(kept, c)
		}
	}
	switch len(kept) {
	case 0:
		return Condition{}
	case 1:
		return kept[0]
	}
	return Condition{op: op, children: kept}
}

func (c Condition) IsZero() bool          { return c.op == OpNone }
func (c Condition) Op() Op                { return c.op }
func (c Condition) Name() string          { return c.name }
func (c Condition) Value() any            { return c.value }
func (c Condition) Children() []Condition { return c.children }

// Eval evaluates the condition against item; a nil item is an absent row.
func (c Condition) Eval(item Item) bool {
	switch c.op {
	case OpNone:
		return true
	case OpNotExists:
		_, ok := item[c.name]
		return !ok
	case OpExists:
		_, ok := item[c.name]
		return ok
	case OpAnd:
		for _, ch := range c.children {
			if !ch.Eval(item) {
				return false
			}
		}
		return true
	case OpOr:
		for _, ch := range c.children {
			if ch.Eval(item) {
				return true
			}
		}
		return false
	}

	cur, ok := item[c.name]
	if !ok {
		return false
	}
	cmp, ok := compareValues(cur, c.value)
	if !ok {
		// mismatched types only satisfy "not equal"
		return c.op == OpNotEqual
	}
	switch c.op {
	case OpEqual:
		return cmp == 0
	case OpNotEqual:
		return cmp != 0
	case OpLess:
		return cmp < 0
	case OpLessOrEqual:
		return cmp <= 0
	case OpGreater:
		return cmp > 0
	case OpGreaterOrEqual:
		return cmp >= 0
	}
	return false
}

func compareValues(a, b any) (int, bool) {
	if x, ok := toInt64(a); ok {
		y, ok := toInt64(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if x == y {
			return 0, true
		}
		return 1, true
	}
	return 0, false
}
