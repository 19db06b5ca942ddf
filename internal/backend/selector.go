package backend

import (
	"reflect"
)

// Operator is a selector leaf's comparison operator.
type Operator int

const (
	OpEQ Operator = iota
	OpNE
	OpLT
	OpLE
	OpGT
	OpGE
)

// Mode combines a Selector's children: AND requires every child to
// match, OR requires at least one.
type Mode int

const (
	ModeAND Mode = iota
	ModeOR
)

// Leaf is a single comparison: column Name, Operator, and the value to
// compare against.
type Leaf struct {
	Name     string
	Operator Operator
	Value    any
}

// Selector is a tree of leaves combined by AND/OR nodes. Drivers that
// can express this natively
// (e.g. Mongo's $and/$or/$eq/...) translate it directly; drivers that
// cannot (the in-memory reference driver) evaluate it with Matches.
type Selector struct {
	Mode     Mode
	Leaves   []Leaf
	Children []*Selector
}

// Matches evaluates the selector tree against row, used by drivers
// with no native query language of their own (the in-memory reference
// driver). Mongo's driver instead compiles the tree into a filter
// document and never calls this.
func (s *Selector) Matches(row Row) (bool, error) {
	if s == nil {
		return true, nil
	}
	results := make([]bool, 0, len(s.Leaves)+len(s.Children))
	for _, leaf := range s.Leaves {
		ok, err := leaf.matches(row)
		if err != nil {
			return false, err
		}
		results = append(results, ok)
	}
	for _, child := range s.Children {
		ok, err := child.Matches(row)
		if err != nil {
			return false, err
		}
		results = append(results, ok)
	}
	if len(results) == 0 {
		return true, nil
	}
	switch s.Mode {
	case ModeAND:
		for _, r := range results {
			if !r {
				return false, nil
			}
		}
		return true, nil
	case ModeOR:
		for _, r := range results {
			if r {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, NewDBError(ErrOperatorInvalid, "unknown selector mode %d", s.Mode)
	}
}

func (l Leaf) matches(row Row) (bool, error) {
	actual, ok := row[l.Name]
	if !ok {
		return false, nil
	}
	cmp, err := compare(actual, l.Value)
	if err != nil {
		return false, err
	}
	switch l.Operator {
	case OpEQ:
		return cmp == 0, nil
	case OpNE:
		return cmp != 0, nil
	case OpLT:
		return cmp < 0, nil
	case OpLE:
		return cmp <= 0, nil
	case OpGT:
		return cmp > 0, nil
	case OpGE:
		return cmp >= 0, nil
	default:
		return false, NewDBError(ErrOperatorInvalid, "unknown operator %d", l.Operator)
	}
}

// compare returns -1, 0, or 1 comparing a to b; both must be one of the
// numeric types, string, or []byte, and must agree in kind.
func compare(a, b any) (int, error) {
	af, aIsNum := toFloat(a)
	bf, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		switch {
		case as < bs:
			return -1, nil
		case as > bs:
			return 1, nil
		default:
			return 0, nil
		}
	}
	if ab, ok := a.([]byte); ok {
		if bb, ok := b.([]byte); ok {
			return compareBytes(ab, bb), nil
		}
	}
	return 0, NewDBError(ErrDBTypeInvalid, "cannot compare %s to %s", reflect.TypeOf(a), reflect.TypeOf(b))
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
