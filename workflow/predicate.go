package workflow

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PREDICATE - Definition selection condition
// =============================================================================

// Op is a predicate operator.
type Op string

const (
	OpAnd Op = "and"
	OpOr  Op = "or"
	OpNot Op = "not"
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpIn  Op = "in"
)

// Facts are the request attributes a predicate can test: leaveType, region,
// totalDays, designation, isHalfDay, approvalLevels.
type Facts map[string]any

// Predicate is a small boolean expression tree.
//
//	{op: and, args: [{op: eq, field: region, value: IN}, {op: gt, field: totalDays, value: 5}]}
type Predicate struct {
	Op    Op           `json:"op" yaml:"op"`
	Field string       `json:"field,omitempty" yaml:"field,omitempty"`
	Value any          `json:"value,omitempty" yaml:"value,omitempty"`
	Args  []*Predicate `json:"args,omitempty" yaml:"args,omitempty"`
}

// Clone returns a deep copy. Values are scalars or slices of scalars.
func (p *Predicate) Clone() *Predicate {
	if p == nil {
		return nil
	}
	clone := &Predicate{Op: p.Op, Field: p.Field, Value: p.Value}
	if list, ok := p.Value.([]any); ok {
		clone.Value = append([]any(nil), list...)
	}
	if len(p.Args) > 0 {
		clone.Args = make([]*Predicate, len(p.Args))
		for i, a := range p.Args {
			clone.Args[i] = a.Clone()
		}
	}
	return clone
}

// Validate checks operators and arity. A nil predicate is valid and matches everything.
func (p *Predicate) Validate() error {
	if p == nil {
		return nil
	}
	switch p.Op {
	case OpAnd, OpOr:
		if len(p.Args) == 0 {
			return fmt.Errorf("predicate %s needs at least one argument", p.Op)
		}
	case OpNot:
		if len(p.Args) != 1 {
			return fmt.Errorf("predicate not needs exactly one argument")
		}
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte:
		if p.Field == "" {
			return fmt.Errorf("predicate %s needs a field", p.Op)
		}
		return nil
	case OpIn:
		if p.Field == "" {
			return fmt.Errorf("predicate in needs a field")
		}
		if _, ok := p.Value.([]any); !ok {
			return fmt.Errorf("predicate in needs a list value")
		}
		return nil
	default:
		return fmt.Errorf("unknown predicate operator %q", p.Op)
	}
	for i, a := range p.Args {
		if a == nil {
			return fmt.Errorf("predicate %s argument %d is empty", p.Op, i)
		}
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Matches evaluates the predicate. Missing facts never match a comparison.
func (p *Predicate) Matches(facts Facts) bool {
	if p == nil {
		return true
	}
	switch p.Op {
	case OpAnd:
		for _, a := range p.Args {
			if !a.Matches(facts) {
				return false
			}
		}
		return true
	case OpOr:
		for _, a := range p.Args {
			if a.Matches(facts) {
				return true
			}
		}
		return false
	case OpNot:
		return len(p.Args) == 1 && !p.Args[0].Matches(facts)
	}

	actual, ok := facts[p.Field]
	if !ok || actual == nil {
		return false
	}
	switch p.Op {
	case OpEq:
		return equalValues(actual, p.Value)
	case OpNeq:
		return !equalValues(actual, p.Value)
	case OpIn:
		list, _ := p.Value.([]any)
		for _, v := range list {
			if equalValues(actual, v) {
				return true
			}
		}
		return false
	case OpGt, OpGte, OpLt, OpLte:
		a, okA := toDecimal(actual)
		b, okB := toDecimal(p.Value)
		if !okA || !okB {
			return false
		}
		cmp := a.Cmp(b)
		switch p.Op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	}
	return false
}

func equalValues(a, b any) bool {
	da, okA := toDecimal(a)
	db, okB := toDecimal(b)
	if okA && okB {
		return da.Equal(db)
	}
	return strings.EqualFold(fmt.Sprint(a), fmt.Sprint(b))
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case int32:
		return decimal.NewFromInt(int64(n)), true
	case uint64:
		return decimal.NewFromInt(int64(n)), true
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	}
	return decimal.Decimal{}, false
}
