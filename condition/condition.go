// Package condition implements the boolean/comparison evaluator for
// condition trees described in spec.md §4.3 (C3): AND/OR groups whose leaf
// conditions may compare literals or REF: expressions.
package condition

import (
	"context"
	"fmt"
	"strings"

	"github.com/jarosser06/ratio-sub000/reference"
	"github.com/jarosser06/ratio-sub000/telemetry"
)

// Logic combines a Group's children.
type Logic string

const (
	LogicAND Logic = "AND"
	LogicOR  Logic = "OR"
)

// Operator is one of the comparison/existence operators from spec.md §4.3.
type Operator string

const (
	OpEquals              Operator = "equals"
	OpNotEquals           Operator = "not_equals"
	OpExists              Operator = "exists"
	OpNotExists           Operator = "not_exists"
	OpGreaterThan         Operator = "greater_than"
	OpLessThan            Operator = "less_than"
	OpGreaterThanOrEqual  Operator = "greater_than_or_equal"
	OpLessThanOrEqual     Operator = "less_than_or_equal"
	OpContains            Operator = "contains"
	OpNotContains         Operator = "not_contains"
	OpIn                  Operator = "in"
	OpNotIn               Operator = "not_in"
	OpStartsWith          Operator = "starts_with"
	OpEndsWith            Operator = "ends_with"
)

// Condition is a single leaf comparison. Param may be a literal or a REF:
// expression resolved via the reference resolver at evaluation time. Value is
// omitted for exists/not_exists.
type Condition struct {
	Param    any      `json:"param" bson:"param"`
	Operator Operator `json:"operator" bson:"operator"`
	Value    any      `json:"value,omitempty" bson:"value,omitempty"`
}

// Group is a nested boolean combination of children, matching spec.md
// §4.3's recursive grammar: each child Node holds either a leaf Condition or
// another Group, so a Group's conditions list may freely mix both.
type Group struct {
	Logic      Logic   `json:"logic,omitempty" bson:"logic,omitempty"`
	Conditions []Node  `json:"conditions,omitempty" bson:"conditions,omitempty"`
}

// Node is either a Condition or a nested Group. Exactly one of the two
// fields is populated; this mirrors how definitions are decoded from JSON
// (see UnmarshalJSON in codec.go).
type Node struct {
	Condition *Condition
	Group     *Group
}

// Evaluator evaluates condition trees against a reference resolver, logging
// type-mismatched comparisons rather than aborting the enclosing group
// (spec.md §4.3, and the "condition-evaluator mismatch logging" ambient
// addition).
type Evaluator struct {
	resolver *reference.Resolver
	logger   telemetry.Logger
}

// NewEvaluator constructs an Evaluator. logger may be telemetry.NewNoopLogger()
// when diagnostic logging is not needed.
func NewEvaluator(resolver *reference.Resolver, logger telemetry.Logger) *Evaluator {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Evaluator{resolver: resolver, logger: logger}
}

// EvaluateGroup evaluates a Group, recursing into nested conditions/groups.
// An empty group (no conditions) evaluates true.
func (e *Evaluator) EvaluateGroup(ctx context.Context, g *Group, token string) (bool, error) {
	if g == nil || len(g.Conditions) == 0 {
		return true, nil
	}
	logic := g.Logic
	if logic == "" {
		logic = LogicAND
	}
	switch logic {
	case LogicAND:
		for _, node := range g.Conditions {
			ok, err := e.evaluateNode(ctx, node, token)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case LogicOR:
		for _, node := range g.Conditions {
			ok, err := e.evaluateNode(ctx, node, token)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown condition logic %q", logic)
	}
}

// EvaluateList evaluates a flat list of conditions combined with AND, the
// shorthand form used by instruction-level `conditions` fields in spec.md §3.
func (e *Evaluator) EvaluateList(ctx context.Context, nodes []Node, token string) (bool, error) {
	return e.EvaluateGroup(ctx, &Group{Logic: LogicAND, Conditions: nodes}, token)
}

func (e *Evaluator) evaluateNode(ctx context.Context, node Node, token string) (bool, error) {
	if node.Group != nil {
		return e.EvaluateGroup(ctx, node.Group, token)
	}
	if node.Condition != nil {
		return e.evaluateCondition(ctx, node.Condition, token)
	}
	return false, fmt.Errorf("condition node has neither condition nor group")
}

func (e *Evaluator) evaluateCondition(ctx context.Context, c *Condition, token string) (bool, error) {
	param, err := e.resolveOperand(ctx, c.Param, token)
	if err != nil {
		return false, err
	}

	switch c.Operator {
	case OpExists:
		return param != nil, nil
	case OpNotExists:
		return param == nil, nil
	}

	value, err := e.resolveOperand(ctx, c.Value, token)
	if err != nil {
		return false, err
	}

	ok, err := compare(c.Operator, param, value)
	if err != nil {
		e.logger.Warn(ctx, "condition comparison type mismatch",
			"operator", string(c.Operator), "param", param, "value", value, "error", err.Error())
		return false, nil
	}
	return ok, nil
}

func (e *Evaluator) resolveOperand(ctx context.Context, v any, token string) (any, error) {
	s, ok := v.(string)
	if !ok || !reference.IsRef(s) {
		return v, nil
	}
	return e.resolver.Resolve(ctx, s, token)
}

func compare(op Operator, param, value any) (bool, error) {
	switch op {
	case OpEquals:
		return equal(param, value), nil
	case OpNotEquals:
		return !equal(param, value), nil
	case OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual:
		return compareOrdered(op, param, value)
	case OpContains:
		return containsOp(param, value)
	case OpNotContains:
		ok, err := containsOp(param, value)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case OpIn:
		return containsOp(value, param)
	case OpNotIn:
		ok, err := containsOp(value, param)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case OpStartsWith:
		ps, pok := param.(string)
		vs, vok := value.(string)
		if !pok || !vok {
			return false, fmt.Errorf("starts_with requires string operands")
		}
		return strings.HasPrefix(ps, vs), nil
	case OpEndsWith:
		ps, pok := param.(string)
		vs, vok := value.(string)
		if !pok || !vok {
			return false, fmt.Errorf("ends_with requires string operands")
		}
		return strings.HasSuffix(ps, vs), nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

func equal(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareOrdered(op Operator, a, b any) (bool, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch op {
		case OpGreaterThan:
			return af > bf, nil
		case OpLessThan:
			return af < bf, nil
		case OpGreaterThanOrEqual:
			return af >= bf, nil
		case OpLessThanOrEqual:
			return af <= bf, nil
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch op {
		case OpGreaterThan:
			return as > bs, nil
		case OpLessThan:
			return as < bs, nil
		case OpGreaterThanOrEqual:
			return as >= bs, nil
		case OpLessThanOrEqual:
			return as <= bs, nil
		}
	}
	return false, fmt.Errorf("operator %q requires comparable operands of the same type, got %T and %T", op, a, b)
}

func containsOp(container, item any) (bool, error) {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		if !ok {
			return false, fmt.Errorf("contains on a string requires a string operand")
		}
		return strings.Contains(c, s), nil
	case []any:
		for _, el := range c {
			if equal(el, item) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("contains/in requires a string or list container, got %T", container)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
