package rules

import (
	"fmt"
	"strconv"

	"github.com/carelink/carelink/internal/domain/attribute"
)

// LeafResult is the trace entry for one evaluated leaf.
type LeafResult struct {
	Path     string      `json:"path"`
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Expected Value       `json:"expected"`
	Actual   interface{} `json:"actual,omitempty"`
	Present  bool        `json:"present"`
	Passed   bool        `json:"passed"`
	Reason   string      `json:"reason,omitempty"`
}

// Evaluator evaluates condition trees under a depth ceiling. The zero value
// uses DefaultMaxDepth. An Evaluator holds no mutable state and may be shared.
type Evaluator struct {
	MaxDepth int
}

func NewEvaluator(maxDepth int) *Evaluator {
	return &Evaluator{MaxDepth: maxDepth}
}

var defaultEvaluator = &Evaluator{MaxDepth: DefaultMaxDepth}

// Evaluate runs tree against bag with the default depth ceiling.
func Evaluate(tree Condition, bag attribute.Bag) (bool, []LeafResult, error) {
	return defaultEvaluator.Evaluate(tree, bag)
}

// Evaluate returns the verdict and a trace holding every leaf of the tree in
// depth-first order. AND/OR short-circuit the verdict only; all children are
// still evaluated so the trace is complete. An empty group passes. A missing
// field fails its leaf. Exceeding the depth ceiling, or meeting an operator
// outside the fixed set, returns an *EvaluationFault.
func (e *Evaluator) Evaluate(tree Condition, bag attribute.Bag) (bool, []LeafResult, error) {
	max := e.MaxDepth
	if max <= 0 {
		max = DefaultMaxDepth
	}
	var trace []LeafResult
	passed, err := e.eval(tree, bag, max, 1, "0", &trace)
	if err != nil {
		return false, trace, err
	}
	return passed, trace, nil
}

func (e *Evaluator) eval(c Condition, bag attribute.Bag, max, depth int, path string, trace *[]LeafResult) (bool, error) {
	if depth > max {
		return false, &EvaluationFault{Path: path, Err: fmt.Errorf("%w (%d)", ErrDepthExceeded, max)}
	}
	if !c.IsGroup() {
		res, err := evalLeaf(c, bag, path)
		if err != nil {
			return false, err
		}
		*trace = append(*trace, res)
		return res.Passed, nil
	}

	switch c.Logic {
	case LogicAnd, LogicOr:
	default:
		return false, &EvaluationFault{Path: path, Err: fmt.Errorf("%w: group %q", ErrUnknownOperator, c.Logic)}
	}
	if len(c.Conditions) == 0 {
		return true, nil
	}

	result := c.Logic == LogicAnd
	for i, child := range c.Conditions {
		ok, err := e.eval(child, bag, max, depth+1, path+"."+strconv.Itoa(i), trace)
		if err != nil {
			return false, err
		}
		if c.Logic == LogicAnd {
			result = result && ok
		} else {
			result = result || ok
		}
	}
	return result, nil
}

func evalLeaf(c Condition, bag attribute.Bag, path string) (LeafResult, error) {
	res := LeafResult{
		Path:     path,
		Field:    c.Field,
		Operator: c.Operator,
		Expected: c.Value,
	}
	cmp, ok := dispatch[c.Operator]
	if !ok {
		return res, &EvaluationFault{Path: path, Err: fmt.Errorf("%w %q", ErrUnknownOperator, c.Operator)}
	}
	actual, present := bag.Get(c.Field)
	if !present {
		res.Reason = ReasonMissingField
		return res, nil
	}
	res.Present = true
	res.Actual = actual.Interface()
	res.Passed, res.Reason = cmp(actual, c.Value)
	return res, nil
}
