// Package expr is the sandboxed expression evaluator used by EXPRESSION
// conditions and escalation guards. The grammar is fixed at construction:
// the event/execution/rule scopes, a millisecond clock, and a small
// allow-listed function set. Anything else fails compilation, which lets
// callers reject bad expressions at rule-save time instead of at evaluation.
package expr

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	rulengine "github.com/forgeworks/go-rulengine"
)

const costLimit = 1_000_000

// Option customizes the evaluator.
type Option func(*Evaluator)

// WithClock overrides the wall clock, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Evaluator) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// Evaluator compiles and caches programs for a fixed environment. Safe for
// concurrent use.
type Evaluator struct {
	env      *cel.Env
	clock    func() time.Time
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// New constructs the evaluator with the sandbox environment.
func New(opts ...Option) (*Evaluator, error) {
	e := &Evaluator{
		clock:    time.Now,
		programs: make(map[string]cel.Program),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	env, err := cel.NewEnv(
		cel.Variable("event", cel.DynType),
		cel.Variable("execution", cel.DynType),
		cel.Variable("rule", cel.DynType),
		cel.Variable("now", cel.IntType),
		cel.Function("minutesSince",
			cel.Overload("minutes_since_int", []*cel.Type{cel.IntType}, cel.DoubleType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					ts, ok := v.(types.Int)
					if !ok {
						return types.NewErr("minutesSince expects a timestamp in milliseconds")
					}
					return types.Double(float64(e.clock().UnixMilli()-int64(ts)) / 60_000)
				}))),
		cel.Function("hoursSince",
			cel.Overload("hours_since_int", []*cel.Type{cel.IntType}, cel.DoubleType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					ts, ok := v.(types.Int)
					if !ok {
						return types.NewErr("hoursSince expects a timestamp in milliseconds")
					}
					return types.Double(float64(e.clock().UnixMilli()-int64(ts)) / 3_600_000)
				}))),
		cel.Function("abs",
			cel.Overload("abs_int", []*cel.Type{cel.IntType}, cel.IntType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					i := v.(types.Int)
					if i < 0 {
						return -i
					}
					return i
				})),
			cel.Overload("abs_double", []*cel.Type{cel.DoubleType}, cel.DoubleType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					return types.Double(math.Abs(float64(v.(types.Double))))
				}))),
		cel.Function("min",
			cel.Overload("min_int_int", []*cel.Type{cel.IntType, cel.IntType}, cel.IntType,
				cel.BinaryBinding(func(a, b ref.Val) ref.Val {
					x, y := a.(types.Int), b.(types.Int)
					if x < y {
						return x
					}
					return y
				})),
			cel.Overload("min_double_double", []*cel.Type{cel.DoubleType, cel.DoubleType}, cel.DoubleType,
				cel.BinaryBinding(func(a, b ref.Val) ref.Val {
					return types.Double(math.Min(float64(a.(types.Double)), float64(b.(types.Double))))
				}))),
		cel.Function("max",
			cel.Overload("max_int_int", []*cel.Type{cel.IntType, cel.IntType}, cel.IntType,
				cel.BinaryBinding(func(a, b ref.Val) ref.Val {
					x, y := a.(types.Int), b.(types.Int)
					if x > y {
						return x
					}
					return y
				})),
			cel.Overload("max_double_double", []*cel.Type{cel.DoubleType, cel.DoubleType}, cel.DoubleType,
				cel.BinaryBinding(func(a, b ref.Val) ref.Val {
					return types.Double(math.Max(float64(a.(types.Double)), float64(b.(types.Double))))
				}))),
		cel.Function("round",
			cel.Overload("round_double", []*cel.Type{cel.DoubleType}, cel.DoubleType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					return types.Double(math.Round(float64(v.(types.Double))))
				}))),
		cel.Function("floor",
			cel.Overload("floor_double", []*cel.Type{cel.DoubleType}, cel.DoubleType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					return types.Double(math.Floor(float64(v.(types.Double))))
				}))),
		cel.Function("ceil",
			cel.Overload("ceil_double", []*cel.Type{cel.DoubleType}, cel.DoubleType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					return types.Double(math.Ceil(float64(v.(types.Double))))
				}))),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}
	e.env = env
	return e, nil
}

// Check compiles the source and verifies it yields a boolean. Intended for
// rule-save validation; a nil return guarantees the expression will at least
// parse and type-check at evaluation time.
func (e *Evaluator) Check(src string) error {
	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return rulengine.CloneError(rulengine.ErrInvalidExpression, "", issues.Err(), map[string]any{
			"expression": src,
		})
	}
	if ot := ast.OutputType(); ot != nil && ot.String() != "bool" && ot.String() != "dyn" {
		return rulengine.CloneError(rulengine.ErrInvalidExpression,
			"expression must produce a boolean", nil, map[string]any{
				"expression":  src,
				"output_type": ot.String(),
			})
	}
	return nil
}

func (e *Evaluator) program(src string) (cel.Program, error) {
	e.mu.RLock()
	prog, ok := e.programs[src]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, rulengine.CloneError(rulengine.ErrInvalidExpression, "", issues.Err(), map[string]any{
			"expression": src,
		})
	}
	prog, err := e.env.Program(ast, cel.CostLimit(costLimit))
	if err != nil {
		return nil, rulengine.CloneError(rulengine.ErrInvalidExpression, "program creation failed", err, nil)
	}

	e.mu.Lock()
	e.programs[src] = prog
	e.mu.Unlock()
	return prog, nil
}

// EvalBool evaluates the source against the scope. Non-boolean results and
// evaluation errors come back as false with the error set.
func (e *Evaluator) EvalBool(src string, scope map[string]any) (bool, error) {
	prog, err := e.program(src)
	if err != nil {
		return false, err
	}

	activation := make(map[string]any, len(scope)+1)
	for k, v := range scope {
		activation[k] = v
	}
	if _, ok := activation["now"]; !ok {
		activation["now"] = e.clock().UnixMilli()
	}
	for _, name := range []string{"event", "execution", "rule"} {
		if _, ok := activation[name]; !ok {
			activation[name] = map[string]any{}
		}
	}

	out, _, err := prog.Eval(activation)
	if err != nil {
		return false, rulengine.CloneError(rulengine.ErrInvalidExpression, "expression evaluation failed", err, map[string]any{
			"expression": src,
		})
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, rulengine.CloneError(rulengine.ErrInvalidExpression,
			"expression did not produce a boolean", nil, map[string]any{
				"expression": src,
			})
	}
	return b, nil
}

// CheckRule validates every EXPRESSION condition and escalation guard on the
// rule. Meant to run at save time alongside Rule.Validate.
func (e *Evaluator) CheckRule(r *rulengine.Rule) error {
	for _, c := range r.Conditions {
		if c.Type != rulengine.ConditionExpression || c.Expression == nil {
			continue
		}
		if err := e.Check(c.Expression.Source); err != nil {
			return err
		}
	}
	for i, level := range r.Escalation.Levels {
		if level.Guard == "" {
			continue
		}
		if err := e.Check(level.Guard); err != nil {
			return rulengine.CloneError(rulengine.ErrInvalidExpression,
				fmt.Sprintf("escalation level %d guard is invalid", i), err, nil)
		}
	}
	return nil
}
