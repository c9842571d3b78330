package rulengine

import "time"

// ConditionType selects which predicate a condition evaluates.
type ConditionType string

const (
	ConditionField      ConditionType = "FIELD"
	ConditionExpression ConditionType = "EXPRESSION"
	ConditionQuery      ConditionType = "QUERY"
	ConditionAPI        ConditionType = "API"
	ConditionAggregate  ConditionType = "AGGREGATE"
	ConditionTime       ConditionType = "TIME"
	ConditionCount      ConditionType = "COUNT"
)

// Operator compares a resolved value against configured bounds.
type Operator string

const (
	OpEquals             Operator = "EQUALS"
	OpNotEquals          Operator = "NOT_EQUALS"
	OpGreaterThan        Operator = "GREATER_THAN"
	OpGreaterThanOrEqual Operator = "GREATER_THAN_OR_EQUAL"
	OpLessThan           Operator = "LESS_THAN"
	OpLessThanOrEqual    Operator = "LESS_THAN_OR_EQUAL"
	OpBetween            Operator = "BETWEEN"
	OpIn                 Operator = "IN"
	OpNotIn              Operator = "NOT_IN"
	OpContains           Operator = "CONTAINS"
	OpNotContains        Operator = "NOT_CONTAINS"
	OpStartsWith         Operator = "STARTS_WITH"
	OpEndsWith           Operator = "ENDS_WITH"
	OpMatches            Operator = "MATCHES"
	OpIsNull             Operator = "IS_NULL"
	OpIsNotNull          Operator = "IS_NOT_NULL"
	OpIsEmpty            Operator = "IS_EMPTY"
	OpIsNotEmpty         Operator = "IS_NOT_EMPTY"
)

// LogicalOp combines a condition's result with the accumulator of the
// conditions evaluated before it.
type LogicalOp string

const (
	LogicalAnd LogicalOp = "AND"
	LogicalOr  LogicalOp = "OR"
	LogicalNot LogicalOp = "NOT"
)

// ConditionConfig is the payload of exactly one condition variant.
type ConditionConfig interface {
	ConditionType() ConditionType
}

// FieldConfig compares a field of the trigger payload.
type FieldConfig struct {
	Path     string   `json:"path" yaml:"path"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
	Value2   any      `json:"value2,omitempty" yaml:"value2,omitempty"`
}

// ExpressionConfig evaluates a sandboxed boolean expression.
type ExpressionConfig struct {
	Source string `json:"source" yaml:"source"`
}

// QueryConfig runs a stored query and compares its scalar result.
type QueryConfig struct {
	Query    string   `json:"query" yaml:"query"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// APIConfig calls an external endpoint and compares a value extracted from
// the JSON response.
type APIConfig struct {
	URL          string            `json:"url" yaml:"url"`
	Method       string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body         map[string]any    `json:"body,omitempty" yaml:"body,omitempty"`
	ResponsePath string            `json:"responsePath,omitempty" yaml:"response_path,omitempty"`
	Timeout      time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Operator     Operator          `json:"operator" yaml:"operator"`
	Value        any               `json:"value,omitempty" yaml:"value,omitempty"`
}

// AggregateConfig compares the result of an aggregation query.
type AggregateConfig struct {
	Function      string         `json:"function" yaml:"function"`
	Field         string         `json:"field,omitempty" yaml:"field,omitempty"`
	Filters       map[string]any `json:"filters,omitempty" yaml:"filters,omitempty"`
	WindowMinutes int            `json:"windowMinutes,omitempty" yaml:"window_minutes,omitempty"`
	Operator      Operator       `json:"operator" yaml:"operator"`
	Value         any            `json:"value,omitempty" yaml:"value,omitempty"`
}

// TimeConfig compares elapsed wall-clock time against a bound. Reference
// selects the anchor: "now", "event_time", or a payload field.
type TimeConfig struct {
	Unit      string   `json:"unit" yaml:"unit"`
	Reference string   `json:"reference,omitempty" yaml:"reference,omitempty"`
	FieldPath string   `json:"fieldPath,omitempty" yaml:"field_path,omitempty"`
	Operator  Operator `json:"operator" yaml:"operator"`
	Value     any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// CountConfig compares how many matching records exist.
type CountConfig struct {
	Entity        string         `json:"entity" yaml:"entity"`
	Filters       map[string]any `json:"filters,omitempty" yaml:"filters,omitempty"`
	WindowMinutes int            `json:"windowMinutes,omitempty" yaml:"window_minutes,omitempty"`
	Operator      Operator       `json:"operator" yaml:"operator"`
	Value         any            `json:"value,omitempty" yaml:"value,omitempty"`
}

func (*FieldConfig) ConditionType() ConditionType      { return ConditionField }
func (*ExpressionConfig) ConditionType() ConditionType { return ConditionExpression }
func (*QueryConfig) ConditionType() ConditionType      { return ConditionQuery }
func (*APIConfig) ConditionType() ConditionType        { return ConditionAPI }
func (*AggregateConfig) ConditionType() ConditionType  { return ConditionAggregate }
func (*TimeConfig) ConditionType() ConditionType       { return ConditionTime }
func (*CountConfig) ConditionType() ConditionType      { return ConditionCount }

// Condition is a typed predicate owned by exactly one rule. At most one of
// the variant payloads is meaningful: the one matching Type.
type Condition struct {
	ID         string        `json:"id" yaml:"id"`
	RuleID     string        `json:"ruleId,omitempty" yaml:"rule_id,omitempty"`
	Name       string        `json:"name,omitempty" yaml:"name,omitempty"`
	Type       ConditionType `json:"type" yaml:"type"`
	OrderIndex int           `json:"orderIndex" yaml:"order_index"`
	Logical    LogicalOp     `json:"logicalOperator,omitempty" yaml:"logical_operator,omitempty"`
	Active     bool          `json:"active" yaml:"active"`

	Field      *FieldConfig      `json:"field,omitempty" yaml:"field,omitempty"`
	Expression *ExpressionConfig `json:"expression,omitempty" yaml:"expression,omitempty"`
	Query      *QueryConfig      `json:"query,omitempty" yaml:"query,omitempty"`
	API        *APIConfig        `json:"api,omitempty" yaml:"api,omitempty"`
	Aggregate  *AggregateConfig  `json:"aggregate,omitempty" yaml:"aggregate,omitempty"`
	Time       *TimeConfig       `json:"time,omitempty" yaml:"time,omitempty"`
	Count      *CountConfig      `json:"count,omitempty" yaml:"count,omitempty"`

	EvaluationCount int64      `json:"evaluationCount,omitempty" yaml:"evaluation_count,omitempty"`
	TrueCount       int64      `json:"trueCount,omitempty" yaml:"true_count,omitempty"`
	FalseCount      int64      `json:"falseCount,omitempty" yaml:"false_count,omitempty"`
	LastResult      *bool      `json:"lastResult,omitempty" yaml:"last_result,omitempty"`
	LastEvaluatedAt *time.Time `json:"lastEvaluatedAt,omitempty" yaml:"last_evaluated_at,omitempty"`
}

// Config returns the payload matching the condition's declared type, ignoring
// any unrelated variants that happen to be populated on the same record.
// Returns nil when the matching payload is absent.
func (c *Condition) Config() ConditionConfig {
	switch c.Type {
	case ConditionField:
		if c.Field != nil {
			return c.Field
		}
	case ConditionExpression:
		if c.Expression != nil {
			return c.Expression
		}
	case ConditionQuery:
		if c.Query != nil {
			return c.Query
		}
	case ConditionAPI:
		if c.API != nil {
			return c.API
		}
	case ConditionAggregate:
		if c.Aggregate != nil {
			return c.Aggregate
		}
	case ConditionTime:
		if c.Time != nil {
			return c.Time
		}
	case ConditionCount:
		if c.Count != nil {
			return c.Count
		}
	}
	return nil
}

// Combine folds this condition's result into the running accumulator.
func (c *Condition) Combine(acc, result bool) bool {
	switch c.Logical {
	case LogicalOr:
		return acc || result
	case LogicalNot:
		return acc && !result
	default:
		return acc && result
	}
}

// ShortCircuits reports whether a false result here makes the remaining
// conditions irrelevant.
func (c *Condition) ShortCircuits(result bool) bool {
	return (c.Logical == LogicalAnd || c.Logical == "") && !result
}

// RecordResult updates the condition's evaluation counters.
func (c *Condition) RecordResult(result bool, at time.Time) {
	c.EvaluationCount++
	if result {
		c.TrueCount++
	} else {
		c.FalseCount++
	}
	r := result
	ts := at
	c.LastResult = &r
	c.LastEvaluatedAt = &ts
}

// SuccessRate returns the percentage of evaluations that came back true.
func (c *Condition) SuccessRate() float64 {
	if c.EvaluationCount == 0 {
		return 0
	}
	return float64(c.TrueCount) / float64(c.EvaluationCount) * 100
}
