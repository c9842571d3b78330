package rulengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionConfig(t *testing.T) {
	t.Run("returns payload for declared type", func(t *testing.T) {
		c := &Condition{
			Type:  ConditionField,
			Field: &FieldConfig{Path: "temp", Operator: OpGreaterThan, Value: 80},
			// stale payload from a previous type change
			Expression: &ExpressionConfig{Source: "true"},
		}
		cfg := c.Config()
		require.NotNil(t, cfg)
		assert.Equal(t, ConditionField, cfg.ConditionType())
	})

	t.Run("nil when declared payload absent", func(t *testing.T) {
		c := &Condition{
			Type:  ConditionExpression,
			Field: &FieldConfig{Path: "temp"},
		}
		assert.Nil(t, c.Config())
	})

	t.Run("every variant round trips", func(t *testing.T) {
		cases := []*Condition{
			{Type: ConditionField, Field: &FieldConfig{}},
			{Type: ConditionExpression, Expression: &ExpressionConfig{}},
			{Type: ConditionQuery, Query: &QueryConfig{}},
			{Type: ConditionAPI, API: &APIConfig{}},
			{Type: ConditionAggregate, Aggregate: &AggregateConfig{}},
			{Type: ConditionTime, Time: &TimeConfig{}},
			{Type: ConditionCount, Count: &CountConfig{}},
		}
		for _, c := range cases {
			cfg := c.Config()
			require.NotNil(t, cfg, string(c.Type))
			assert.Equal(t, c.Type, cfg.ConditionType())
		}
	})
}

func TestConditionCombine(t *testing.T) {
	cases := []struct {
		name    string
		logical LogicalOp
		acc     bool
		result  bool
		want    bool
	}{
		{"default is AND", "", true, true, true},
		{"default fails on false", "", true, false, false},
		{"AND both true", LogicalAnd, true, true, true},
		{"AND result false", LogicalAnd, true, false, false},
		{"OR recovers", LogicalOr, false, true, true},
		{"OR both false", LogicalOr, false, false, false},
		{"NOT inverts true", LogicalNot, true, true, false},
		{"NOT keeps false result", LogicalNot, true, false, true},
		{"NOT never recovers false acc", LogicalNot, false, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Condition{Logical: tc.logical}
			assert.Equal(t, tc.want, c.Combine(tc.acc, tc.result))
		})
	}
}

func TestConditionShortCircuits(t *testing.T) {
	assert.True(t, (&Condition{Logical: LogicalAnd}).ShortCircuits(false))
	assert.True(t, (&Condition{}).ShortCircuits(false))
	assert.False(t, (&Condition{Logical: LogicalAnd}).ShortCircuits(true))
	assert.False(t, (&Condition{Logical: LogicalOr}).ShortCircuits(false))
	assert.False(t, (&Condition{Logical: LogicalNot}).ShortCircuits(false))
}

func TestConditionRecordResult(t *testing.T) {
	c := &Condition{}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c.RecordResult(true, at)
	c.RecordResult(true, at.Add(time.Minute))
	c.RecordResult(false, at.Add(2*time.Minute))

	assert.Equal(t, int64(3), c.EvaluationCount)
	assert.Equal(t, int64(2), c.TrueCount)
	assert.Equal(t, int64(1), c.FalseCount)
	require.NotNil(t, c.LastResult)
	assert.False(t, *c.LastResult)
	require.NotNil(t, c.LastEvaluatedAt)
	assert.True(t, c.LastEvaluatedAt.Equal(at.Add(2*time.Minute)))
	assert.InDelta(t, 66.66, c.SuccessRate(), 0.1)
}

func TestConditionSuccessRateZeroEvaluations(t *testing.T) {
	assert.Zero(t, (&Condition{}).SuccessRate())
}

func TestActionConfig(t *testing.T) {
	t.Run("returns payload for declared type", func(t *testing.T) {
		a := &Action{
			Type:         ActionSendNotification,
			Notification: &NotificationConfig{Title: "hi"},
			Log:          &LogConfig{Message: "stale"},
		}
		cfg := a.Config()
		require.NotNil(t, cfg)
		assert.Equal(t, ActionSendNotification, cfg.ActionType())
	})

	t.Run("nil when declared payload absent", func(t *testing.T) {
		a := &Action{Type: ActionCallAPI, Notification: &NotificationConfig{}}
		assert.Nil(t, a.Config())
	})
}

func TestActionDelay(t *testing.T) {
	assert.Equal(t, 90*time.Second, (&Action{DelaySeconds: 90}).Delay())
	assert.Zero(t, (&Action{}).Delay())
}

func TestActionRecordOutcome(t *testing.T) {
	a := &Action{}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a.RecordOutcome(true, "", at)
	a.RecordOutcome(false, "boom", at.Add(time.Minute))

	assert.Equal(t, int64(2), a.ExecutionCount)
	assert.Equal(t, int64(1), a.SuccessCount)
	assert.Equal(t, int64(1), a.ErrorCount)
	require.NotNil(t, a.LastSuccess)
	assert.False(t, *a.LastSuccess)
	assert.Equal(t, "boom", a.LastError)
}
