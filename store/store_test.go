package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rulengine "github.com/forgeworks/go-rulengine"
)

// storeUnderTest is the shared surface exercised against both backends.
type storeUnderTest interface {
	SaveRule(ctx context.Context, rule *rulengine.Rule) error
	GetRule(ctx context.Context, id string) (*rulengine.Rule, error)
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context) ([]*rulengine.Rule, error)
	FindActiveByEventName(ctx context.Context, eventName string) ([]*rulengine.Rule, error)
	FindActiveSchedules(ctx context.Context) ([]*rulengine.Rule, error)
	SaveExecution(ctx context.Context, exec *rulengine.Execution) error
	GetExecution(ctx context.Context, id string) (*rulengine.Execution, error)
	ListExecutions(ctx context.Context, ruleID string, limit int) ([]*rulengine.Execution, error)
	IncrementRuleCounters(ctx context.Context, ruleID string, at time.Time) error
	UpdateNextExecution(ctx context.Context, ruleID string, next *time.Time) error
	DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

func eventRule(id, eventName string) *rulengine.Rule {
	return &rulengine.Rule{
		ID:     id,
		Code:   id,
		Name:   "Rule " + id,
		Status: rulengine.StatusActive,
		Type:   rulengine.RuleTypeEvent,
		Trigger: rulengine.TriggerSpec{
			Event: &rulengine.EventTrigger{EventName: eventName},
		},
	}
}

func scheduleRule(id, cron string) *rulengine.Rule {
	return &rulengine.Rule{
		ID:     id,
		Code:   id,
		Name:   "Rule " + id,
		Status: rulengine.StatusActive,
		Type:   rulengine.RuleTypeSchedule,
		Trigger: rulengine.TriggerSpec{
			Schedule: &rulengine.ScheduleTrigger{Cron: cron},
		},
	}
}

func runStoreSuite(t *testing.T, open func(t *testing.T) storeUnderTest) {
	ctx := context.Background()

	t.Run("rule round trip", func(t *testing.T) {
		s := open(t)
		rule := eventRule("r1", "device.reading")
		rule.Conditions = []*rulengine.Condition{{
			ID: "c1", Type: rulengine.ConditionField, Active: true,
			Field: &rulengine.FieldConfig{Path: "temp", Operator: rulengine.OpGreaterThan, Value: 80},
		}}
		require.NoError(t, s.SaveRule(ctx, rule))

		got, err := s.GetRule(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "r1", got.ID)
		assert.Equal(t, rulengine.StatusActive, got.Status)
		require.Len(t, got.Conditions, 1)
		assert.Equal(t, rulengine.ConditionField, got.Conditions[0].Type)
		require.NotNil(t, got.Conditions[0].Field)
		assert.Equal(t, "temp", got.Conditions[0].Field.Path)
	})

	t.Run("get missing rule", func(t *testing.T) {
		s := open(t)
		_, err := s.GetRule(ctx, "missing")
		require.Error(t, err)
		assert.True(t, rulengine.IsCode(err, rulengine.ErrCodeRuleNotFound))
	})

	t.Run("invalid rule rejected", func(t *testing.T) {
		s := open(t)
		bad := eventRule("r1", "device.reading")
		bad.Trigger.Event.EventName = ""
		assert.Error(t, s.SaveRule(ctx, bad))
	})

	t.Run("delete rule", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.SaveRule(ctx, eventRule("r1", "device.reading")))
		require.NoError(t, s.DeleteRule(ctx, "r1"))
		err := s.DeleteRule(ctx, "r1")
		require.Error(t, err)
		assert.True(t, rulengine.IsCode(err, rulengine.ErrCodeRuleNotFound))
	})

	t.Run("find active by event", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.SaveRule(ctx, eventRule("match", "device.reading")))
		require.NoError(t, s.SaveRule(ctx, eventRule("other", "user.login")))
		inactive := eventRule("inactive", "device.reading")
		inactive.Status = rulengine.StatusSuspended
		require.NoError(t, s.SaveRule(ctx, inactive))

		rules, err := s.FindActiveByEventName(ctx, "device.reading")
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.Equal(t, "match", rules[0].ID)
	})

	t.Run("find active schedules", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.SaveRule(ctx, scheduleRule("s1", "*/5 * * * *")))
		require.NoError(t, s.SaveRule(ctx, eventRule("e1", "device.reading")))

		rules, err := s.FindActiveSchedules(ctx)
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.Equal(t, "s1", rules[0].ID)
	})

	t.Run("execution round trip and cleanup", func(t *testing.T) {
		s := open(t)
		rule := eventRule("r1", "device.reading")
		require.NoError(t, s.SaveRule(ctx, rule))

		now := time.Now().UTC().Truncate(time.Second)
		old := rulengine.NewExecution(rule, rulengine.TriggerEvent, "device.reading", nil, now.Add(-48*time.Hour))
		old.Begin()
		old.ClassifyActions()
		old.Finalize(now.Add(-48 * time.Hour))
		require.NoError(t, s.SaveExecution(ctx, old))

		fresh := rulengine.NewExecution(rule, rulengine.TriggerEvent, "device.reading", nil, now)
		fresh.Begin()
		fresh.ClassifyActions()
		fresh.Finalize(now)
		require.NoError(t, s.SaveExecution(ctx, fresh))

		got, err := s.GetExecution(ctx, fresh.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, rulengine.ExecutionCompleted, got.Status)

		list, err := s.ListExecutions(ctx, "r1", 10)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, fresh.ID, list[0].ID, "most recent first")

		removed, err := s.DeleteExecutionsBefore(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		gone, err := s.GetExecution(ctx, old.ID)
		require.NoError(t, err)
		assert.Nil(t, gone)
	})

	t.Run("counters and next execution", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.SaveRule(ctx, eventRule("r1", "device.reading")))

		at := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, s.IncrementRuleCounters(ctx, "r1", at))

		got, err := s.GetRule(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.ExecutionCount)
		require.NotNil(t, got.LastExecutedAt)

		next := at.Add(time.Hour)
		require.NoError(t, s.UpdateNextExecution(ctx, "r1", &next))
		got, err = s.GetRule(ctx, "r1")
		require.NoError(t, err)
		require.NotNil(t, got.NextExecutionAt)
		assert.True(t, got.NextExecutionAt.Equal(next))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) storeUnderTest {
		return NewMemory()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) storeUnderTest {
		s, err := OpenSQLite(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMemorySnapshotsExecutions(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	rule := eventRule("r1", "device.reading")
	require.NoError(t, s.SaveRule(ctx, rule))

	exec := rulengine.NewExecution(rule, rulengine.TriggerEvent, "device.reading", nil, time.Now())
	require.NoError(t, s.SaveExecution(ctx, exec))

	exec.Begin()
	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, rulengine.ExecutionPending, got.Status,
		"stored snapshot is isolated from later mutations")
}

func TestMemoryAcknowledgeExecution(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	rule := eventRule("r1", "device.reading")
	require.NoError(t, s.SaveRule(ctx, rule))

	exec := rulengine.NewExecution(rule, rulengine.TriggerEvent, "device.reading", nil, time.Now())
	require.NoError(t, s.SaveExecution(ctx, exec))

	at := time.Now()
	require.NoError(t, s.AcknowledgeExecution(ctx, exec.ID, "alice", "looking", at))
	err := s.AcknowledgeExecution(ctx, exec.ID, "bob", "", at)
	require.Error(t, err)
	assert.True(t, rulengine.IsCode(err, rulengine.ErrCodeAlreadyAcknowledged))
}
