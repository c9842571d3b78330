package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rulengine "github.com/forgeworks/go-rulengine"
)

func item(ruleID string, priority rulengine.Priority, marker string) *queueItem {
	rule := &rulengine.Rule{ID: ruleID, Code: ruleID, Priority: priority}
	return &queueItem{
		rc: rulengine.NewEventContext(rule, "test.event", map[string]any{"marker": marker}, time.Now()),
	}
}

func sweepMarkers(qs *queueSet) []string {
	var out []string
	for {
		batch := qs.PopSweep()
		if len(batch) == 0 {
			return out
		}
		for _, it := range batch {
			out = append(out, it.rc.TriggerData["marker"].(string))
		}
	}
}

func TestQueueSetFIFOWithinRule(t *testing.T) {
	qs := newQueueSet()
	qs.Push(item("r1", rulengine.PriorityMedium, "first"))
	qs.Push(item("r1", rulengine.PriorityMedium, "second"))
	qs.Push(item("r1", rulengine.PriorityMedium, "third"))

	assert.Equal(t, []string{"first", "second", "third"}, sweepMarkers(qs))
	assert.Empty(t, qs.PopSweep())
}

func TestQueueSetPriorityAcrossRules(t *testing.T) {
	qs := newQueueSet()
	qs.Push(item("low", rulengine.PriorityLow, "low"))
	qs.Push(item("crit", rulengine.PriorityCritical, "crit"))
	qs.Push(item("high", rulengine.PriorityHigh, "high"))

	batch := qs.PopSweep()
	require.Len(t, batch, 3)
	assert.Equal(t, "crit", batch[0].rc.Rule.ID)
	assert.Equal(t, "high", batch[1].rc.Rule.ID)
	assert.Equal(t, "low", batch[2].rc.Rule.ID)
}

func TestQueueSetSweepYieldsBetweenBacklogItems(t *testing.T) {
	qs := newQueueSet()
	qs.Push(item("crit", rulengine.PriorityCritical, "c1"))
	qs.Push(item("crit", rulengine.PriorityCritical, "c2"))
	qs.Push(item("low", rulengine.PriorityLow, "l1"))

	// One turn per rule per sweep: the low rule runs between the critical
	// rule's backlog items instead of waiting for it to empty out.
	assert.Equal(t, []string{"c1", "l1", "c2"}, sweepMarkers(qs))
}

func TestQueueSetPushFront(t *testing.T) {
	qs := newQueueSet()
	qs.Push(item("r1", rulengine.PriorityMedium, "queued"))
	qs.PushFront(item("r1", rulengine.PriorityMedium, "resumed"))

	assert.Equal(t, []string{"resumed", "queued"}, sweepMarkers(qs))
}

func TestQueueSetLen(t *testing.T) {
	qs := newQueueSet()
	assert.Equal(t, 0, qs.Len())
	qs.Push(item("r1", rulengine.PriorityMedium, "a"))
	qs.Push(item("r2", rulengine.PriorityMedium, "b"))
	assert.Equal(t, 2, qs.Len())
	qs.PopSweep()
	assert.Equal(t, 0, qs.Len())
}

func TestCooldownTracker(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker := newCooldownTracker(func() time.Time { return now })

	assert.False(t, tracker.InCooldown("rule:r1"))
	tracker.Set("rule:r1", 10*time.Minute)
	assert.True(t, tracker.InCooldown("rule:r1"))

	now = now.Add(10*time.Minute + time.Second)
	assert.False(t, tracker.InCooldown("rule:r1"), "cooldown lapses after the window")

	tracker.Set("rule:r2", 0)
	assert.False(t, tracker.InCooldown("rule:r2"), "non-positive windows never arm")
}

func TestCooldownKeyDerivation(t *testing.T) {
	rule := &rulengine.Rule{ID: "r1", Code: "r1"}
	assert.Equal(t, "rule:r1", rule.CooldownKey())

	rule.Cooldown.PerUser = true
	assert.Equal(t, "rule:r1:user", rule.CooldownKey())

	rule.Cooldown.PerResource = true
	assert.Equal(t, "rule:r1:user:resource", rule.CooldownKey())

	rule.Cooldown.Key = "custom-bucket"
	assert.Equal(t, "custom-bucket", rule.CooldownKey(), "explicit key overrides derivation")
}
