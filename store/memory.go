// Package store persists rules and executions. Memory backs tests and
// single-process deployments; SQLite backs the daemon.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	rulengine "github.com/forgeworks/go-rulengine"
)

// Memory is an in-process store. Rules are held by reference so the engine's
// counter updates are visible to readers; executions are stored as snapshots.
type Memory struct {
	mu         sync.RWMutex
	rules      map[string]*rulengine.Rule
	executions map[string]*rulengine.Execution
}

// NewMemory builds an empty store.
func NewMemory() *Memory {
	return &Memory{
		rules:      make(map[string]*rulengine.Rule),
		executions: make(map[string]*rulengine.Execution),
	}
}

// SaveRule inserts or replaces a rule, stamping timestamps.
func (m *Memory) SaveRule(_ context.Context, rule *rulengine.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	m.rules[rule.ID] = rule
	return nil
}

// GetRule returns the rule, or a not-found error.
func (m *Memory) GetRule(_ context.Context, id string) (*rulengine.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rule, ok := m.rules[id]
	if !ok {
		return nil, rulengine.CloneError(rulengine.ErrRuleNotFound, "", nil, map[string]any{
			"rule_id": id,
		})
	}
	return rule, nil
}

// DeleteRule removes a rule.
func (m *Memory) DeleteRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return rulengine.CloneError(rulengine.ErrRuleNotFound, "", nil, map[string]any{
			"rule_id": id,
		})
	}
	delete(m.rules, id)
	return nil
}

// ListRules returns every rule sorted by code.
func (m *Memory) ListRules(context.Context) ([]*rulengine.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*rulengine.Rule, 0, len(m.rules))
	for _, rule := range m.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// FindActiveByEventName returns active event rules bound to the event name.
func (m *Memory) FindActiveByEventName(_ context.Context, eventName string) ([]*rulengine.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*rulengine.Rule
	for _, rule := range m.rules {
		if !rule.IsActive() || rule.Type != rulengine.RuleTypeEvent {
			continue
		}
		if rule.Trigger.Event != nil && rule.Trigger.Event.EventName == eventName {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// FindActiveSchedules returns active schedule rules.
func (m *Memory) FindActiveSchedules(context.Context) ([]*rulengine.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*rulengine.Rule
	for _, rule := range m.rules {
		if !rule.IsActive() || rule.Type != rulengine.RuleTypeSchedule {
			continue
		}
		if rule.Trigger.Schedule != nil && rule.Trigger.Schedule.Cron != "" {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// SaveExecution stores a snapshot of the execution, so later in-flight
// mutations do not bleed into what was persisted.
func (m *Memory) SaveExecution(_ context.Context, exec *rulengine.Execution) error {
	snapshot, err := cloneExecution(exec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.executions[exec.ID] = snapshot
	m.mu.Unlock()
	return nil
}

// GetExecution returns the stored execution snapshot, or nil.
func (m *Memory) GetExecution(_ context.Context, id string) (*rulengine.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.executions[id], nil
}

// ListExecutions returns the rule's executions, most recently started first.
// A non-positive limit returns everything.
func (m *Memory) ListExecutions(_ context.Context, ruleID string, limit int) ([]*rulengine.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*rulengine.Execution
	for _, exec := range m.executions {
		if exec.RuleID == ruleID {
			out = append(out, exec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AcknowledgeExecution marks a stored execution as acknowledged.
func (m *Memory) AcknowledgeExecution(_ context.Context, id, by, note string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return rulengine.CloneError(rulengine.ErrRuleNotFound,
			"execution not found", nil, map[string]any{
				"execution_id": id,
			})
	}
	return exec.Acknowledge(by, note, at)
}

// IncrementRuleCounters records that the rule ran. Rules are held by
// reference, so when the caller already bumped the counter through
// MarkExecuted this only refreshes the timestamp.
func (m *Memory) IncrementRuleCounters(_ context.Context, ruleID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[ruleID]
	if !ok {
		return rulengine.CloneError(rulengine.ErrRuleNotFound, "", nil, map[string]any{
			"rule_id": ruleID,
		})
	}
	ts := at
	if rule.LastExecutedAt == nil || !rule.LastExecutedAt.Equal(at) {
		rule.ExecutionCount++
	}
	rule.LastExecutedAt = &ts
	return nil
}

// UpdateNextExecution stores the rule's next scheduled run.
func (m *Memory) UpdateNextExecution(_ context.Context, ruleID string, next *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[ruleID]
	if !ok {
		return rulengine.CloneError(rulengine.ErrRuleNotFound, "", nil, map[string]any{
			"rule_id": ruleID,
		})
	}
	rule.NextExecutionAt = next
	return nil
}

// DeleteExecutionsBefore removes finished executions older than the cutoff.
func (m *Memory) DeleteExecutionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, exec := range m.executions {
		if exec.FinishedAt != nil && exec.FinishedAt.Before(cutoff) {
			delete(m.executions, id)
			removed++
		}
	}
	return removed, nil
}

func cloneExecution(exec *rulengine.Execution) (*rulengine.Execution, error) {
	raw, err := json.Marshal(exec)
	if err != nil {
		return nil, err
	}
	var out rulengine.Execution
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
