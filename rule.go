package rulengine

import (
	"fmt"
	"sort"
	"time"
)

// RuleStatus is the lifecycle state of a rule.
type RuleStatus string

const (
	StatusInactive  RuleStatus = "INACTIVE"
	StatusActive    RuleStatus = "ACTIVE"
	StatusTesting   RuleStatus = "TESTING"
	StatusSuspended RuleStatus = "SUSPENDED"
	StatusArchived  RuleStatus = "ARCHIVED"
)

// RuleType describes what kind of trigger drives a rule.
type RuleType string

const (
	RuleTypeEvent     RuleType = "EVENT"
	RuleTypeThreshold RuleType = "THRESHOLD"
	RuleTypeSchedule  RuleType = "SCHEDULE"
	RuleTypeCondition RuleType = "CONDITION"
	RuleTypeAlert     RuleType = "ALERT"
	RuleTypeWorkflow  RuleType = "WORKFLOW"
)

// Priority orders queue draining across rules.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Weight maps a priority to its integer weight. Unknown priorities weigh zero
// so they drain last.
func (p Priority) Weight() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	default:
		return 0
	}
}

// EventFilters narrows which event payloads trigger a rule. Property filters
// are exact-equality checks on top-level payload fields. Include/exclude
// patterns are regular expressions tested against the serialized payload;
// exclude wins when both match.
type EventFilters struct {
	Properties      map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
	IncludePatterns []string       `json:"includePatterns,omitempty" yaml:"include_patterns,omitempty"`
	ExcludePatterns []string       `json:"excludePatterns,omitempty" yaml:"exclude_patterns,omitempty"`
}

// EventTrigger fires a rule when a named domain event is dispatched.
type EventTrigger struct {
	EventName string       `json:"eventName" yaml:"event_name"`
	Filters   EventFilters `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// ScheduleTrigger fires a rule on a cron schedule.
type ScheduleTrigger struct {
	Cron     string `json:"cron" yaml:"cron"`
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// ThresholdTrigger fires a rule when a metric crosses a bound.
type ThresholdTrigger struct {
	Metric   string   `json:"metric" yaml:"metric"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    float64  `json:"value" yaml:"value"`
}

// TriggerSpec carries the trigger configuration for the rule's type. Only the
// member matching Rule.Type is consulted.
type TriggerSpec struct {
	Event     *EventTrigger     `json:"event,omitempty" yaml:"event,omitempty"`
	Schedule  *ScheduleTrigger  `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Threshold *ThresholdTrigger `json:"threshold,omitempty" yaml:"threshold,omitempty"`
}

// CooldownSpec throttles how often a rule may fire. Scope flags extend the
// derived key; Key overrides derivation entirely.
type CooldownSpec struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Minutes     int    `json:"minutes,omitempty" yaml:"minutes,omitempty"`
	Key         string `json:"key,omitempty" yaml:"key,omitempty"`
	PerUser     bool   `json:"perUser,omitempty" yaml:"per_user,omitempty"`
	PerResource bool   `json:"perResource,omitempty" yaml:"per_resource,omitempty"`
}

// Window returns the cooldown duration.
func (c CooldownSpec) Window() time.Duration {
	return time.Duration(c.Minutes) * time.Minute
}

// RecipientList is a set of notification targets.
type RecipientList struct {
	Users  []string `json:"users,omitempty" yaml:"users,omitempty"`
	Emails []string `json:"emails,omitempty" yaml:"emails,omitempty"`
}

// All returns the union of user ids and emails, users first.
func (r RecipientList) All() []string {
	out := make([]string, 0, len(r.Users)+len(r.Emails))
	out = append(out, r.Users...)
	out = append(out, r.Emails...)
	return out
}

// Empty reports whether the list has no targets.
func (r RecipientList) Empty() bool {
	return len(r.Users) == 0 && len(r.Emails) == 0
}

// EscalationLevel is one staged follow-up after action failures. Guard is an
// optional expression; a false or failing guard skips the level.
type EscalationLevel struct {
	Guard        string        `json:"guard,omitempty" yaml:"guard,omitempty"`
	DelayMinutes int           `json:"delayMinutes,omitempty" yaml:"delay_minutes,omitempty"`
	Recipients   RecipientList `json:"recipients" yaml:"recipients"`
	Channels     []string      `json:"channels,omitempty" yaml:"channels,omitempty"`
}

// EscalationSpec configures staged follow-ups for failed executions.
type EscalationSpec struct {
	Enabled bool              `json:"enabled" yaml:"enabled"`
	Levels  []EscalationLevel `json:"levels,omitempty" yaml:"levels,omitempty"`
}

// DeliverySettings tunes how notifications leave the engine.
type DeliverySettings struct {
	Channels      []string      `json:"channels,omitempty" yaml:"channels,omitempty"`
	MaxRetries    int           `json:"maxRetries,omitempty" yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `json:"retryBackoff,omitempty" yaml:"retry_backoff,omitempty"`
	BatchSize     int           `json:"batchSize,omitempty" yaml:"batch_size,omitempty"`
	RatePerMinute int           `json:"ratePerMinute,omitempty" yaml:"rate_per_minute,omitempty"`
}

// Rule is a stored configuration describing when and how a notification
// workflow fires. Conditions and actions are owned collections loaded eagerly
// by the store.
type Rule struct {
	ID          string     `json:"id" yaml:"id"`
	Code        string     `json:"code" yaml:"code"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Status      RuleStatus `json:"status" yaml:"status"`
	Type        RuleType   `json:"type" yaml:"type"`
	Priority    Priority   `json:"priority" yaml:"priority"`

	Trigger    TriggerSpec      `json:"trigger" yaml:"trigger"`
	Recipients RecipientList    `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	Delivery   DeliverySettings `json:"delivery,omitempty" yaml:"delivery,omitempty"`
	Cooldown   CooldownSpec     `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
	Escalation EscalationSpec   `json:"escalation,omitempty" yaml:"escalation,omitempty"`

	Conditions []*Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Actions    []*Action    `json:"actions,omitempty" yaml:"actions,omitempty"`

	ExecutionCount  int64      `json:"executionCount,omitempty" yaml:"execution_count,omitempty"`
	LastExecutedAt  *time.Time `json:"lastExecutedAt,omitempty" yaml:"last_executed_at,omitempty"`
	NextExecutionAt *time.Time `json:"nextExecutionAt,omitempty" yaml:"next_execution_at,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty" yaml:"updated_at,omitempty"`
}

// IsActive reports whether the rule participates in dispatch.
func (r *Rule) IsActive() bool {
	return r.Status == StatusActive
}

// CooldownKey derives the cooldown bucket for this rule. The key depends only
// on the rule id and the configured scope flags, never on the trigger, so the
// same rule always lands in the same bucket.
func (r *Rule) CooldownKey() string {
	if r.Cooldown.Key != "" {
		return r.Cooldown.Key
	}
	key := fmt.Sprintf("rule:%s", r.ID)
	if r.Cooldown.PerUser {
		key += ":user"
	}
	if r.Cooldown.PerResource {
		key += ":resource"
	}
	return key
}

// SortedConditions returns the rule's active conditions in evaluation order.
func (r *Rule) SortedConditions() []*Condition {
	out := make([]*Condition, 0, len(r.Conditions))
	for _, c := range r.Conditions {
		if c != nil && c.Active {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out
}

// SortedActions returns the rule's active actions in execution order.
func (r *Rule) SortedActions() []*Action {
	out := make([]*Action, 0, len(r.Actions))
	for _, a := range r.Actions {
		if a != nil && a.Active {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out
}

// MarkExecuted bumps the rule's run counters.
func (r *Rule) MarkExecuted(at time.Time) {
	r.ExecutionCount++
	ts := at
	r.LastExecutedAt = &ts
}
