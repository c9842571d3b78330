package rulengine

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/robfig/cron/v3"
)

// Validate checks the rule's structural integrity at save time. Expression
// payloads are validated separately by the expression sandbox, which this
// package deliberately does not depend on.
func (r *Rule) Validate() error {
	err := validation.ValidateStruct(r,
		validation.Field(&r.ID, validation.Required),
		validation.Field(&r.Code, validation.Required),
		validation.Field(&r.Status, validation.Required, validation.In(
			StatusInactive, StatusActive, StatusTesting, StatusSuspended, StatusArchived)),
		validation.Field(&r.Type, validation.Required, validation.In(
			RuleTypeEvent, RuleTypeThreshold, RuleTypeSchedule, RuleTypeCondition, RuleTypeAlert, RuleTypeWorkflow)),
		validation.Field(&r.Priority, validation.In(
			PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical)),
	)
	if err != nil {
		return err
	}

	switch r.Type {
	case RuleTypeEvent:
		if r.Trigger.Event == nil || r.Trigger.Event.EventName == "" {
			return validation.Errors{"trigger": validation.NewError(
				"rule_event_trigger", "event rules require a trigger event name")}
		}
	case RuleTypeSchedule:
		if r.Trigger.Schedule == nil || r.Trigger.Schedule.Cron == "" {
			return validation.Errors{"trigger": validation.NewError(
				"rule_schedule_trigger", "schedule rules require a cron expression")}
		}
		if err := validateCron(r.Trigger.Schedule); err != nil {
			return err
		}
	}

	if r.Cooldown.Enabled && r.Cooldown.Minutes <= 0 {
		return validation.Errors{"cooldown": validation.NewError(
			"rule_cooldown_minutes", "cooldown requires a positive minute window")}
	}

	for _, c := range r.Conditions {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	for _, a := range r.Actions {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func validateCron(s *ScheduleTrigger) error {
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return CloneError(ErrInvalidCron, "unknown timezone", err, map[string]any{
				"timezone": s.Timezone,
			})
		}
	}
	if _, err := cron.ParseStandard(s.Cron); err != nil {
		return CloneError(ErrInvalidCron, "", err, map[string]any{
			"cron": s.Cron,
		})
	}
	return nil
}

// Validate checks that the condition declares a type and carries the payload
// for it.
func (c *Condition) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.ID, validation.Required),
		validation.Field(&c.Type, validation.Required, validation.In(
			ConditionField, ConditionExpression, ConditionQuery, ConditionAPI,
			ConditionAggregate, ConditionTime, ConditionCount)),
		validation.Field(&c.Logical, validation.In(LogicalAnd, LogicalOr, LogicalNot)),
	)
	if err != nil {
		return err
	}
	if c.Config() == nil {
		return validation.Errors{"config": validation.NewError(
			"condition_config", "condition has no payload for its declared type")}
	}
	if f := c.Field; c.Type == ConditionField && f != nil {
		if err := validateOperator(f.Operator); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that the action declares a type and carries the payload
// for it.
func (a *Action) Validate() error {
	err := validation.ValidateStruct(a,
		validation.Field(&a.ID, validation.Required),
		validation.Field(&a.Type, validation.Required, validation.In(
			ActionSendNotification, ActionUpdateField, ActionExecuteFunction,
			ActionCallAPI, ActionCreateTask, ActionTriggerWorkflow,
			ActionLogEvent, ActionSendReport, ActionCustom)),
		validation.Field(&a.DelaySeconds, validation.Min(0)),
	)
	if err != nil {
		return err
	}
	if a.Config() == nil {
		return CloneError(ErrActionUnconfigured, "", nil, map[string]any{
			"action_id": a.ID,
			"type":      string(a.Type),
		})
	}
	return nil
}

func validateOperator(op Operator) error {
	switch op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpGreaterThanOrEqual,
		OpLessThan, OpLessThanOrEqual, OpBetween, OpIn, OpNotIn,
		OpContains, OpNotContains, OpStartsWith, OpEndsWith, OpMatches,
		OpIsNull, OpIsNotNull, OpIsEmpty, OpIsNotEmpty:
		return nil
	default:
		return validation.Errors{"operator": validation.NewError(
			"condition_operator", "unknown comparison operator")}
	}
}
