package engine

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	rulengine "github.com/forgeworks/go-rulengine"
)

// parseSchedule builds the cron schedule for a rule. The timezone is applied
// through the CRON_TZ prefix understood by the standard parser.
func parseSchedule(rule *rulengine.Rule) (cron.Schedule, error) {
	spec := rule.Trigger.Schedule
	if spec == nil || spec.Cron == "" {
		return nil, rulengine.CloneError(rulengine.ErrInvalidCron,
			"schedule rule has no cron expression", nil, map[string]any{
				"rule_id": rule.ID,
			})
	}

	expr := spec.Cron
	if spec.Timezone != "" {
		expr = "CRON_TZ=" + spec.Timezone + " " + expr
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, rulengine.CloneError(rulengine.ErrInvalidCron, "", err, map[string]any{
			"rule_id": rule.ID,
			"cron":    spec.Cron,
		})
	}
	return sched, nil
}

// nextRun computes when the rule's schedule fires next, anchored at the last
// execution (or the rule's creation when it never ran).
func nextRun(rule *rulengine.Rule) (time.Time, error) {
	sched, err := parseSchedule(rule)
	if err != nil {
		return time.Time{}, err
	}
	anchor := rule.CreatedAt
	if rule.LastExecutedAt != nil {
		anchor = *rule.LastExecutedAt
	}
	return sched.Next(anchor), nil
}

// checkSchedules runs once per minute tick: every active schedule rule whose
// next run is due gets enqueued, and its nextExecutionAt is recomputed. A rule
// with an invalid cron expression is never due; it is logged and left alone.
func (e *Engine) checkSchedules(ctx context.Context) {
	rules, err := e.store.FindActiveSchedules(ctx)
	if err != nil {
		e.log.Error("failed to load schedule rules err=%v", err)
		return
	}

	now := e.clock()
	enqueued := false
	for _, rule := range rules {
		next, err := nextRun(rule)
		if err != nil {
			e.log.Warn("schedule rule skipped rule=%s err=%v", rule.ID, err)
			continue
		}
		if next.After(now) {
			e.updateNextExecution(ctx, rule, next)
			continue
		}

		if rule.Cooldown.Enabled && e.cooldowns.InCooldown(rule.CooldownKey()) {
			e.log.Debug("schedule rule in cooldown rule=%s", rule.ID)
			continue
		}

		e.queues.Push(&queueItem{
			rc:         rulengine.NewScheduleContext(rule, rule.Trigger.Schedule.Cron, now),
			enqueuedAt: now,
		})
		enqueued = true

		if sched, err := parseSchedule(rule); err == nil {
			// Anchor at now, not the previous execution, so the stored value
			// points past the run we just queued.
			e.updateNextExecution(ctx, rule, sched.Next(now))
		}
	}
	if enqueued {
		e.drain(ctx)
	}
}

func (e *Engine) updateNextExecution(ctx context.Context, rule *rulengine.Rule, next time.Time) {
	ts := next
	rule.NextExecutionAt = &ts
	if err := e.store.UpdateNextExecution(ctx, rule.ID, &ts); err != nil {
		e.log.Warn("failed to persist next execution rule=%s err=%v", rule.ID, err)
	}
}
