package engine

import (
	"context"
	"fmt"
	"runtime"
	"time"

	rulengine "github.com/forgeworks/go-rulengine"
)

// process runs one queued invocation through the pipeline: condition
// evaluation, the action chain, escalation, and finalization. Continuations
// re-enter here with a resume point and skip straight to where they left off.
func (e *Engine) process(ctx context.Context, item *queueItem) {
	defer e.recoverPanic(ctx, item)

	rc := item.rc
	exec := item.exec
	if exec == nil {
		exec = rulengine.NewExecution(rc.Rule, rc.TriggerType, rc.TriggerSource, rc.TriggerData, e.clock())
		item.exec = exec
		e.persist(ctx, exec)
	}

	resume := item.resume
	if resume == nil {
		if err := exec.Begin(); err != nil {
			exec.Fail(err)
			e.finish(ctx, item)
			return
		}
		e.persist(ctx, exec)

		passed, results := e.evaluator.EvaluateAll(ctx, rc)
		for _, r := range results {
			exec.RecordCondition(r)
		}
		exec.ConditionsPassed = passed
		if !passed {
			if err := exec.Skip(); err != nil {
				exec.Fail(err)
			}
			e.finish(ctx, item)
			return
		}
		resume = &resumePoint{}
		item.resume = resume
	}

	if !resume.inEscalation {
		if suspended := e.runActions(ctx, item, resume); suspended {
			return
		}
		if err := exec.ClassifyActions(); err != nil {
			exec.Fail(err)
		}
		resume.inEscalation = true
		resume.escalationLevel = 0
		resume.waited = false
	}

	if suspended := e.runEscalation(ctx, item, resume); suspended {
		return
	}
	e.finish(ctx, item)
}

// runActions executes the rule's action chain from the resume point. It
// returns true when the pipeline suspended for a delayed action.
func (e *Engine) runActions(ctx context.Context, item *queueItem, resume *resumePoint) bool {
	rc := item.rc
	exec := item.exec
	actions := rc.Rule.SortedActions()

	for i := resume.actionIndex; i < len(actions); i++ {
		action := actions[i]

		if wait := action.Delay(); wait > 0 && !resume.waited {
			if item.synchronous {
				e.sleep(wait)
			} else {
				e.suspend(ctx, item, &resumePoint{actionIndex: i, waited: true}, wait)
				return true
			}
		}
		resume.waited = false

		started := e.clock()
		out, err := e.executor.Execute(ctx, action, rc)

		result := rulengine.ActionResult{
			ActionID:   action.ID,
			Name:       action.Name,
			Type:       action.Type,
			Success:    err == nil,
			ExecutedAt: started,
			Duration:   e.clock().Sub(started),
		}
		if out != nil {
			result.Output = out.Output
		}
		if err != nil {
			result.Error = err.Error()
			e.log.Warn("action failed rule=%s action=%s err=%v", rc.Rule.ID, action.ID, err)
		}
		exec.RecordAction(result)
		action.RecordOutcome(err == nil, result.Error, started)
		if out != nil && len(out.Recipients) > 0 {
			exec.RecordRecipients(out.Recipients)
		}

		if err != nil && action.StopOnError {
			e.log.Info("action chain halted rule=%s action=%s", rc.Rule.ID, action.ID)
			break
		}
	}
	return false
}

// runEscalation fires the rule's escalation levels from the resume point when
// escalation is enabled and at least one action failed. It returns true when
// the pipeline suspended for a level delay. Guards are checked before delays
// so a level that will be skipped never makes the execution wait.
func (e *Engine) runEscalation(ctx context.Context, item *queueItem, resume *resumePoint) bool {
	rc := item.rc
	exec := item.exec

	if !rc.Rule.Escalation.Enabled || exec.FailedActions == 0 {
		return false
	}

	levels := rc.Rule.Escalation.Levels
	for i := resume.escalationLevel; i < len(levels); i++ {
		level := levels[i]

		if !resume.waited && !e.escalator.GuardPasses(level, rc, exec) {
			continue
		}
		if wait := time.Duration(level.DelayMinutes) * time.Minute; wait > 0 && !resume.waited {
			if item.synchronous {
				e.sleep(wait)
			} else {
				e.suspend(ctx, item, &resumePoint{inEscalation: true, escalationLevel: i, waited: true}, wait)
				return true
			}
		}
		resume.waited = false

		if err := e.escalator.Fire(ctx, i, level, rc, exec); err != nil {
			e.log.Error("escalation level failed rule=%s level=%d err=%v", rc.Rule.ID, i+1, err)
		}
	}
	return false
}

// finish finalizes and persists the execution, bumps the rule's counters,
// arms the cooldown, and emits the executed event.
func (e *Engine) finish(ctx context.Context, item *queueItem) {
	rc := item.rc
	exec := item.exec
	now := e.clock()

	exec.Finalize(now)
	e.persist(ctx, exec)

	rc.Rule.MarkExecuted(now)
	if err := e.store.IncrementRuleCounters(ctx, rc.Rule.ID, now); err != nil {
		e.log.Warn("failed to bump rule counters rule=%s err=%v", rc.Rule.ID, err)
	}

	if rc.Rule.Cooldown.Enabled && exec.Status != rulengine.ExecutionSkipped {
		e.cooldowns.Set(rc.Rule.CooldownKey(), rc.Rule.Cooldown.Window())
	}

	if e.events != nil {
		e.events.Emit(ctx, executedEvent, map[string]any{
			"ruleId":      rc.Rule.ID,
			"executionId": exec.ID,
			"status":      string(exec.Status),
			"triggerType": string(rc.TriggerType),
		})
	}

	e.log.Info("rule executed rule=%s execution=%s status=%s actions=%d failed=%d",
		rc.Rule.ID, exec.ID, exec.Status, exec.TotalActions, exec.FailedActions)
}

func (e *Engine) persist(ctx context.Context, exec *rulengine.Execution) {
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		e.log.Error("failed to persist execution execution=%s err=%v", exec.ID, err)
	}
}

// recoverPanic keeps a panicking rule from taking down the drain loop. The
// execution, if one exists, is failed and persisted with the panic message.
func (e *Engine) recoverPanic(ctx context.Context, item *queueItem) {
	r := recover()
	if r == nil {
		return
	}

	stack := make([]byte, 8096)
	n := runtime.Stack(stack, false)
	e.log.Error("recovered from panic during rule processing rule=%s err=%v\n%s",
		item.rc.Rule.ID, r, stack[:n])

	if item.exec != nil && item.exec.FinishedAt == nil {
		item.exec.Fail(fmt.Errorf("panic: %v", r))
		item.exec.Finalize(e.clock())
		e.persist(ctx, item.exec)
	}
}
