// Package escalate sends staged follow-up notifications after a rule's
// actions fail. Levels fire in order; each level's guard is checked before
// its delay is honored, and a failing or erroring guard skips the level
// without aborting the ones after it.
package escalate

import (
	"context"
	"fmt"
	"time"

	rulengine "github.com/forgeworks/go-rulengine"
	"github.com/forgeworks/go-rulengine/expr"
)

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger rulengine.Logger) Option {
	return func(m *Manager) { m.log = rulengine.NormalizeLogger(logger) }
}

// WithClock overrides the wall clock, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// Manager fires escalation levels through the delivery transport.
type Manager struct {
	delivery rulengine.Delivery
	expr     *expr.Evaluator
	log      rulengine.Logger
	clock    func() time.Time
}

// New builds a Manager around the delivery transport and expression sandbox.
func New(delivery rulengine.Delivery, sandbox *expr.Evaluator, opts ...Option) *Manager {
	m := &Manager{
		delivery: delivery,
		expr:     sandbox,
		log:      rulengine.NewFmtLogger(nil),
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// GuardPasses evaluates a level's guard against the execution so far. An
// empty guard always passes; an evaluation error skips the level.
func (m *Manager) GuardPasses(level rulengine.EscalationLevel, rc *rulengine.Context, exec *rulengine.Execution) bool {
	if level.Guard == "" {
		return true
	}
	passed, err := m.expr.EvalBool(level.Guard, guardScope(rc, exec))
	if err != nil {
		m.log.Warn("escalation guard failed, skipping level rule=%s err=%v", rc.Rule.ID, err)
		return false
	}
	return passed
}

// Fire sends one escalation level and records it on the execution. The level
// index is zero-based; ledger entries are one-based.
func (m *Manager) Fire(ctx context.Context, levelIdx int, level rulengine.EscalationLevel, rc *rulengine.Context, exec *rulengine.Execution) error {
	if m.delivery == nil {
		return rulengine.CloneError(rulengine.ErrCollaboratorMissing,
			"no delivery transport wired for escalation", nil, nil)
	}

	recipients := level.Recipients
	if recipients.Empty() {
		recipients = rc.Rule.Recipients
	}
	channels := level.Channels
	if len(channels) == 0 {
		channels = []string{"email"}
	}
	reason := fmt.Sprintf("%d of %d actions failed", exec.FailedActions, exec.TotalActions)

	receipt, err := m.delivery.Send(ctx, rulengine.DeliveryRequest{
		Title:      fmt.Sprintf("Escalation: %s", rc.Rule.Name),
		Body:       fmt.Sprintf("Rule %s requires attention. Execution %s: %s.", rc.Rule.Code, exec.ID, reason),
		Channels:   channels,
		Recipients: recipients.All(),
		Priority:   "high",
		Metadata: map[string]any{
			"ruleId":      rc.Rule.ID,
			"executionId": exec.ID,
			"level":       levelIdx + 1,
		},
	})
	if err != nil {
		return rulengine.CloneError(rulengine.ErrDeliveryFailed,
			"escalation delivery failed", err, map[string]any{
				"rule_id": rc.Rule.ID,
				"level":   levelIdx + 1,
			})
	}

	exec.RecordRecipients(receipt.RecipientRecords(m.clock()))
	exec.RecordEscalation(rulengine.EscalationRecord{
		Level:       levelIdx + 1,
		Recipients:  recipients.All(),
		Reason:      reason,
		TriggeredAt: m.clock(),
	})
	m.log.Info("escalation fired rule=%s level=%d recipients=%d", rc.Rule.ID, levelIdx+1, len(recipients.All()))
	return nil
}

// guardScope exposes the execution's running tallies to guard expressions.
func guardScope(rc *rulengine.Context, exec *rulengine.Execution) map[string]any {
	scope := map[string]any{
		"execution": map[string]any{
			"status":            string(exec.Status),
			"totalActions":      exec.TotalActions,
			"successfulActions": exec.SuccessfulActions,
			"failedActions":     exec.FailedActions,
			"recipientsFailed":  exec.RecipientsFailed,
		},
	}
	if rc.TriggerData != nil {
		scope["event"] = rc.TriggerData
	}
	if rc.Rule != nil {
		scope["rule"] = map[string]any{
			"id":       rc.Rule.ID,
			"code":     rc.Rule.Code,
			"name":     rc.Rule.Name,
			"priority": string(rc.Rule.Priority),
		}
	}
	return scope
}
