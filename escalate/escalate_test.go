package escalate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rulengine "github.com/forgeworks/go-rulengine"
	"github.com/forgeworks/go-rulengine/expr"
)

type fakeDelivery struct {
	requests []rulengine.DeliveryRequest
	err      error
}

func (f *fakeDelivery) Send(_ context.Context, req rulengine.DeliveryRequest) (*rulengine.DeliveryReceipt, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	results := make([]rulengine.RecipientOutcome, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		results = append(results, rulengine.RecipientOutcome{Recipient: r, Channel: req.Channels[0], Delivered: true})
	}
	return &rulengine.DeliveryReceipt{Delivered: len(results), Results: results}, nil
}

func (f *fakeDelivery) SendBatch(ctx context.Context, reqs []rulengine.DeliveryRequest) ([]*rulengine.DeliveryReceipt, error) {
	out := make([]*rulengine.DeliveryReceipt, 0, len(reqs))
	for _, req := range reqs {
		receipt, err := f.Send(ctx, req)
		if err != nil {
			return nil, err
		}
		out = append(out, receipt)
	}
	return out, nil
}

func newManager(t *testing.T, delivery rulengine.Delivery) *Manager {
	t.Helper()
	sandbox, err := expr.New()
	require.NoError(t, err)
	return New(delivery, sandbox)
}

func failedExecution(rule *rulengine.Rule) (*rulengine.Context, *rulengine.Execution) {
	rc := rulengine.NewEventContext(rule, "test.event", map[string]any{"severity": "critical"}, time.Now())
	exec := rulengine.NewExecution(rule, rulengine.TriggerEvent, "test.event", rc.TriggerData, time.Now())
	exec.Begin()
	exec.RecordAction(rulengine.ActionResult{ActionID: "a1", Success: false, Error: "boom"})
	exec.RecordAction(rulengine.ActionResult{ActionID: "a2", Success: false, Error: "boom"})
	return rc, exec
}

func TestGuardPasses(t *testing.T) {
	m := newManager(t, &fakeDelivery{})
	rule := &rulengine.Rule{ID: "r1", Code: "r1", Name: "Disk alert"}
	rc, exec := failedExecution(rule)

	assert.True(t, m.GuardPasses(rulengine.EscalationLevel{}, rc, exec), "empty guard always passes")
	assert.True(t, m.GuardPasses(rulengine.EscalationLevel{
		Guard: "execution.failedActions >= 2",
	}, rc, exec))
	assert.False(t, m.GuardPasses(rulengine.EscalationLevel{
		Guard: "execution.failedActions > 5",
	}, rc, exec))
	assert.False(t, m.GuardPasses(rulengine.EscalationLevel{
		Guard: "undeclared.variable == 1",
	}, rc, exec), "erroring guard skips the level")
}

func TestFire(t *testing.T) {
	delivery := &fakeDelivery{}
	m := newManager(t, delivery)
	rule := &rulengine.Rule{
		ID: "r1", Code: "disk-alert", Name: "Disk alert",
		Recipients: rulengine.RecipientList{Users: []string{"oncall"}},
	}
	rc, exec := failedExecution(rule)

	level := rulengine.EscalationLevel{
		Recipients: rulengine.RecipientList{Emails: []string{"manager@example.com"}},
		Channels:   []string{"sms"},
	}
	require.NoError(t, m.Fire(context.Background(), 0, level, rc, exec))

	require.Len(t, delivery.requests, 1)
	req := delivery.requests[0]
	assert.Equal(t, "Escalation: Disk alert", req.Title)
	assert.Contains(t, req.Body, exec.ID)
	assert.Contains(t, req.Body, "2 of 2 actions failed")
	assert.Equal(t, []string{"manager@example.com"}, req.Recipients)
	assert.Equal(t, []string{"sms"}, req.Channels)
	assert.Equal(t, "high", req.Priority)

	require.Len(t, exec.Escalations, 1)
	assert.Equal(t, 1, exec.Escalations[0].Level)
	assert.Equal(t, "2 of 2 actions failed", exec.Escalations[0].Reason)
	assert.Equal(t, 1, exec.RecipientsNotified)
}

func TestFireDefaults(t *testing.T) {
	delivery := &fakeDelivery{}
	m := newManager(t, delivery)
	rule := &rulengine.Rule{
		ID: "r1", Code: "r1", Name: "Rule",
		Recipients: rulengine.RecipientList{Users: []string{"fallback"}},
	}
	rc, exec := failedExecution(rule)

	require.NoError(t, m.Fire(context.Background(), 1, rulengine.EscalationLevel{}, rc, exec))
	require.Len(t, delivery.requests, 1)
	assert.Equal(t, []string{"fallback"}, delivery.requests[0].Recipients, "empty level recipients fall back to the rule")
	assert.Equal(t, []string{"email"}, delivery.requests[0].Channels, "channel defaults to email")
	assert.Equal(t, 2, exec.Escalations[0].Level, "ledger levels are one-based")
}

func TestFireDeliveryError(t *testing.T) {
	m := newManager(t, &fakeDelivery{err: fmt.Errorf("provider down")})
	rule := &rulengine.Rule{ID: "r1", Code: "r1", Name: "Rule"}
	rc, exec := failedExecution(rule)

	err := m.Fire(context.Background(), 0, rulengine.EscalationLevel{
		Recipients: rulengine.RecipientList{Users: []string{"u1"}},
	}, rc, exec)
	require.Error(t, err)
	assert.True(t, rulengine.IsCode(err, rulengine.ErrCodeDeliveryFailed))
	assert.Empty(t, exec.Escalations, "failed delivery is not ledgered")
}
