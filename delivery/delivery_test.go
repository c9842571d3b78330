package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rulengine "github.com/forgeworks/go-rulengine"
)

func TestMemorySend(t *testing.T) {
	m := NewMemory()
	m.FailRecipient("down@example.com", "mailbox full")

	receipt, err := m.Send(context.Background(), rulengine.DeliveryRequest{
		Title:      "hello",
		Channels:   []string{"email"},
		Recipients: []string{"up@example.com", "down@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, receipt.Delivered)
	assert.Equal(t, 1, receipt.Failed)
	require.Len(t, receipt.Results, 2)
	assert.True(t, receipt.Results[0].Delivered)
	assert.False(t, receipt.Results[1].Delivered)
	assert.Equal(t, "mailbox full", receipt.Results[1].Error)
	assert.Len(t, m.Requests(), 1)
}

func TestMemorySendBatch(t *testing.T) {
	m := NewMemory()
	receipts, err := m.SendBatch(context.Background(), []rulengine.DeliveryRequest{
		{Title: "a", Recipients: []string{"u1"}},
		{Title: "b", Recipients: []string{"u2"}},
	})
	require.NoError(t, err)
	assert.Len(t, receipts, 2)
	assert.Len(t, m.Requests(), 2)
}

func TestLogSend(t *testing.T) {
	l := NewLog(nil)
	receipt, err := l.Send(context.Background(), rulengine.DeliveryRequest{
		Title:      "hello",
		Channels:   []string{"slack"},
		Recipients: []string{"u1", "u2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.Delivered)
	assert.Equal(t, 0, receipt.Failed)
	assert.Equal(t, "slack", receipt.Results[0].Channel)
}

func TestRateLimitedPacing(t *testing.T) {
	inner := NewMemory()
	// 60 per minute = 1/s with a burst of 1; the second send must wait.
	limited := NewRateLimited(inner, 60, 1)

	start := time.Now()
	_, err := limited.Send(context.Background(), rulengine.DeliveryRequest{Recipients: []string{"u1"}})
	require.NoError(t, err)
	_, err = limited.Send(context.Background(), rulengine.DeliveryRequest{Recipients: []string{"u1"}})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
	assert.Len(t, inner.Requests(), 2)
}

func TestRateLimitedContextCancelled(t *testing.T) {
	limited := NewRateLimited(NewMemory(), 1, 1)
	_, err := limited.Send(context.Background(), rulengine.DeliveryRequest{Recipients: []string{"u1"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = limited.Send(ctx, rulengine.DeliveryRequest{Recipients: []string{"u1"}})
	assert.Error(t, err)
}
