// Package delivery provides notification transports: an in-memory transport
// for tests, a log-backed stub, and a rate-limiting wrapper for real
// providers.
package delivery

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	rulengine "github.com/forgeworks/go-rulengine"
)

// Memory records every request and lets tests script per-recipient failures.
type Memory struct {
	mu       sync.Mutex
	requests []rulengine.DeliveryRequest
	failures map[string]string
}

// NewMemory builds an empty in-memory transport.
func NewMemory() *Memory {
	return &Memory{failures: make(map[string]string)}
}

// FailRecipient makes every send to the recipient fail with the message.
func (m *Memory) FailRecipient(recipient, message string) {
	m.mu.Lock()
	m.failures[recipient] = message
	m.mu.Unlock()
}

// Requests returns a copy of everything sent so far.
func (m *Memory) Requests() []rulengine.DeliveryRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rulengine.DeliveryRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// Send implements rulengine.Delivery.
func (m *Memory) Send(_ context.Context, req rulengine.DeliveryRequest) (*rulengine.DeliveryReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	channel := "email"
	if len(req.Channels) > 0 {
		channel = req.Channels[0]
	}

	receipt := &rulengine.DeliveryReceipt{Channels: req.Channels}
	for _, recipient := range req.Recipients {
		outcome := rulengine.RecipientOutcome{Recipient: recipient, Channel: channel, Delivered: true}
		if msg, ok := m.failures[recipient]; ok {
			outcome.Delivered = false
			outcome.Error = msg
			receipt.Failed++
			receipt.Errors = append(receipt.Errors, msg)
		} else {
			receipt.Delivered++
		}
		receipt.Results = append(receipt.Results, outcome)
	}
	return receipt, nil
}

// SendBatch implements rulengine.Delivery.
func (m *Memory) SendBatch(ctx context.Context, reqs []rulengine.DeliveryRequest) ([]*rulengine.DeliveryReceipt, error) {
	out := make([]*rulengine.DeliveryReceipt, 0, len(reqs))
	for _, req := range reqs {
		receipt, err := m.Send(ctx, req)
		if err != nil {
			return out, err
		}
		out = append(out, receipt)
	}
	return out, nil
}

// Log writes notifications to the logger and reports them all delivered.
// Useful for development and for rules whose only sink is the log.
type Log struct {
	log rulengine.Logger
}

// NewLog builds a log-backed transport.
func NewLog(logger rulengine.Logger) *Log {
	return &Log{log: rulengine.NormalizeLogger(logger)}
}

// Send implements rulengine.Delivery.
func (l *Log) Send(_ context.Context, req rulengine.DeliveryRequest) (*rulengine.DeliveryReceipt, error) {
	l.log.Info("notification title=%q recipients=%d channels=%v priority=%s",
		req.Title, len(req.Recipients), req.Channels, req.Priority)

	channel := "log"
	if len(req.Channels) > 0 {
		channel = req.Channels[0]
	}
	receipt := &rulengine.DeliveryReceipt{Delivered: len(req.Recipients), Channels: req.Channels}
	for _, recipient := range req.Recipients {
		receipt.Results = append(receipt.Results, rulengine.RecipientOutcome{
			Recipient: recipient,
			Channel:   channel,
			Delivered: true,
		})
	}
	return receipt, nil
}

// SendBatch implements rulengine.Delivery.
func (l *Log) SendBatch(ctx context.Context, reqs []rulengine.DeliveryRequest) ([]*rulengine.DeliveryReceipt, error) {
	out := make([]*rulengine.DeliveryReceipt, 0, len(reqs))
	for _, req := range reqs {
		receipt, err := l.Send(ctx, req)
		if err != nil {
			return out, err
		}
		out = append(out, receipt)
	}
	return out, nil
}

// RateLimited wraps a transport with a token-bucket limiter so bursts of rule
// firings cannot flood a provider.
type RateLimited struct {
	next    rulengine.Delivery
	limiter *rate.Limiter
}

// NewRateLimited wraps next, allowing perMinute sends with a burst of burst.
func NewRateLimited(next rulengine.Delivery, perMinute int, burst int) *RateLimited {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
	}
}

// Send implements rulengine.Delivery, waiting for a token first.
func (r *RateLimited) Send(ctx context.Context, req rulengine.DeliveryRequest) (*rulengine.DeliveryReceipt, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.next.Send(ctx, req)
}

// SendBatch implements rulengine.Delivery, pacing each request.
func (r *RateLimited) SendBatch(ctx context.Context, reqs []rulengine.DeliveryRequest) ([]*rulengine.DeliveryReceipt, error) {
	out := make([]*rulengine.DeliveryReceipt, 0, len(reqs))
	for _, req := range reqs {
		receipt, err := r.Send(ctx, req)
		if err != nil {
			return out, err
		}
		out = append(out, receipt)
	}
	return out, nil
}
