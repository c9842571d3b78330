package rulengine

import (
	"context"
	"time"
)

// DeliveryRequest is one outbound notification.
type DeliveryRequest struct {
	Title      string         `json:"title"`
	Body       string         `json:"body,omitempty"`
	Channels   []string       `json:"channels,omitempty"`
	Recipients []string       `json:"recipients"`
	Priority   string         `json:"priority,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// RecipientOutcome is the per-recipient result of a send.
type RecipientOutcome struct {
	Recipient string `json:"recipient"`
	Channel   string `json:"channel,omitempty"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// DeliveryReceipt summarizes one send.
type DeliveryReceipt struct {
	Delivered int                `json:"delivered"`
	Failed    int                `json:"failed"`
	Channels  []string           `json:"channels,omitempty"`
	Errors    []string           `json:"errors,omitempty"`
	Results   []RecipientOutcome `json:"results,omitempty"`
}

// RecipientRecords converts a receipt into execution-ledger entries.
func (r *DeliveryReceipt) RecipientRecords(at time.Time) []RecipientRecord {
	out := make([]RecipientRecord, 0, len(r.Results))
	for _, res := range r.Results {
		out = append(out, RecipientRecord{
			Recipient: res.Recipient,
			Channel:   res.Channel,
			Delivered: res.Delivered,
			Error:     res.Error,
			At:        at,
		})
	}
	return out
}

// Delivery abstracts the notification channels. Real providers live outside
// the engine; implementations here are stubs and wrappers.
type Delivery interface {
	Send(ctx context.Context, req DeliveryRequest) (*DeliveryReceipt, error)
	SendBatch(ctx context.Context, reqs []DeliveryRequest) ([]*DeliveryReceipt, error)
}
