package rulengine

import "time"

// Context carries one rule invocation through the pipeline: the rule, the
// trigger provenance, and the scoping extracted from the payload.
type Context struct {
	Rule          *Rule
	TriggerType   TriggerType
	TriggerSource string
	TriggerData   map[string]any
	TenantID      string
	SiteID        string
	UserID        string
	Metadata      map[string]any
}

// NewEventContext builds a context for an event-triggered invocation,
// extracting tenant/site/user scoping from the payload.
func NewEventContext(rule *Rule, eventName string, payload map[string]any, at time.Time) *Context {
	return &Context{
		Rule:          rule,
		TriggerType:   TriggerEvent,
		TriggerSource: eventName,
		TriggerData:   payload,
		TenantID:      stringField(payload, "tenantId"),
		SiteID:        stringField(payload, "siteId"),
		UserID:        stringField(payload, "userId"),
		Metadata: map[string]any{
			"eventName": eventName,
			"timestamp": at,
		},
	}
}

// NewScheduleContext builds a context for a schedule-triggered invocation.
func NewScheduleContext(rule *Rule, cronExpr string, at time.Time) *Context {
	return &Context{
		Rule:          rule,
		TriggerType:   TriggerSchedule,
		TriggerSource: cronExpr,
		Metadata: map[string]any{
			"scheduledTime": at,
		},
	}
}

// NewManualContext builds a context for a manually triggered invocation.
// Source is the requesting user id, or "system" when unknown.
func NewManualContext(rule *Rule, source string, data map[string]any, at time.Time) *Context {
	if source == "" {
		source = "system"
	}
	return &Context{
		Rule:          rule,
		TriggerType:   TriggerManual,
		TriggerSource: source,
		TriggerData:   data,
		TenantID:      stringField(data, "tenantId"),
		SiteID:        stringField(data, "siteId"),
		UserID:        stringField(data, "userId"),
		Metadata: map[string]any{
			"manual":      true,
			"requestedAt": at,
		},
	}
}

func stringField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}
