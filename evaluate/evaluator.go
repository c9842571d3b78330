// Package evaluate runs a rule's condition chain against a trigger context.
// Each condition type resolves a value from the payload, an expression, a
// data source, or an external API, and folds its boolean into the chain
// accumulator via the condition's logical operator.
package evaluate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	rulengine "github.com/forgeworks/go-rulengine"
	"github.com/forgeworks/go-rulengine/expr"
)

// DataSource answers QUERY, AGGREGATE, and COUNT conditions. Implementations
// live in the store package; tests use in-memory fakes.
type DataSource interface {
	QueryValue(ctx context.Context, query string, scope map[string]any) (any, error)
	Aggregate(ctx context.Context, cfg *rulengine.AggregateConfig, scope map[string]any) (float64, error)
	Count(ctx context.Context, cfg *rulengine.CountConfig, scope map[string]any) (int64, error)
}

// HTTPDoer is the slice of http.Client used by API conditions.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const defaultAPITimeout = 10 * time.Second

// Option customizes an Evaluator.
type Option func(*Evaluator)

// WithDataSource wires the backend for QUERY, AGGREGATE, and COUNT conditions.
func WithDataSource(ds DataSource) Option {
	return func(e *Evaluator) {
		e.data = ds
	}
}

// WithHTTPClient overrides the HTTP client used by API conditions.
func WithHTTPClient(client HTTPDoer) Option {
	return func(e *Evaluator) {
		if client != nil {
			e.http = client
		}
	}
}

// WithLogger sets the evaluator's logger.
func WithLogger(logger rulengine.Logger) Option {
	return func(e *Evaluator) {
		e.log = rulengine.NormalizeLogger(logger)
	}
}

// WithClock overrides the wall clock, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Evaluator) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// Evaluator evaluates conditions. Safe for concurrent use as long as the
// wired collaborators are.
type Evaluator struct {
	expr  *expr.Evaluator
	data  DataSource
	http  HTTPDoer
	log   rulengine.Logger
	clock func() time.Time
}

// New builds an Evaluator around the expression sandbox.
func New(exprEval *expr.Evaluator, opts ...Option) *Evaluator {
	e := &Evaluator{
		expr:  exprEval,
		http:  &http.Client{Timeout: defaultAPITimeout},
		log:   rulengine.NewFmtLogger(nil),
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// EvaluateAll runs the rule's active conditions in order and returns the
// combined verdict plus the per-condition ledger. An empty chain passes.
// A failing condition records its error in the ledger and counts as false
// rather than aborting the chain.
func (e *Evaluator) EvaluateAll(ctx context.Context, rc *rulengine.Context) (bool, []rulengine.ConditionResult) {
	conditions := rc.Rule.SortedConditions()
	if len(conditions) == 0 {
		return true, nil
	}

	results := make([]rulengine.ConditionResult, 0, len(conditions))
	acc := true
	for _, c := range conditions {
		started := e.clock()
		passed, err := e.Evaluate(ctx, c, rc)
		entry := rulengine.ConditionResult{
			ConditionID: c.ID,
			Name:        c.Name,
			Passed:      passed,
			Duration:    e.clock().Sub(started),
		}
		if err != nil {
			entry.Error = err.Error()
			e.log.Warn("condition evaluation failed rule=%s condition=%s err=%v", rc.Rule.ID, c.ID, err)
		}
		results = append(results, entry)
		c.RecordResult(passed, started)

		acc = c.Combine(acc, passed)
		if c.ShortCircuits(passed) {
			acc = false
			break
		}
	}
	return acc, results
}

// Evaluate runs a single condition. Errors resolve to false at the chain
// level; they are returned so the caller can ledger them.
func (e *Evaluator) Evaluate(ctx context.Context, c *rulengine.Condition, rc *rulengine.Context) (bool, error) {
	cfg := c.Config()
	if cfg == nil {
		return false, rulengine.CloneError(rulengine.ErrActionUnconfigured,
			"condition has no payload for its declared type", nil, map[string]any{
				"condition_id": c.ID,
				"type":         string(c.Type),
			})
	}

	switch cfg := cfg.(type) {
	case *rulengine.FieldConfig:
		return e.evalField(cfg, rc)
	case *rulengine.ExpressionConfig:
		return e.expr.EvalBool(cfg.Source, exprScope(rc))
	case *rulengine.QueryConfig:
		return e.evalQuery(ctx, cfg, rc)
	case *rulengine.APIConfig:
		return e.evalAPI(ctx, cfg, rc)
	case *rulengine.AggregateConfig:
		return e.evalAggregate(ctx, cfg, rc)
	case *rulengine.TimeConfig:
		return e.evalTime(cfg, rc)
	case *rulengine.CountConfig:
		return e.evalCount(ctx, cfg, rc)
	default:
		return false, fmt.Errorf("unsupported condition type: %s", c.Type)
	}
}

func (e *Evaluator) evalField(cfg *rulengine.FieldConfig, rc *rulengine.Context) (bool, error) {
	value := ResolvePath(rc.TriggerData, cfg.Path)
	return Compare(value, cfg.Operator, cfg.Value, cfg.Value2)
}

func (e *Evaluator) evalQuery(ctx context.Context, cfg *rulengine.QueryConfig, rc *rulengine.Context) (bool, error) {
	if e.data == nil {
		return false, rulengine.CloneError(rulengine.ErrCollaboratorMissing,
			"no data source wired for QUERY conditions", nil, nil)
	}
	value, err := e.data.QueryValue(ctx, cfg.Query, exprScope(rc))
	if err != nil {
		return false, err
	}
	return Compare(value, cfg.Operator, cfg.Value, nil)
}

func (e *Evaluator) evalAggregate(ctx context.Context, cfg *rulengine.AggregateConfig, rc *rulengine.Context) (bool, error) {
	if e.data == nil {
		return false, rulengine.CloneError(rulengine.ErrCollaboratorMissing,
			"no data source wired for AGGREGATE conditions", nil, nil)
	}
	value, err := e.data.Aggregate(ctx, cfg, exprScope(rc))
	if err != nil {
		return false, err
	}
	return Compare(value, cfg.Operator, cfg.Value, nil)
}

func (e *Evaluator) evalCount(ctx context.Context, cfg *rulengine.CountConfig, rc *rulengine.Context) (bool, error) {
	if e.data == nil {
		return false, rulengine.CloneError(rulengine.ErrCollaboratorMissing,
			"no data source wired for COUNT conditions", nil, nil)
	}
	count, err := e.data.Count(ctx, cfg, exprScope(rc))
	if err != nil {
		return false, err
	}
	return Compare(count, cfg.Operator, cfg.Value, nil)
}

func (e *Evaluator) evalAPI(ctx context.Context, cfg *rulengine.APIConfig, rc *rulengine.Context) (bool, error) {
	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if cfg.Body != nil {
		encoded, err := json.Marshal(cfg.Body)
		if err != nil {
			return false, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, body)
	if err != nil {
		return false, err
	}
	if cfg.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("condition endpoint returned %d", resp.StatusCode)
	}

	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("failed to decode condition response: %w", err)
	}

	value := payload
	if cfg.ResponsePath != "" {
		m, ok := payload.(map[string]any)
		if !ok {
			return false, fmt.Errorf("response path %q set but response is not an object", cfg.ResponsePath)
		}
		value = ResolvePath(m, cfg.ResponsePath)
	}
	return Compare(value, cfg.Operator, cfg.Value, nil)
}

// evalTime measures how long ago the anchor was, in the configured unit, and
// compares that elapsed amount. The anchor defaults to the event timestamp
// when present, else the start of evaluation.
func (e *Evaluator) evalTime(cfg *rulengine.TimeConfig, rc *rulengine.Context) (bool, error) {
	now := e.clock()
	anchor := now

	switch cfg.Reference {
	case "", "now":
		if ts, ok := rc.Metadata["timestamp"].(time.Time); ok {
			anchor = ts
		}
	case "event_time":
		ts, ok := rc.Metadata["timestamp"].(time.Time)
		if !ok {
			return false, fmt.Errorf("time condition references event_time but no event timestamp is present")
		}
		anchor = ts
	case "field":
		raw := ResolvePath(rc.TriggerData, cfg.FieldPath)
		ts, err := parseTimestamp(raw)
		if err != nil {
			return false, err
		}
		anchor = ts
	default:
		return false, fmt.Errorf("unknown time reference: %s", cfg.Reference)
	}

	elapsed := now.Sub(anchor)
	var amount float64
	switch cfg.Unit {
	case "seconds":
		amount = elapsed.Seconds()
	case "", "minutes":
		amount = elapsed.Minutes()
	case "hours":
		amount = elapsed.Hours()
	case "days":
		amount = elapsed.Hours() / 24
	default:
		return false, fmt.Errorf("unknown time unit: %s", cfg.Unit)
	}
	return Compare(amount, cfg.Operator, cfg.Value, nil)
}

func parseTimestamp(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("field is not an RFC3339 timestamp: %w", err)
		}
		return ts, nil
	case float64:
		// Epoch milliseconds, the wire form most payloads carry.
		return time.UnixMilli(int64(v)), nil
	case int64:
		return time.UnixMilli(v), nil
	default:
		return time.Time{}, fmt.Errorf("field value %v is not a timestamp", raw)
	}
}

// exprScope projects the trigger context into the expression sandbox's
// variable set.
func exprScope(rc *rulengine.Context) map[string]any {
	scope := map[string]any{
		"event": map[string]any{},
	}
	if rc.TriggerData != nil {
		scope["event"] = rc.TriggerData
	}
	if rc.Rule != nil {
		scope["rule"] = map[string]any{
			"id":       rc.Rule.ID,
			"code":     rc.Rule.Code,
			"name":     rc.Rule.Name,
			"type":     string(rc.Rule.Type),
			"priority": string(rc.Rule.Priority),
		}
	}
	scope["execution"] = map[string]any{
		"triggerType":   string(rc.TriggerType),
		"triggerSource": rc.TriggerSource,
		"tenantId":      rc.TenantID,
		"siteId":        rc.SiteID,
		"userId":        rc.UserID,
	}
	return scope
}
