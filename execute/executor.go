// Package execute performs a rule's side-effecting actions. The executor
// dispatches on the action's typed payload and returns a per-action outcome;
// ordering, delays, and stop-on-error handling belong to the engine's
// pipeline, not here.
package execute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	rulengine "github.com/forgeworks/go-rulengine"
)

// HTTPDoer is the slice of http.Client used by CALL_API actions.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// FieldUpdater applies UPDATE_FIELD actions to stored entities.
type FieldUpdater interface {
	UpdateField(ctx context.Context, entity, entityID, fieldPath string, value any) error
}

// TaskCreator applies CREATE_TASK actions. It returns the created task id.
type TaskCreator interface {
	CreateTask(ctx context.Context, cfg *rulengine.TaskConfig, rc *rulengine.Context) (string, error)
}

// WorkflowTrigger applies TRIGGER_WORKFLOW actions. It returns the workflow
// run id.
type WorkflowTrigger interface {
	TriggerWorkflow(ctx context.Context, name string, input map[string]any) (string, error)
}

// ReportSender applies SEND_REPORT actions.
type ReportSender interface {
	SendReport(ctx context.Context, cfg *rulengine.ReportConfig, rc *rulengine.Context) error
}

// FunctionHandler is a registered named handler for EXECUTE_FUNCTION actions.
type FunctionHandler func(ctx context.Context, args map[string]any, rc *rulengine.Context) (any, error)

// CustomHandler is a registered opaque handler for CUSTOM actions.
type CustomHandler func(ctx context.Context, payload map[string]any, rc *rulengine.Context) (any, error)

// Outcome is the result of one action.
type Outcome struct {
	Output             any
	Recipients         []rulengine.RecipientRecord
	RecipientsNotified int
}

const defaultAPITimeout = 30 * time.Second

// Option customizes an Executor.
type Option func(*Executor)

// WithDelivery wires the notification transport.
func WithDelivery(d rulengine.Delivery) Option {
	return func(e *Executor) { e.delivery = d }
}

// WithHTTPClient overrides the HTTP client used by CALL_API actions.
func WithHTTPClient(client HTTPDoer) Option {
	return func(e *Executor) {
		if client != nil {
			e.http = client
		}
	}
}

// WithFieldUpdater wires the UPDATE_FIELD backend.
func WithFieldUpdater(f FieldUpdater) Option {
	return func(e *Executor) { e.fields = f }
}

// WithTaskCreator wires the CREATE_TASK backend.
func WithTaskCreator(t TaskCreator) Option {
	return func(e *Executor) { e.tasks = t }
}

// WithWorkflowTrigger wires the TRIGGER_WORKFLOW backend.
func WithWorkflowTrigger(w WorkflowTrigger) Option {
	return func(e *Executor) { e.workflows = w }
}

// WithReportSender wires the SEND_REPORT backend.
func WithReportSender(r ReportSender) Option {
	return func(e *Executor) { e.reports = r }
}

// WithLogger sets the executor's logger, also used by LOG_EVENT actions.
func WithLogger(logger rulengine.Logger) Option {
	return func(e *Executor) { e.log = rulengine.NormalizeLogger(logger) }
}

// WithClock overrides the wall clock, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithSleep overrides the retry sleep, mainly for tests.
func WithSleep(sleep func(time.Duration)) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// Executor runs individual actions. Safe for concurrent use once configured;
// handler registration is not synchronized and belongs in setup.
type Executor struct {
	delivery  rulengine.Delivery
	http      HTTPDoer
	fields    FieldUpdater
	tasks     TaskCreator
	workflows WorkflowTrigger
	reports   ReportSender
	functions map[string]FunctionHandler
	customs   map[string]CustomHandler
	log       rulengine.Logger
	clock     func() time.Time
	sleep     func(time.Duration)
}

// New builds an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		http:      &http.Client{Timeout: defaultAPITimeout},
		functions: make(map[string]FunctionHandler),
		customs:   make(map[string]CustomHandler),
		log:       rulengine.NewFmtLogger(nil),
		clock:     time.Now,
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// RegisterFunction registers a named handler for EXECUTE_FUNCTION actions.
func (e *Executor) RegisterFunction(name string, handler FunctionHandler) {
	e.functions[name] = handler
}

// RegisterCustomHandler registers a handler for CUSTOM actions.
func (e *Executor) RegisterCustomHandler(name string, handler CustomHandler) {
	e.customs[name] = handler
}

// Execute runs a single action and returns its outcome. The configured
// pre-action delay is NOT applied here; the engine owns waiting.
func (e *Executor) Execute(ctx context.Context, a *rulengine.Action, rc *rulengine.Context) (*Outcome, error) {
	cfg := a.Config()
	if cfg == nil {
		return nil, rulengine.CloneError(rulengine.ErrActionUnconfigured, "", nil, map[string]any{
			"action_id": a.ID,
			"type":      string(a.Type),
		})
	}

	switch cfg := cfg.(type) {
	case *rulengine.NotificationConfig:
		return e.sendNotification(ctx, cfg, rc)
	case *rulengine.UpdateFieldConfig:
		return e.updateField(ctx, cfg, rc)
	case *rulengine.FunctionConfig:
		return e.executeFunction(ctx, cfg, rc)
	case *rulengine.APICallConfig:
		return e.callAPI(ctx, cfg)
	case *rulengine.TaskConfig:
		return e.createTask(ctx, cfg, rc)
	case *rulengine.WorkflowConfig:
		return e.triggerWorkflow(ctx, cfg)
	case *rulengine.LogConfig:
		return e.logEvent(cfg, rc)
	case *rulengine.ReportConfig:
		return e.sendReport(ctx, cfg, rc)
	case *rulengine.CustomConfig:
		return e.runCustom(ctx, cfg, rc)
	default:
		return nil, rulengine.CloneError(rulengine.ErrActionFailed,
			fmt.Sprintf("unsupported action type: %s", a.Type), nil, nil)
	}
}

func (e *Executor) sendNotification(ctx context.Context, cfg *rulengine.NotificationConfig, rc *rulengine.Context) (*Outcome, error) {
	if e.delivery == nil {
		return nil, rulengine.CloneError(rulengine.ErrCollaboratorMissing,
			"no delivery transport wired for SEND_NOTIFICATION", nil, nil)
	}

	recipients := cfg.Recipients
	if recipients.Empty() {
		recipients = rc.Rule.Recipients
	}
	channels := cfg.Channels
	if len(channels) == 0 {
		channels = rc.Rule.Delivery.Channels
	}
	if len(channels) == 0 {
		channels = []string{"email"}
	}
	priority := cfg.Priority
	if priority == "" {
		priority = strings.ToLower(string(rc.Rule.Priority))
	}

	receipt, err := e.delivery.Send(ctx, rulengine.DeliveryRequest{
		Title:      cfg.Title,
		Body:       cfg.Body,
		Channels:   channels,
		Recipients: recipients.All(),
		Priority:   priority,
		Metadata: map[string]any{
			"ruleId":        rc.Rule.ID,
			"ruleCode":      rc.Rule.Code,
			"triggerType":   string(rc.TriggerType),
			"triggerSource": rc.TriggerSource,
		},
	})
	if err != nil {
		return nil, rulengine.CloneError(rulengine.ErrDeliveryFailed, "", err, map[string]any{
			"rule_id": rc.Rule.ID,
		})
	}

	out := &Outcome{
		Output:             receipt,
		Recipients:         receipt.RecipientRecords(e.clock()),
		RecipientsNotified: receipt.Delivered,
	}
	if receipt.Delivered == 0 && receipt.Failed > 0 {
		return out, rulengine.CloneError(rulengine.ErrDeliveryFailed,
			"no recipient could be reached", nil, map[string]any{
				"rule_id": rc.Rule.ID,
				"failed":  receipt.Failed,
			})
	}
	return out, nil
}

func (e *Executor) updateField(ctx context.Context, cfg *rulengine.UpdateFieldConfig, rc *rulengine.Context) (*Outcome, error) {
	if e.fields == nil {
		return nil, rulengine.CloneError(rulengine.ErrCollaboratorMissing,
			"no field updater wired for UPDATE_FIELD", nil, nil)
	}

	entityID := ""
	if cfg.EntityIDPath != "" {
		if v := resolvePayloadString(rc.TriggerData, cfg.EntityIDPath); v != "" {
			entityID = v
		} else {
			return nil, rulengine.CloneError(rulengine.ErrActionFailed,
				"entity id path resolved to nothing", nil, map[string]any{
					"entity":  cfg.Entity,
					"id_path": cfg.EntityIDPath,
				})
		}
	}

	if err := e.fields.UpdateField(ctx, cfg.Entity, entityID, cfg.FieldPath, cfg.Value); err != nil {
		return nil, err
	}
	return &Outcome{Output: map[string]any{
		"entity":    cfg.Entity,
		"entityId":  entityID,
		"fieldPath": cfg.FieldPath,
	}}, nil
}

func (e *Executor) executeFunction(ctx context.Context, cfg *rulengine.FunctionConfig, rc *rulengine.Context) (*Outcome, error) {
	handler, ok := e.functions[cfg.Name]
	if !ok {
		return nil, rulengine.CloneError(rulengine.ErrActionFailed,
			"no registered function handler", nil, map[string]any{
				"function": cfg.Name,
			})
	}
	output, err := handler(ctx, cfg.Args, rc)
	if err != nil {
		return nil, err
	}
	return &Outcome{Output: output}, nil
}

func (e *Executor) callAPI(ctx context.Context, cfg *rulengine.APICallConfig) (*Outcome, error) {
	strategy := strategyFor(cfg)
	attempts := cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			e.sleep(strategy.SleepDuration(attempt-1, lastErr))
		}
		output, err := e.doAPICall(ctx, cfg)
		if err == nil {
			return &Outcome{Output: output}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, rulengine.CloneError(rulengine.ErrActionFailed, "api call exhausted retries", lastErr, map[string]any{
		"url":      cfg.URL,
		"attempts": attempts,
	})
}

func (e *Executor) doAPICall(ctx context.Context, cfg *rulengine.APICallConfig) (any, error) {
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if cfg.Body != nil {
		encoded, err := json.Marshal(cfg.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
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
		return nil, err
	}
	if cfg.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	applyAuth(req, cfg.Auth)

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded any
	if len(raw) > 0 && json.Unmarshal(raw, &decoded) == nil {
		return decoded, nil
	}
	return string(raw), nil
}

func applyAuth(req *http.Request, auth *rulengine.APIAuth) {
	if auth == nil {
		return
	}
	switch {
	case auth.Bearer != "":
		req.Header.Set("Authorization", "Bearer "+auth.Bearer)
	case auth.Username != "":
		req.SetBasicAuth(auth.Username, auth.Password)
	case auth.APIKeyHeader != "" && auth.APIKey != "":
		req.Header.Set(auth.APIKeyHeader, auth.APIKey)
	}
}

func (e *Executor) createTask(ctx context.Context, cfg *rulengine.TaskConfig, rc *rulengine.Context) (*Outcome, error) {
	if e.tasks == nil {
		return nil, rulengine.CloneError(rulengine.ErrCollaboratorMissing,
			"no task backend wired for CREATE_TASK", nil, nil)
	}
	id, err := e.tasks.CreateTask(ctx, cfg, rc)
	if err != nil {
		return nil, err
	}
	return &Outcome{Output: map[string]any{"taskId": id}}, nil
}

func (e *Executor) triggerWorkflow(ctx context.Context, cfg *rulengine.WorkflowConfig) (*Outcome, error) {
	if e.workflows == nil {
		return nil, rulengine.CloneError(rulengine.ErrCollaboratorMissing,
			"no workflow backend wired for TRIGGER_WORKFLOW", nil, nil)
	}
	runID, err := e.workflows.TriggerWorkflow(ctx, cfg.Name, cfg.Input)
	if err != nil {
		return nil, err
	}
	return &Outcome{Output: map[string]any{"workflowRunId": runID}}, nil
}

func (e *Executor) logEvent(cfg *rulengine.LogConfig, rc *rulengine.Context) (*Outcome, error) {
	logger := rulengine.LoggerWithFields(e.log, map[string]any{
		"rule_id":        rc.Rule.ID,
		"trigger_source": rc.TriggerSource,
	})
	switch strings.ToLower(cfg.Level) {
	case "debug":
		logger.Debug(cfg.Message)
	case "warn", "warning":
		logger.Warn(cfg.Message)
	case "error":
		logger.Error(cfg.Message)
	default:
		logger.Info(cfg.Message)
	}
	return &Outcome{Output: map[string]any{"logged": cfg.Message}}, nil
}

func (e *Executor) sendReport(ctx context.Context, cfg *rulengine.ReportConfig, rc *rulengine.Context) (*Outcome, error) {
	if e.reports == nil {
		return nil, rulengine.CloneError(rulengine.ErrCollaboratorMissing,
			"no report backend wired for SEND_REPORT", nil, nil)
	}
	if err := e.reports.SendReport(ctx, cfg, rc); err != nil {
		return nil, err
	}
	return &Outcome{Output: map[string]any{"report": cfg.Name}}, nil
}

func (e *Executor) runCustom(ctx context.Context, cfg *rulengine.CustomConfig, rc *rulengine.Context) (*Outcome, error) {
	handler, ok := e.customs[cfg.Handler]
	if !ok {
		return nil, rulengine.CloneError(rulengine.ErrActionFailed,
			"no registered custom handler", nil, map[string]any{
				"handler": cfg.Handler,
			})
	}
	output, err := handler(ctx, cfg.Payload, rc)
	if err != nil {
		return nil, err
	}
	return &Outcome{Output: output}, nil
}

// resolvePayloadString walks a dotted path through the payload and stringifies
// scalar leaves.
func resolvePayloadString(payload map[string]any, path string) string {
	var value any = payload
	for _, key := range strings.Split(path, ".") {
		m, ok := value.(map[string]any)
		if !ok {
			return ""
		}
		value = m[key]
	}
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
