package rulengine

import "time"

// ActionType selects which side effect an action performs.
type ActionType string

const (
	ActionSendNotification ActionType = "SEND_NOTIFICATION"
	ActionUpdateField      ActionType = "UPDATE_FIELD"
	ActionExecuteFunction  ActionType = "EXECUTE_FUNCTION"
	ActionCallAPI          ActionType = "CALL_API"
	ActionCreateTask       ActionType = "CREATE_TASK"
	ActionTriggerWorkflow  ActionType = "TRIGGER_WORKFLOW"
	ActionLogEvent         ActionType = "LOG_EVENT"
	ActionSendReport       ActionType = "SEND_REPORT"
	ActionCustom           ActionType = "CUSTOM"
)

// ActionConfig is the payload of exactly one action variant.
type ActionConfig interface {
	ActionType() ActionType
}

// NotificationConfig sends through the delivery collaborator. When Recipients
// is empty the rule-level recipient list applies.
type NotificationConfig struct {
	Title      string        `json:"title" yaml:"title"`
	Body       string        `json:"body,omitempty" yaml:"body,omitempty"`
	Channels   []string      `json:"channels,omitempty" yaml:"channels,omitempty"`
	Recipients RecipientList `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	Priority   string        `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// UpdateFieldConfig mutates a field on a stored entity.
type UpdateFieldConfig struct {
	Entity       string `json:"entity" yaml:"entity"`
	EntityIDPath string `json:"entityIdPath,omitempty" yaml:"entity_id_path,omitempty"`
	FieldPath    string `json:"fieldPath" yaml:"field_path"`
	Value        any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// FunctionConfig invokes a registered named handler.
type FunctionConfig struct {
	Name string         `json:"name" yaml:"name"`
	Args map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
}

// APIAuth selects one HTTP authentication scheme.
type APIAuth struct {
	Bearer       string `json:"bearer,omitempty" yaml:"bearer,omitempty"`
	Username     string `json:"username,omitempty" yaml:"username,omitempty"`
	Password     string `json:"password,omitempty" yaml:"password,omitempty"`
	APIKeyHeader string `json:"apiKeyHeader,omitempty" yaml:"api_key_header,omitempty"`
	APIKey       string `json:"apiKey,omitempty" yaml:"api_key,omitempty"`
}

// APICallConfig issues an HTTP request. Retries are configured per action;
// the engine itself never retries. RetryBackoff spaces the attempts evenly;
// a RetryFactor above 1 grows that spacing per attempt, capped at
// RetryMaxBackoff when set.
type APICallConfig struct {
	Method          string            `json:"method" yaml:"method"`
	URL             string            `json:"url" yaml:"url"`
	Headers         map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body            any               `json:"body,omitempty" yaml:"body,omitempty"`
	Auth            *APIAuth          `json:"auth,omitempty" yaml:"auth,omitempty"`
	Timeout         time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries      int               `json:"maxRetries,omitempty" yaml:"max_retries,omitempty"`
	RetryBackoff    time.Duration     `json:"retryBackoff,omitempty" yaml:"retry_backoff,omitempty"`
	RetryFactor     float64           `json:"retryFactor,omitempty" yaml:"retry_factor,omitempty"`
	RetryMaxBackoff time.Duration     `json:"retryMaxBackoff,omitempty" yaml:"retry_max_backoff,omitempty"`
}

// TaskConfig creates a task record.
type TaskConfig struct {
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Assignee    string `json:"assignee,omitempty" yaml:"assignee,omitempty"`
	DueInHours  int    `json:"dueInHours,omitempty" yaml:"due_in_hours,omitempty"`
	Priority    string `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// WorkflowConfig triggers a named workflow.
type WorkflowConfig struct {
	Name  string         `json:"name" yaml:"name"`
	Input map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
}

// LogConfig writes a leveled log entry.
type LogConfig struct {
	Level   string `json:"level,omitempty" yaml:"level,omitempty"`
	Message string `json:"message" yaml:"message"`
}

// ReportConfig requests report generation and delivery.
type ReportConfig struct {
	Name       string         `json:"name" yaml:"name"`
	Format     string         `json:"format,omitempty" yaml:"format,omitempty"`
	Recipients RecipientList  `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// CustomConfig runs an opaque registered handler.
type CustomConfig struct {
	Handler string         `json:"handler" yaml:"handler"`
	Payload map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

func (*NotificationConfig) ActionType() ActionType { return ActionSendNotification }
func (*UpdateFieldConfig) ActionType() ActionType  { return ActionUpdateField }
func (*FunctionConfig) ActionType() ActionType     { return ActionExecuteFunction }
func (*APICallConfig) ActionType() ActionType      { return ActionCallAPI }
func (*TaskConfig) ActionType() ActionType         { return ActionCreateTask }
func (*WorkflowConfig) ActionType() ActionType     { return ActionTriggerWorkflow }
func (*LogConfig) ActionType() ActionType          { return ActionLogEvent }
func (*ReportConfig) ActionType() ActionType       { return ActionSendReport }
func (*CustomConfig) ActionType() ActionType       { return ActionCustom }

// Action is a typed side-effecting step owned by exactly one rule.
type Action struct {
	ID           string     `json:"id" yaml:"id"`
	RuleID       string     `json:"ruleId,omitempty" yaml:"rule_id,omitempty"`
	Name         string     `json:"name,omitempty" yaml:"name,omitempty"`
	Type         ActionType `json:"type" yaml:"type"`
	OrderIndex   int        `json:"orderIndex" yaml:"order_index"`
	StopOnError  bool       `json:"stopOnError,omitempty" yaml:"stop_on_error,omitempty"`
	DelaySeconds int        `json:"delaySeconds,omitempty" yaml:"delay_seconds,omitempty"`
	Active       bool       `json:"active" yaml:"active"`

	Notification *NotificationConfig `json:"notification,omitempty" yaml:"notification,omitempty"`
	UpdateField  *UpdateFieldConfig  `json:"updateField,omitempty" yaml:"update_field,omitempty"`
	Function     *FunctionConfig     `json:"function,omitempty" yaml:"function,omitempty"`
	APICall      *APICallConfig      `json:"apiCall,omitempty" yaml:"api_call,omitempty"`
	Task         *TaskConfig         `json:"task,omitempty" yaml:"task,omitempty"`
	Workflow     *WorkflowConfig     `json:"workflow,omitempty" yaml:"workflow,omitempty"`
	Log          *LogConfig          `json:"log,omitempty" yaml:"log,omitempty"`
	Report       *ReportConfig       `json:"report,omitempty" yaml:"report,omitempty"`
	Custom       *CustomConfig       `json:"custom,omitempty" yaml:"custom,omitempty"`

	ExecutionCount int64      `json:"executionCount,omitempty" yaml:"execution_count,omitempty"`
	SuccessCount   int64      `json:"successCount,omitempty" yaml:"success_count,omitempty"`
	ErrorCount     int64      `json:"errorCount,omitempty" yaml:"error_count,omitempty"`
	LastSuccess    *bool      `json:"lastSuccess,omitempty" yaml:"last_success,omitempty"`
	LastError      string     `json:"lastError,omitempty" yaml:"last_error,omitempty"`
	LastExecutedAt *time.Time `json:"lastExecutedAt,omitempty" yaml:"last_executed_at,omitempty"`
}

// Delay returns the configured pre-invocation delay.
func (a *Action) Delay() time.Duration {
	return time.Duration(a.DelaySeconds) * time.Second
}

// Config returns the payload matching the action's declared type, ignoring
// unrelated variants present on the same record. Returns nil when the
// matching payload is absent.
func (a *Action) Config() ActionConfig {
	switch a.Type {
	case ActionSendNotification:
		if a.Notification != nil {
			return a.Notification
		}
	case ActionUpdateField:
		if a.UpdateField != nil {
			return a.UpdateField
		}
	case ActionExecuteFunction:
		if a.Function != nil {
			return a.Function
		}
	case ActionCallAPI:
		if a.APICall != nil {
			return a.APICall
		}
	case ActionCreateTask:
		if a.Task != nil {
			return a.Task
		}
	case ActionTriggerWorkflow:
		if a.Workflow != nil {
			return a.Workflow
		}
	case ActionLogEvent:
		if a.Log != nil {
			return a.Log
		}
	case ActionSendReport:
		if a.Report != nil {
			return a.Report
		}
	case ActionCustom:
		if a.Custom != nil {
			return a.Custom
		}
	}
	return nil
}

// RecordOutcome updates the action's running counters after one execution.
func (a *Action) RecordOutcome(success bool, errMsg string, at time.Time) {
	a.ExecutionCount++
	if success {
		a.SuccessCount++
	} else {
		a.ErrorCount++
	}
	s := success
	ts := at
	a.LastSuccess = &s
	a.LastError = errMsg
	a.LastExecutedAt = &ts
}
