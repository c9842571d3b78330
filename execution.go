package rulengine

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the state of one rule invocation.
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "PENDING"
	ExecutionProcessing ExecutionStatus = "PROCESSING"
	ExecutionCompleted  ExecutionStatus = "COMPLETED"
	ExecutionPartial    ExecutionStatus = "PARTIAL"
	ExecutionFailed     ExecutionStatus = "FAILED"
	ExecutionSkipped    ExecutionStatus = "SKIPPED"
	ExecutionCancelled  ExecutionStatus = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionPartial, ExecutionFailed, ExecutionSkipped, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// TriggerType identifies the origin of a rule invocation.
type TriggerType string

const (
	TriggerEvent    TriggerType = "event"
	TriggerSchedule TriggerType = "schedule"
	TriggerManual   TriggerType = "manual"
	TriggerAPI      TriggerType = "api"
)

// ConditionResult is one entry of the execution's condition ledger.
type ConditionResult struct {
	ConditionID string        `json:"conditionId"`
	Name        string        `json:"name,omitempty"`
	Passed      bool          `json:"passed"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// ActionResult is one entry of the execution's action ledger.
type ActionResult struct {
	ActionID   string        `json:"actionId"`
	Name       string        `json:"name,omitempty"`
	Type       ActionType    `json:"type"`
	Success    bool          `json:"success"`
	ExecutedAt time.Time     `json:"executedAt"`
	Duration   time.Duration `json:"duration"`
	Output     any           `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// RecipientRecord is one entry of the execution's recipient ledger.
type RecipientRecord struct {
	Recipient string    `json:"recipient"`
	Channel   string    `json:"channel,omitempty"`
	Delivered bool      `json:"delivered"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// EscalationRecord is one entry of the execution's escalation ledger.
type EscalationRecord struct {
	Level       int       `json:"level"`
	Recipients  []string  `json:"recipients"`
	Reason      string    `json:"reason"`
	TriggeredAt time.Time `json:"triggeredAt"`
}

// Acknowledgment marks an execution as seen by an operator.
type Acknowledgment struct {
	By   string    `json:"by"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// Execution is the audit record of one rule invocation. It is created when
// processing starts, mutated throughout the pipeline, and always finalized
// before it is persisted for the last time.
type Execution struct {
	ID            string          `json:"id"`
	RuleID        string          `json:"ruleId"`
	Status        ExecutionStatus `json:"status"`
	TriggerType   TriggerType     `json:"triggerType"`
	TriggerSource string          `json:"triggerSource,omitempty"`
	TriggerData   map[string]any  `json:"triggerData,omitempty"`

	ConditionsPassed bool              `json:"conditionsPassed"`
	ConditionResults []ConditionResult `json:"conditionResults,omitempty"`

	ActionResults     []ActionResult `json:"actionResults,omitempty"`
	TotalActions      int            `json:"totalActions"`
	SuccessfulActions int            `json:"successfulActions"`
	FailedActions     int            `json:"failedActions"`

	Recipients         []RecipientRecord `json:"recipients,omitempty"`
	RecipientsNotified int               `json:"recipientsNotified"`
	RecipientsFailed   int               `json:"recipientsFailed"`

	Escalations []EscalationRecord `json:"escalations,omitempty"`
	Ack         *Acknowledgment    `json:"ack,omitempty"`

	ErrorMessage string   `json:"errorMessage,omitempty"`
	Errors       []string `json:"errors,omitempty"`

	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// NewExecution creates a PENDING record for one rule invocation.
func NewExecution(rule *Rule, trigger TriggerType, source string, data map[string]any, at time.Time) *Execution {
	return &Execution{
		ID:            uuid.NewString(),
		RuleID:        rule.ID,
		Status:        ExecutionPending,
		TriggerType:   trigger,
		TriggerSource: source,
		TriggerData:   data,
		StartedAt:     at,
	}
}

var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending:    {ExecutionProcessing, ExecutionCancelled, ExecutionFailed},
	ExecutionProcessing: {ExecutionCompleted, ExecutionPartial, ExecutionFailed, ExecutionSkipped, ExecutionCancelled},
}

func (e *Execution) transition(to ExecutionStatus) error {
	for _, allowed := range executionTransitions[e.Status] {
		if allowed == to {
			e.Status = to
			return nil
		}
	}
	return CloneError(ErrInvalidTransition, "", nil, map[string]any{
		"execution_id": e.ID,
		"from":         string(e.Status),
		"to":           string(to),
	})
}

// Begin moves the record to PROCESSING immediately before condition
// evaluation starts.
func (e *Execution) Begin() error {
	return e.transition(ExecutionProcessing)
}

// RecordCondition appends to the condition ledger.
func (e *Execution) RecordCondition(r ConditionResult) {
	e.ConditionResults = append(e.ConditionResults, r)
}

// RecordAction appends to the action ledger and maintains totals.
func (e *Execution) RecordAction(r ActionResult) {
	e.ActionResults = append(e.ActionResults, r)
	e.TotalActions++
	if r.Success {
		e.SuccessfulActions++
	} else {
		e.FailedActions++
		if r.Error != "" {
			e.Errors = append(e.Errors, r.Error)
		}
	}
}

// RecordRecipients appends to the recipient ledger and maintains totals.
func (e *Execution) RecordRecipients(records []RecipientRecord) {
	for _, r := range records {
		e.Recipients = append(e.Recipients, r)
		if r.Delivered {
			e.RecipientsNotified++
		} else {
			e.RecipientsFailed++
		}
	}
}

// RecordEscalation appends to the escalation ledger.
func (e *Execution) RecordEscalation(r EscalationRecord) {
	e.Escalations = append(e.Escalations, r)
}

// Skip marks the execution as skipped because conditions did not pass.
func (e *Execution) Skip() error {
	return e.transition(ExecutionSkipped)
}

// ClassifyActions settles the terminal status from the action ledger:
// no failures completes, a mix is partial, nothing but failures (including
// zero executed actions after a stop-on-error halt) fails.
func (e *Execution) ClassifyActions() error {
	switch {
	case e.FailedActions == 0:
		return e.transition(ExecutionCompleted)
	case e.SuccessfulActions > 0:
		return e.transition(ExecutionPartial)
	default:
		return e.transition(ExecutionFailed)
	}
}

// Fail forces the execution into FAILED, capturing the error.
func (e *Execution) Fail(err error) {
	if err != nil {
		e.ErrorMessage = err.Error()
		e.Errors = append(e.Errors, err.Error())
	}
	if !e.Status.Terminal() {
		e.Status = ExecutionFailed
	}
}

// Cancel marks a suspended execution as cancelled, recording why.
func (e *Execution) Cancel(reason string) {
	if e.Status.Terminal() {
		return
	}
	e.Status = ExecutionCancelled
	if reason != "" {
		e.Errors = append(e.Errors, reason)
		if e.ErrorMessage == "" {
			e.ErrorMessage = reason
		}
	}
}

// Finalize stamps the end time and computes the duration. A record that is
// somehow still PENDING or PROCESSING is forced to FAILED so that no
// execution is ever persisted in a non-terminal state.
func (e *Execution) Finalize(at time.Time) {
	ts := at
	e.FinishedAt = &ts
	e.Duration = at.Sub(e.StartedAt)
	if !e.Status.Terminal() {
		e.Status = ExecutionFailed
		if e.ErrorMessage == "" {
			e.ErrorMessage = "execution was not settled before finalization"
		}
	}
}

// Acknowledge records an operator acknowledgment exactly once.
func (e *Execution) Acknowledge(by, note string, at time.Time) error {
	if e.Ack != nil {
		return CloneError(ErrAlreadyAcknowledged, "", nil, map[string]any{
			"execution_id": e.ID,
			"acked_by":     e.Ack.By,
		})
	}
	e.Ack = &Acknowledgment{By: by, At: at, Note: note}
	return nil
}

// Result projects the caller-facing execution summary.
func (e *Execution) Result() *ExecutionResult {
	return &ExecutionResult{
		ExecutionID:        e.ID,
		RuleID:             e.RuleID,
		Status:             e.Status,
		ConditionsPassed:   e.ConditionsPassed,
		ActionsExecuted:    e.TotalActions,
		RecipientsNotified: e.RecipientsNotified,
		Errors:             e.Errors,
		Duration:           e.Duration,
	}
}

// ExecutionResult is the summary surface returned to callers.
type ExecutionResult struct {
	ExecutionID        string          `json:"executionId"`
	RuleID             string          `json:"ruleId"`
	Status             ExecutionStatus `json:"status"`
	ConditionsPassed   bool            `json:"conditionsPassed"`
	ActionsExecuted    int             `json:"actionsExecuted"`
	RecipientsNotified int             `json:"recipientsNotified"`
	Errors             []string        `json:"errors,omitempty"`
	Duration           time.Duration   `json:"durationMs"`
}
