package rulengine

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeRuleNotFound        = "RULE_NOT_FOUND"
	ErrCodeRuleInCooldown      = "RULE_IN_COOLDOWN"
	ErrCodeInvalidTransition   = "EXECUTION_INVALID_TRANSITION"
	ErrCodeAlreadyAcknowledged = "EXECUTION_ALREADY_ACKNOWLEDGED"
	ErrCodeInvalidExpression   = "INVALID_EXPRESSION"
	ErrCodeInvalidCron         = "INVALID_CRON"
	ErrCodeActionFailed        = "ACTION_FAILED"
	ErrCodeActionUnconfigured  = "ACTION_UNCONFIGURED"
	ErrCodeDeliveryFailed      = "DELIVERY_FAILED"
	ErrCodeCollaboratorMissing = "COLLABORATOR_MISSING"
	ErrCodeEngineStopped       = "ENGINE_STOPPED"
)

var (
	ErrRuleNotFound = apperrors.New("rule not found", apperrors.CategoryNotFound).
			WithTextCode(ErrCodeRuleNotFound)
	ErrRuleInCooldown = apperrors.New("rule is in cooldown", apperrors.CategoryConflict).
				WithTextCode(ErrCodeRuleInCooldown)
	ErrInvalidTransition = apperrors.New("invalid execution transition", apperrors.CategoryConflict).
				WithTextCode(ErrCodeInvalidTransition)
	ErrAlreadyAcknowledged = apperrors.New("execution already acknowledged", apperrors.CategoryConflict).
				WithTextCode(ErrCodeAlreadyAcknowledged)
	ErrInvalidExpression = apperrors.New("invalid expression", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidExpression)
	ErrInvalidCron = apperrors.New("invalid cron expression", apperrors.CategoryValidation).
			WithTextCode(ErrCodeInvalidCron)
	ErrActionFailed = apperrors.New("action execution failed", apperrors.CategoryHandler).
			WithTextCode(ErrCodeActionFailed)
	ErrActionUnconfigured = apperrors.New("action has no payload for its declared type", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeActionUnconfigured)
	ErrDeliveryFailed = apperrors.New("notification delivery failed", apperrors.CategoryExternal).
				WithTextCode(ErrCodeDeliveryFailed)
	ErrCollaboratorMissing = apperrors.New("required collaborator is not configured", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeCollaboratorMissing)
	ErrEngineStopped = apperrors.New("engine is stopped", apperrors.CategoryConflict).
				WithTextCode(ErrCodeEngineStopped)
)

// CloneError derives a concrete error from one of the sentinels, optionally
// replacing the message and attaching a source error and metadata.
func CloneError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrActionFailed
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode extracts the text code from an error produced by this package.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// IsCode reports whether err carries the given text code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}
