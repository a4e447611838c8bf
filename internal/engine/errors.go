package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error detected while firing a rule.
//
// Runtime errors abort the current firing only. The rule stays installed
// and later firings run normally.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// RuleID identifies the affected rule.
	RuleID string

	// FiringID identifies the affected firing.
	FiringID string

	// ModuleID is the condition or action involved, when there is one.
	ModuleID string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying handler error, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeActionFailed indicates an action handler returned an error.
	ErrCodeActionFailed RuntimeErrorCode = "ACTION_FAILED"

	// ErrCodeActionTimeout indicates an action exceeded the action timeout.
	ErrCodeActionTimeout RuntimeErrorCode = "ACTION_TIMEOUT"

	// ErrCodeUnresolvedInput indicates a required action input was missing
	// from the firing context. Validation rules this out except for
	// forward references between actions.
	ErrCodeUnresolvedInput RuntimeErrorCode = "UNRESOLVED_INPUT"

	// ErrCodeHandlerPanic indicates a condition or action handler panicked.
	ErrCodeHandlerPanic RuntimeErrorCode = "HANDLER_PANIC"

	// ErrCodeUnknownTrigger indicates the fired trigger is not in the graph.
	ErrCodeUnknownTrigger RuntimeErrorCode = "UNKNOWN_TRIGGER"

	// ErrCodeRuleNotFound indicates no rule is installed under the ID.
	ErrCodeRuleNotFound RuntimeErrorCode = "RULE_NOT_FOUND"

	// ErrCodeRuleRetracted indicates a queued firing was dropped because
	// its rule was retracted before it started.
	ErrCodeRuleRetracted RuntimeErrorCode = "RULE_RETRACTED"

	// ErrCodeQueueFull indicates the rule's pending firing limit was reached.
	ErrCodeQueueFull RuntimeErrorCode = "QUEUE_FULL"

	// ErrCodeEngineClosed indicates the engine was closed.
	ErrCodeEngineClosed RuntimeErrorCode = "ENGINE_CLOSED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.RuleID != "" && e.ModuleID != "" {
		msg = fmt.Sprintf("%s (rule=%s, module=%s)", msg, e.RuleID, e.ModuleID)
	} else if e.RuleID != "" {
		msg = fmt.Sprintf("%s (rule=%s)", msg, e.RuleID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying handler error.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsTimeoutError reports whether err is an action timeout.
// Uses errors.As to handle wrapped errors.
func IsTimeoutError(err error) bool {
	return hasCode(err, ErrCodeActionTimeout)
}

// IsRuleNotFoundError reports whether err names an uninstalled rule.
func IsRuleNotFoundError(err error) bool {
	return hasCode(err, ErrCodeRuleNotFound)
}

// IsUnknownTriggerError reports whether err names a trigger missing from the graph.
func IsUnknownTriggerError(err error) bool {
	return hasCode(err, ErrCodeUnknownTrigger)
}

// IsQueueFullError reports whether err is a rejected firing due to the queue limit.
func IsQueueFullError(err error) bool {
	return hasCode(err, ErrCodeQueueFull)
}

// IsEngineClosedError reports whether err was caused by engine shutdown.
func IsEngineClosedError(err error) bool {
	return hasCode(err, ErrCodeEngineClosed)
}

// NewRuleNotFoundError creates a RuntimeError for an unknown rule ID.
func NewRuleNotFoundError(ruleID string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeRuleNotFound,
		Message: "no rule installed with this id",
		RuleID:  ruleID,
	}
}

// NewUnknownTriggerError creates a RuntimeError for a trigger that is not
// part of the rule's graph.
func NewUnknownTriggerError(ruleID, triggerID string) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeUnknownTrigger,
		Message:  fmt.Sprintf("rule has no trigger %q", triggerID),
		RuleID:   ruleID,
		ModuleID: triggerID,
	}
}

// NewQueueFullError creates a RuntimeError for a rejected firing.
func NewQueueFullError(ruleID string, pending, limit int) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeQueueFull,
		Message: fmt.Sprintf("pending firings reached limit (%d >= %d)", pending, limit),
		RuleID:  ruleID,
		Details: map[string]string{
			"pending": fmt.Sprintf("%d", pending),
			"limit":   fmt.Sprintf("%d", limit),
		},
	}
}

// NewEngineClosedError creates a RuntimeError for work refused or
// abandoned during shutdown.
func NewEngineClosedError(ruleID string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeEngineClosed,
		Message: "engine is closed",
		RuleID:  ruleID,
	}
}
