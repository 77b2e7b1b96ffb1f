package automation

import (
	"errors"
	"fmt"
)

// Error classes. Every *Error carries exactly one of these as its Class, so
// callers branch with errors.Is:
//
//	if errors.Is(err, automation.ErrNotFound) {
//	    // 404
//	}
var (
	// ErrValidation marks malformed, missing, or mistyped input.
	ErrValidation = errors.New("automation: validation failed")

	// ErrNotFound marks a missing automation, trigger, condition, or action.
	ErrNotFound = errors.New("automation: not found")

	// ErrChildNotOwned marks a child that exists under a different automation.
	ErrChildNotOwned = errors.New("automation: child not owned")

	// ErrAuthFailed marks the backend rejecting our credentials.
	ErrAuthFailed = errors.New("backend: authentication failed")

	// ErrEntityNotFound marks the backend having no such entity.
	ErrEntityNotFound = errors.New("backend: entity not found")

	// ErrInvalidCommand marks the backend rejecting the command shape.
	ErrInvalidCommand = errors.New("backend: invalid command")

	// ErrBackendUnreachable marks a timeout or network failure talking to the backend.
	ErrBackendUnreachable = errors.New("backend: unreachable")

	// ErrBackend marks any other backend failure.
	ErrBackend = errors.New("backend: error")

	// ErrInternal marks storage or unexpected failures.
	ErrInternal = errors.New("automation: internal error")
)

// Machine-readable error codes.
const (
	CodeInvalidType         = "INVALID_TYPE"
	CodeMissingEntityID     = "MISSING_ENTITY_ID"
	CodeMissingTime         = "MISSING_TIME"
	CodeInvalidTimeFormat   = "INVALID_TIME_FORMAT"
	CodeMissingTopic        = "MISSING_TOPIC"
	CodeInvalidOffset       = "INVALID_OFFSET"
	CodeInvalidSolarEvent   = "INVALID_SOLAR_EVENT"
	CodeMissingService      = "MISSING_SERVICE"
	CodeInvalidService      = "INVALID_SERVICE"
	CodeMissingSceneID      = "MISSING_SCENE_ID"
	CodeInvalidData         = "INVALID_DATA"
	CodeInvalidName         = "INVALID_NAME"
	CodeInvalidTags         = "INVALID_TAGS"
	CodeInvalidJSON         = "INVALID_JSON"
	CodeInvalidID           = "INVALID_ID"
	CodeDomainMismatch      = "DOMAIN_MISMATCH"
	CodeUnsupportedService  = "UNSUPPORTED_SERVICE"
	CodeAutomationDisabled  = "AUTOMATION_DISABLED"
	CodeAutomationNotFound  = "AUTOMATION_NOT_FOUND"
	CodeParentNotFound      = "PARENT_NOT_FOUND"
	CodeTriggerNotFound     = "TRIGGER_NOT_FOUND"
	CodeConditionNotFound   = "CONDITION_NOT_FOUND"
	CodeActionNotFound      = "ACTION_NOT_FOUND"
	CodeChildNotOwned       = "CHILD_NOT_OWNED"
	CodeAuthFailed          = "AUTH_FAILED"
	CodeEntityNotFound      = "ENTITY_NOT_FOUND"
	CodeInvalidCommand      = "INVALID_COMMAND"
	CodeBackendUnreachable  = "BACKEND_UNREACHABLE"
	CodeBackendError        = "BACKEND_ERROR"
	CodeLocalDeviceDisabled = "LOCAL_DEVICE_UNAVAILABLE"
	CodeInternal            = "INTERNAL_ERROR"
)

// Error is the structured error returned across the automation package.
// Message is safe to show to API callers; it never contains alarm codes or
// backend tokens.
type Error struct {
	Class   error
	Code    string
	Message string
	Details map[string]any

	// Timeout distinguishes a deadline (408) from other network failures
	// (503) within ErrBackendUnreachable.
	Timeout bool

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Class == ErrInternal {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Is matches the error's class sentinel, or another *Error with the same code.
func (e *Error) Is(target error) bool {
	if target == e.Class {
		return true
	}
	if t, ok := target.(*Error); ok {
		return t.Code == e.Code
	}
	return false
}

func (e *Error) Unwrap() error { return e.Err }

// Not-found presets. Compare with errors.Is; do not mutate.
var (
	ErrAutomationNotFound = &Error{Class: ErrNotFound, Code: CodeAutomationNotFound, Message: "automation not found"}
	ErrParentNotFound     = &Error{Class: ErrNotFound, Code: CodeParentNotFound, Message: "parent automation not found"}
	ErrTriggerNotFound    = &Error{Class: ErrNotFound, Code: CodeTriggerNotFound, Message: "trigger not found"}
	ErrConditionNotFound  = &Error{Class: ErrNotFound, Code: CodeConditionNotFound, Message: "condition not found"}
	ErrActionNotFound     = &Error{Class: ErrNotFound, Code: CodeActionNotFound, Message: "action not found"}
)

func validationError(code, format string, args ...any) *Error {
	return &Error{Class: ErrValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func notOwnedError(kind string, childID, automationID int64) *Error {
	return &Error{
		Class:   ErrChildNotOwned,
		Code:    CodeChildNotOwned,
		Message: fmt.Sprintf("%s %d does not belong to automation %d", kind, childID, automationID),
	}
}

// internalError wraps a storage or unexpected failure. Errors that are
// already structured pass through unchanged.
func internalError(op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Class: ErrInternal, Code: CodeInternal, Message: op, Err: err}
}

// AsError returns err as an *Error, wrapping unstructured errors as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Class: ErrInternal, Code: CodeInternal, Message: "internal error", Err: err}
}
