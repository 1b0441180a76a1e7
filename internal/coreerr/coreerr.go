// Package coreerr defines the tagged-variant error taxonomy of the core
// (§7): every error raised by bus, engine, ratelimit, coordinator, monitor,
// step, workflow, or input carries a stable Code, a human message, an
// optional wrapped cause, and a Recoverable flag. Call sites classify by
// Code rather than by Go type, and callers that only care about recovery
// policy can check Recoverable without knowing the taxonomy.
package coreerr

import "fmt"

// Code is a stable, documented error identifier from one of the families in
// spec.md §7 (Engine, Config, Store, Workflow, Validation, Path).
type Code string

const (
	// Engine family.
	CodeEngineNotFound      Code = "engine.not_found"
	CodeEngineNoneRegistered Code = "engine.none_registered"
	CodeEngineAuthRequired  Code = "engine.auth_required"
	CodeEngineCLINotInstalled Code = "engine.cli_not_installed"
	CodeEngineExecutionFailed Code = "engine.execution_failed"
	CodeEngineTimeout       Code = "engine.timeout"
	CodeEngineRateLimited   Code = "engine.rate_limited"

	// Config family.
	CodeConfigAgentNotFound     Code = "config.agent_not_found"
	CodeConfigPromptInvalid     Code = "config.prompt_config_invalid"
	CodeConfigFileNotFound      Code = "config.file_not_found"
	CodeConfigInvalidValue      Code = "config.invalid_value"
	CodeConfigMissingRequired   Code = "config.missing_required"

	// Store family.
	CodeStoreBusy             Code = "store.busy"
	CodeStoreLocked           Code = "store.locked"
	CodeStoreRecordNotFound   Code = "store.record_not_found"
	CodeStoreConnectionFailed Code = "store.connection_failed"
	CodeStoreMigrationFailed  Code = "store.migration_failed"
	CodeStoreTransactionFailed Code = "store.transaction_failed"

	// Workflow family.
	CodeWorkflowStepExecutionFailed  Code = "workflow.step_execution_failed"
	CodeWorkflowInvalidStepType      Code = "workflow.invalid_step_type"
	CodeWorkflowFallbackAgentMissing Code = "workflow.fallback_agent_missing"
	CodeWorkflowCoordinationError    Code = "workflow.coordination_error"
	CodeWorkflowInvalidCommandSyntax Code = "workflow.invalid_command_syntax"
	CodeWorkflowAborted              Code = "workflow.aborted"
	CodeWorkflowPromptLoadFailed     Code = "workflow.prompt_load_failed"

	// Validation family.
	CodeValidationRequiredField       Code = "validation.required_field"
	CodeValidationInvalidField        Code = "validation.invalid_field"
	CodeValidationSpecificationEmpty  Code = "validation.specification_empty"
	CodeValidationSpecificationMissing Code = "validation.specification_missing"
	CodeValidationSpecificationTemplate Code = "validation.specification_template"
	CodeValidationPlaceholderMissing  Code = "validation.placeholder_missing"
	CodeValidationEmptyContent        Code = "validation.empty_content"
	CodeValidationTypeCheck           Code = "validation.type_check"

	// Path family.
	CodePathTraversal Code = "path.traversal"
)

// recoverableDefaults maps each code to its default recoverability per §7.
// Store busy/locked, engine rate-limited and engine timeout are
// recoverable; connection
// failures, traversal, and workflow-aborted are fatal; everything else
// defaults to non-recoverable unless a constructor says otherwise.
var recoverableDefaults = map[Code]bool{
	CodeStoreBusy:           true,
	CodeStoreLocked:         true,
	CodeEngineRateLimited:   true,
	CodeEngineTimeout:       true,
	CodeStoreConnectionFailed: false,
	CodePathTraversal:       false,
	CodeWorkflowAborted:     false,
	CodeStoreMigrationFailed: false,
}

// Error is the single concrete error type for the entire taxonomy.
type Error struct {
	Code        Code
	Message     string
	Cause       error
	Recoverable bool
}

// New constructs an Error for code, defaulting Recoverable from
// recoverableDefaults when the code has a documented default.
func New(code Code, message string, cause error) *Error {
	return &Error{
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: recoverableDefaults[code],
	}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(code Code, cause error, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...), cause)
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the chained cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target shares the same Code, so errors.Is(err,
// coreerr.New(CodeStoreBusy, "", nil)) matches regardless of message/cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// IsRecoverable reports whether err (or any error in its chain) is a
// coreerr.Error marked Recoverable.
func IsRecoverable(err error) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			return ce.Recoverable
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CodeOf returns the Code of err if it is (or wraps) a coreerr.Error.
func CodeOf(err error) (Code, bool) {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			return ce.Code, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return "", false
		}
		err = u.Unwrap()
	}
	return "", false
}
