package caravan

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// LLMErrorKind classifies an LLMError by cause.
type LLMErrorKind string

const (
	LLMErrAPI            LLMErrorKind = "api"
	LLMErrRateLimit      LLMErrorKind = "rate_limit"
	LLMErrAuthentication LLMErrorKind = "authentication"
	LLMErrInvalidRequest LLMErrorKind = "invalid_request"
	LLMErrSDK            LLMErrorKind = "sdk"
	LLMErrNetwork        LLMErrorKind = "network"
	LLMErrTimeout        LLMErrorKind = "timeout"
)

// LLMError is a failure reported by an LLM client. Status carries the HTTP
// status when the failure came from an HTTP response, and RetryAfter carries
// the parsed Retry-After header when the server sent one.
type LLMError struct {
	Kind       LLMErrorKind
	Status     int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *LLMError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("llm %s (http %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("llm %s: %s", e.Kind, e.Message)
}

func (e *LLMError) Unwrap() error { return e.Err }

// Retryable reports whether the error is transient enough to retry:
// rate limits, network failures, timeouts, and 5xx API errors.
func (e *LLMError) Retryable() bool {
	switch e.Kind {
	case LLMErrRateLimit, LLMErrNetwork, LLMErrTimeout:
		return true
	case LLMErrAPI:
		return e.Status >= 500
	}
	return false
}

// ParseRetryAfter parses a Retry-After header value. Both forms are
// accepted: delay seconds ("120") and HTTP dates. Returns 0 when the
// value is empty or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ConfigError reports missing or invalid static configuration, such as a
// run without a model or an OpenAPI document without paths.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config: " + e.Msg }

// ValidationError reports malformed input to the runtime API surface.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
	}
	return "invalid input: " + e.Msg
}

// ToolNotFoundError reports a tool name no provider could resolve.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string { return "tool not found: " + e.Name }

// ToolArgumentError reports tool-call arguments that could not be parsed
// or that failed schema validation.
type ToolArgumentError struct {
	Name string
	Err  error
}

func (e *ToolArgumentError) Error() string {
	return fmt.Sprintf("tool %s: invalid arguments: %v", e.Name, e.Err)
}

func (e *ToolArgumentError) Unwrap() error { return e.Err }

// ToolErrorKind classifies a ToolExecutionError by cause.
type ToolErrorKind string

const (
	ToolErrHTTP    ToolErrorKind = "http"
	ToolErrAuth    ToolErrorKind = "auth"
	ToolErrTimeout ToolErrorKind = "timeout"
	ToolErrUnknown ToolErrorKind = "unknown"
)

// ToolExecutionError is a failure raised from a tool body. The executor
// normalizes these into failed ToolResults; they never abort a run.
type ToolExecutionError struct {
	Name string
	Kind ToolErrorKind
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %s: %v", e.Name, e.Kind, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// StorageError wraps a persistence failure. Storage failures during a run
// are fatal to the run.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

// ContextOverflowError reports that the context manager could not fit the
// assembled input under the configured token ceiling.
type ContextOverflowError struct {
	Tokens int
	Limit  int
}

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("context overflow: %d tokens exceeds limit %d", e.Tokens, e.Limit)
}

// ContinuationLimitError reports that a run used up its tool-call
// continuation budget without reaching a final answer.
type ContinuationLimitError struct {
	Limit int
}

func (e *ContinuationLimitError) Error() string {
	return fmt.Sprintf("continuation limit exceeded: %d", e.Limit)
}

// ErrRunExpired is the cancel cause used when a run outlives its
// expires_at deadline.
var ErrRunExpired = errors.New("run expired")

// Stable error codes used in run records and failure events.
const (
	CodeConfiguration     = "configuration_error"
	CodeValidation        = "validation_error"
	CodeInputBlocked      = "input_blocked"
	CodeToolNotFound      = "tool_not_found"
	CodeInvalidArguments  = "invalid_arguments"
	CodeToolExecution     = "tool_execution_error"
	CodeStorage           = "storage_error"
	CodeNotFound          = "not_found"
	CodeContextOverflow   = "context_overflow"
	CodeCancelled         = "cancelled"
	CodeExpired           = "expired"
	CodeOrphaned          = "orphaned"
	CodeContinuationLimit = "continuation_limit_exceeded"
	CodeInternal          = "internal_error"
)

// ErrorCode maps an error to its stable machine-readable code.
func ErrorCode(err error) string {
	var (
		configErr   *ConfigError
		validErr    *ValidationError
		guardErr    *GuardError
		llmErr      *LLMError
		notFoundErr *ToolNotFoundError
		argErr      *ToolArgumentError
		execErr     *ToolExecutionError
		storeErr    *StorageError
		overflowErr *ContextOverflowError
		continueErr *ContinuationLimitError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRunExpired):
		return CodeExpired
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.As(err, &configErr):
		return CodeConfiguration
	case errors.As(err, &validErr):
		return CodeValidation
	case errors.As(err, &guardErr):
		return CodeInputBlocked
	case errors.As(err, &llmErr):
		return "llm_" + string(llmErr.Kind)
	case errors.As(err, &notFoundErr):
		return CodeToolNotFound
	case errors.As(err, &argErr):
		return CodeInvalidArguments
	case errors.As(err, &execErr):
		return CodeToolExecution
	case errors.As(err, &storeErr):
		return CodeStorage
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.As(err, &overflowErr):
		return CodeContextOverflow
	case errors.As(err, &continueErr):
		return CodeContinuationLimit
	case errors.Is(err, context.DeadlineExceeded):
		return CodeCancelled
	default:
		return CodeInternal
	}
}
