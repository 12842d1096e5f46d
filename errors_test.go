package caravan

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorStrings(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"llm with status", &LLMError{Kind: LLMErrRateLimit, Status: 429, Message: "slow down"}, "llm rate_limit (http 429): slow down"},
		{"llm without status", &LLMError{Kind: LLMErrNetwork, Message: "connection reset"}, "llm network: connection reset"},
		{"config", &ConfigError{Msg: "run has no model"}, "config: run has no model"},
		{"validation with field", &ValidationError{Field: "user_message", Msg: "must not be empty"}, "invalid user_message: must not be empty"},
		{"validation without field", &ValidationError{Msg: "bad payload"}, "invalid input: bad payload"},
		{"guard", &GuardError{Guard: "keyword_guard", Response: "Message contains blocked content."}, "keyword_guard blocked input: Message contains blocked content."},
		{"tool not found", &ToolNotFoundError{Name: "getWeather"}, "tool not found: getWeather"},
		{"tool arguments", &ToolArgumentError{Name: "getWeather", Err: errors.New("city is required")}, "tool getWeather: invalid arguments: city is required"},
		{"tool execution", &ToolExecutionError{Name: "getWeather", Kind: ToolErrHTTP, Err: errors.New("http 502")}, "tool getWeather: http: http 502"},
		{"storage", &StorageError{Op: "add message", Err: errors.New("disk full")}, "storage add message: disk full"},
		{"context overflow", &ContextOverflowError{Tokens: 9000, Limit: 8192}, "context overflow: 9000 tokens exceeds limit 8192"},
		{"continuation limit", &ContinuationLimitError{Limit: 10}, "continuation limit exceeded: 10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLLMErrorRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  *LLMError
		want bool
	}{
		{"rate limit", &LLMError{Kind: LLMErrRateLimit}, true},
		{"network", &LLMError{Kind: LLMErrNetwork}, true},
		{"timeout", &LLMError{Kind: LLMErrTimeout}, true},
		{"api 500", &LLMError{Kind: LLMErrAPI, Status: 500}, true},
		{"api 400", &LLMError{Kind: LLMErrAPI, Status: 400}, false},
		{"authentication", &LLMError{Kind: LLMErrAuthentication, Status: 401}, false},
		{"invalid request", &LLMError{Kind: LLMErrInvalidRequest}, false},
		{"sdk", &LLMError{Kind: LLMErrSDK}, false},
	}
	for _, tt := range tests {
		if got := tt.err.Retryable(); got != tt.want {
			t.Errorf("%s: Retryable() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestLLMErrorUnwrap(t *testing.T) {
	inner := errors.New("socket closed")
	err := &LLMError{Kind: LLMErrNetwork, Message: "connection lost", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("LLMError does not unwrap to its cause")
	}
}

func TestParseRetryAfter(t *testing.T) {
	future := time.Now().Add(time.Hour).UTC().Format(time.RFC1123)
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC1123)

	tests := []struct {
		name string
		in   string
		min  time.Duration
		max  time.Duration
	}{
		{"empty", "", 0, 0},
		{"seconds", "120", 120 * time.Second, 120 * time.Second},
		{"zero", "0", 0, 0},
		{"negative", "-5", 0, 0},
		{"garbage", "soon", 0, 0},
		{"http date", future, 50 * time.Minute, time.Hour},
		{"past date", past, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseRetryAfter(tt.in)
			if got < tt.min || got > tt.max {
				t.Errorf("ParseRetryAfter(%q) = %v, want within [%v, %v]", tt.in, got, tt.min, tt.max)
			}
		})
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"expired", fmt.Errorf("run r1: %w", ErrRunExpired), CodeExpired},
		{"cancelled", context.Canceled, CodeCancelled},
		{"deadline", context.DeadlineExceeded, CodeCancelled},
		{"config", &ConfigError{Msg: "no model"}, CodeConfiguration},
		{"validation", &ValidationError{Field: "user_message"}, CodeValidation},
		{"guard", &GuardError{Guard: "keyword_guard"}, CodeInputBlocked},
		{"llm kind", &LLMError{Kind: LLMErrRateLimit}, "llm_rate_limit"},
		{"tool not found", &ToolNotFoundError{Name: "x"}, CodeToolNotFound},
		{"tool arguments", &ToolArgumentError{Name: "x"}, CodeInvalidArguments},
		{"tool execution", &ToolExecutionError{Name: "x", Kind: ToolErrTimeout}, CodeToolExecution},
		{"storage", &StorageError{Op: "get run", Err: errors.New("locked")}, CodeStorage},
		{"storage wrapping not found", &StorageError{Op: "get thread", Err: ErrNotFound}, CodeStorage},
		{"bare not found", fmt.Errorf("thread t1: %w", ErrNotFound), CodeNotFound},
		{"context overflow", &ContextOverflowError{Tokens: 2, Limit: 1}, CodeContextOverflow},
		{"continuation limit", &ContinuationLimitError{Limit: 5}, CodeContinuationLimit},
		{"unknown", errors.New("mystery"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorCodeWrapped(t *testing.T) {
	err := fmt.Errorf("start run: %w", &GuardError{Guard: "injection_guard", Response: "no"})
	if got := ErrorCode(err); got != CodeInputBlocked {
		t.Errorf("ErrorCode(wrapped guard) = %q, want %q", got, CodeInputBlocked)
	}
}
