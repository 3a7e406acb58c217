package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ChamsBouzaiene/forge/internal/resilience"
)

// ErrAgentLoopDetected is returned when an agent keeps calling tools past
// its iteration ceiling.
var ErrAgentLoopDetected = errors.New("agent loop detected")

// LoopError carries the agent and ceiling of a detected loop.
type LoopError struct {
	Agent      string
	Iterations int
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("agent %s still calling tools after %d model calls", e.Agent, e.Iterations)
}

func (e *LoopError) Unwrap() error { return ErrAgentLoopDetected }

// IsLoopDetected reports whether err is (or wraps) ErrAgentLoopDetected.
func IsLoopDetected(err error) bool { return errors.Is(err, ErrAgentLoopDetected) }

// TruncatedError reports a reply that still hit the output limit after
// every allowed continuation.
type TruncatedError struct {
	Agent         string
	Continuations int
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("agent %s: reply still cut off at the output limit after %d continuations", e.Agent, e.Continuations)
}

// ToolValidationError indicates that tool arguments failed JSON schema validation.
type ToolValidationError struct {
	ToolName string
	Errors   []string
}

func (e *ToolValidationError) Error() string {
	return fmt.Sprintf("tool %s validation failed: %s", e.ToolName, strings.Join(e.Errors, "; "))
}

// EngineContextError wraps errors with execution context (agent, step, operation).
type EngineContextError struct {
	Err       error
	Agent     string
	Step      int
	Operation string // "budget", "llm_call", "tool_execution"
}

func (e *EngineContextError) Error() string {
	return fmt.Sprintf("[agent=%s step=%d op=%s] %v", e.Agent, e.Step, e.Operation, e.Err)
}

func (e *EngineContextError) Unwrap() error { return e.Err }

// WrapWithContext wraps an error with execution context for debugging.
func WrapWithContext(err error, st *State, operation string) error {
	if err == nil {
		return nil
	}
	return &EngineContextError{Err: err, Agent: st.Agent, Step: st.Step, Operation: operation}
}

// WrapLLMError wraps a provider error with its HTTP status and Retry-After
// value so the retry layer can classify it.
func WrapLLMError(err error, httpStatus int, retryAfter string) error {
	return resilience.WrapHTTPError(err, httpStatus, retryAfter)
}
