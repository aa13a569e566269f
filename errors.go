package atelier

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies engine errors into the closed taxonomy the scheduler and
// job manager act on. The set is deliberately small: the scheduler only ever
// needs to decide "retry or fail", callers only ever need to decide
// "reject, surface, or ignore".
type Kind int

const (
	// KindInternal is an invariant breach. Fatal to the job; the full event
	// trail is preserved.
	KindInternal Kind = iota
	// KindInvalidInputs rejects a submission; surfaced to the caller.
	KindInvalidInputs
	// KindTemplateCompile is a load-time template error, fatal to the
	// process until corrected.
	KindTemplateCompile
	// KindUnknownAgent is a configuration bug; fatal to the job.
	KindUnknownAgent
	// KindContractViolation means an agent produced or received the wrong
	// shape; the job fails unless the step is retryable.
	KindContractViolation
	// KindLLMUnavailable means all providers in the chain were exhausted.
	// Transient; counts against step retries.
	KindLLMUnavailable
	// KindTimeout means a step deadline was exceeded. Transient.
	KindTimeout
	// KindCancelled is cooperative cancellation; the job terminates cleanly.
	KindCancelled
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidInputs:
		return "invalid_inputs"
	case KindTemplateCompile:
		return "template_compile_error"
	case KindUnknownAgent:
		return "unknown_agent"
	case KindContractViolation:
		return "contract_violation"
	case KindLLMUnavailable:
		return "llm_unavailable"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// Transient reports whether a failure of this kind should be retried
// rather than failing the job.
func (k Kind) Transient() bool {
	return k == KindLLMUnavailable || k == KindTimeout
}

// Error is the engine's structured error. Step is the step id when the
// error is scoped to one, empty otherwise.
type Error struct {
	Kind Kind
	Step string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Msg
	if e.Step != "" {
		s = fmt.Sprintf("step %s: %s", e.Step, s)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, s, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, s)
}

func (e *Error) Unwrap() error { return e.Err }

// Errf constructs an *Error with a formatted message.
func Errf(kind Kind, step, format string, args ...any) *Error {
	return &Error{Kind: kind, Step: step, Msg: fmt.Sprintf(format, args...)}
}

// WrapErr wraps err with a kind and step. Returns nil if err is nil.
func WrapErr(kind Kind, step string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Step: step, Msg: "wrapped", Err: err}
}

// KindOf extracts the Kind from an error chain. Context deadline and
// cancellation errors map to KindTimeout and KindCancelled. Anything else
// is treated as transient I/O and reported as KindLLMUnavailable only when
// it already carries that kind; otherwise KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// IsTransient reports whether the scheduler should retry a step that
// failed with err. Typed errors classify by kind; context deadlines are
// timeouts (transient); cancellation is not retried; untyped errors are
// treated as transient I/O failures.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// ErrTemplateNotFound is returned by registries and the job manager when a
// workflow id does not resolve. Surfaced as HTTP 404.
var ErrTemplateNotFound = errors.New("atelier: template not found")

// ErrJobNotFound is returned by the job manager for unknown job ids.
var ErrJobNotFound = errors.New("atelier: job not found")

// ErrCheckpointNotFound is returned by checkpoint stores for unknown ids.
var ErrCheckpointNotFound = errors.New("atelier: checkpoint not found")
