package atelier

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindInternal:          "internal",
		KindInvalidInputs:     "invalid_inputs",
		KindTemplateCompile:   "template_compile_error",
		KindUnknownAgent:      "unknown_agent",
		KindContractViolation: "contract_violation",
		KindLLMUnavailable:    "llm_unavailable",
		KindTimeout:           "timeout",
		KindCancelled:         "cancelled",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("%d.String() = %s, want %s", k, got, want)
		}
	}
}

func TestKindTransient(t *testing.T) {
	for _, k := range []Kind{KindLLMUnavailable, KindTimeout} {
		if !k.Transient() {
			t.Errorf("%s.Transient() = false, want true", k)
		}
	}
	for _, k := range []Kind{KindInternal, KindInvalidInputs, KindContractViolation, KindCancelled} {
		if k.Transient() {
			t.Errorf("%s.Transient() = true, want false", k)
		}
	}
}

func TestErrorFormatting(t *testing.T) {
	err := Errf(KindContractViolation, "draft", "missing field %q", "text")
	want := `contract_violation: step draft: missing field "text"`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	wrapped := WrapErr(KindLLMUnavailable, "", fmt.Errorf("dial tcp: refused"))
	if !errors.Is(wrapped, wrapped.Err) {
		t.Error("wrapped error does not unwrap to its cause")
	}
	if WrapErr(KindInternal, "s", nil) != nil {
		t.Error("WrapErr(nil) != nil")
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{Errf(KindTimeout, "s", "late"), KindTimeout},
		{fmt.Errorf("outer: %w", Errf(KindLLMUnavailable, "", "down")), KindLLMUnavailable},
		{context.DeadlineExceeded, KindTimeout},
		{context.Canceled, KindCancelled},
		{errors.New("plain"), KindInternal},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{Errf(KindLLMUnavailable, "", "down"), true},
		{Errf(KindTimeout, "", "late"), true},
		{Errf(KindContractViolation, "", "shape"), false},
		{Errf(KindCancelled, "", "stop"), false},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{errors.New("flaky network"), true}, // untyped defaults to transient I/O
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
