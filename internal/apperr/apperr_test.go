package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestConstructorsSetKind(t *testing.T) {
	cases := []struct {
		name string
		err  *Error
		kind Kind
	}{
		{"validation", Validation("bad %s", "input"), KindValidation},
		{"not_found", NotFound("order %d", 7), KindNotFound},
		{"insufficient", Insufficient("need %d", 5), KindInsufficient},
		{"forbidden", Forbidden("nope"), KindForbidden},
		{"storage", Storage(errors.New("boom"), "db failed"), KindStorage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Kind != tc.kind {
				t.Fatalf("got kind %v, want %v", tc.err.Kind, tc.kind)
			}
			if !Is(tc.err, tc.kind) {
				t.Fatalf("Is(%v, %v) = false", tc.err, tc.kind)
			}
		})
	}
}

func TestIsUnwrapsWrappedErrors(t *testing.T) {
	base := NotFound("order %d", 1)
	wrapped := fmt.Errorf("context: %w", base)

	if !Is(wrapped, KindNotFound) {
		t.Fatal("Is should see through fmt.Errorf wrapping")
	}
	if Is(wrapped, KindForbidden) {
		t.Fatal("Is should not match an unrelated kind")
	}
}

func TestIsFalseForPlainError(t *testing.T) {
	if Is(errors.New("plain"), KindStorage) {
		t.Fatal("Is should be false for an error not carrying *Error")
	}
}

func TestStorageUnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Storage(cause, "failed to connect")
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is should find the wrapped cause via Unwrap")
	}
}
