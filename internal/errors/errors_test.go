package errors

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
)

func TestServiceErrorIs(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{name: "not found", err: WrapNotFound("store.current", io.EOF), target: ErrNotFound, want: true},
		{name: "conflict", err: WrapConflict("store.apply", io.EOF), target: ErrConflict, want: true},
		{name: "validation", err: WrapValidation("api.issue", io.EOF), target: ErrInvalidInput, want: true},
		{name: "wrapped cause", err: WrapInternal("store.open", io.EOF), target: io.EOF, want: true},
		{name: "wrong category", err: WrapNotFound("store.current", io.EOF), target: ErrConflict, want: false},
		{name: "nil target", err: WrapInternal("x", io.EOF), target: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Fatalf("errors.Is() = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestServiceErrorMessage(t *testing.T) {
	err := NewServiceError(ErrorTypeNotFound, "store.current", ErrNotFound).WithSubject("crm/cus_1")
	if got := err.Error(); got != "store.current failed for crm/cus_1: not found" {
		t.Fatalf("Error() = %q", got)
	}
	plain := NewServiceError(ErrorTypeInternal, "store.open", io.EOF)
	if got := plain.Error(); got != "store.open failed: EOF" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: nil, want: http.StatusOK},
		{err: WrapValidation("op", io.EOF), want: http.StatusBadRequest},
		{err: WrapNotFound("op", io.EOF), want: http.StatusNotFound},
		{err: WrapConflict("op", io.EOF), want: http.StatusConflict},
		{err: fmt.Errorf("outer: %w", ErrUnauthorized), want: http.StatusUnauthorized},
		{err: fmt.Errorf("outer: %w", ErrUnavailable), want: http.StatusServiceUnavailable},
		{err: io.ErrUnexpectedEOF, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
