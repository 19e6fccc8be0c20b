package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrappedSentinels(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
	}{
		{Validationf("bad field %q", "cmd"), ErrValidation},
		{NotFoundf("job %s", "j1"), ErrNotFound},
		{Conflictf("version mismatch"), ErrConflict},
		{StaleLeasef("lease_version %d", 3), ErrStaleLease},
	}
	for _, tc := range cases {
		if !errors.Is(tc.err, tc.sentinel) {
			t.Errorf("%v should wrap %v", tc.err, tc.sentinel)
		}
		// 多层包装后仍可分类
		wrapped := fmt.Errorf("dispatch: %w", tc.err)
		if !errors.Is(wrapped, tc.sentinel) {
			t.Errorf("double wrap of %v lost sentinel", tc.err)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{Validationf("x"), http.StatusBadRequest},
		{NotFoundf("x"), http.StatusNotFound},
		{Conflictf("x"), http.StatusConflict},
		{StaleLeasef("x"), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "OK"},
		{Validationf("x"), "INVALID_ARGUMENT"},
		{NotFoundf("x"), "NOT_FOUND"},
		{Conflictf("x"), "CONFLICT"},
		{StaleLeasef("x"), "STALE_LEASE"},
		{errors.New("boom"), "INTERNAL"},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.want {
			t.Errorf("Code(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
