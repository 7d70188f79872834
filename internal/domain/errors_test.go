package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestValidationErrorMessage(t *testing.T) {
	t.Parallel()

	err := &ValidationError{Entity: "target x", Field: "host", Reason: "expected host:port"}
	want := "invalid target x: host: expected host:port"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	err = &ValidationError{Entity: "route", Reason: "duplicate route key"}
	if got := err.Error(); got != "invalid route: duplicate route key" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestExternalServiceErrorUnwrapAndTimeout(t *testing.T) {
	t.Parallel()

	err := &ExternalServiceError{Service: "dns", Op: "create", Entity: "A api", Err: context.DeadlineExceeded}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected errors.Is to match context.DeadlineExceeded")
	}
	if !err.Timeout() {
		t.Fatal("expected Timeout to be true")
	}

	other := &ExternalServiceError{Service: "ca", Op: "issue", Err: errors.New("boom")}
	if other.Timeout() {
		t.Fatal("expected Timeout to be false")
	}
	if got := other.Error(); got != "ca issue: boom" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestFatalIOErrorWrapped(t *testing.T) {
	t.Parallel()

	base := errors.New("read-only file system")
	err := fmt.Errorf("write stage: %w", &FatalIOError{Op: "write", Path: "/etc/nginx/conf.d/edge_http.conf", Err: base})

	var fe *FatalIOError
	if !errors.As(err, &fe) {
		t.Fatal("expected errors.As to find FatalIOError")
	}
	if fe.Path != "/etc/nginx/conf.d/edge_http.conf" {
		t.Fatalf("unexpected path %q", fe.Path)
	}
	if !errors.Is(err, base) {
		t.Fatal("expected errors.Is to reach the base error")
	}
}

func TestIssueFromError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want IssueKind
	}{
		{&ValidationError{Entity: "x", Reason: "y"}, IssueValidation},
		{&FatalIOError{Op: "reload", Err: errors.New("exit 1")}, IssueFatal},
		{&ExternalServiceError{Service: "dns", Op: "list", Err: errors.New("503")}, IssueExternal},
		{errors.New("plain"), IssueExternal},
	}
	for _, tc := range cases {
		if got := IssueFromError("e", tc.err).Kind; got != tc.want {
			t.Fatalf("IssueFromError(%v): got %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestSentinelErrors(t *testing.T) {
	t.Parallel()

	sentinels := []error{ErrNotFound, ErrBusy, ErrUnauthorized, ErrForbidden, ErrConflict}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && errors.Is(a, b) {
				t.Fatalf("%v should not match %v", a, b)
			}
		}
		if !errors.Is(fmt.Errorf("wrap: %w", a), a) {
			t.Fatalf("wrapped %v should match", a)
		}
	}
}
