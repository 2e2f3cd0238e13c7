package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"validation", Validation("bad prefix %q", "x"), ErrInvalidParams, true},
		{"policy", Policy("refresh through the CLI"), ErrDBFirstPolicy, true},
		{"fetch", Fetch("rpki", errors.New("502")), ErrFetch, true},
		{"wrapped fetch", fmt.Errorf("as2org: %w", Fetch("as2org", errors.New("eof"))), ErrFetch, true},
		{"storage", Storage("begin tx", errors.New("disk I/O error")), ErrStorage, true},
		{"internal", Internal(errors.New("nil map")), ErrInternal, true},
		{"refresh in progress", RefreshInProgress("pfx2as"), ErrRefreshInProgress, true},
		{"other code", Storage("commit", nil), ErrFetch, false},
		{"message is not compared on the sentinel", Policy("a"), Policy("b"), false},
		{"plain error", errors.New("x"), ErrInternal, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.want)
			}
		})
	}
}

func TestFetch_details(t *testing.T) {
	e := Fetch("rpki", fmt.Errorf("get: %w", context.DeadlineExceeded))
	d, ok := e.Details.(FetchDetails)
	if !ok {
		t.Fatalf("details = %T", e.Details)
	}
	if d.Reason != "timeout" || d.RetryAfter == 0 || !e.Retryable {
		t.Fatalf("unexpected fetch error %+v %+v", e, d)
	}
	if !errors.Is(e, context.DeadlineExceeded) {
		t.Fatal("cause is not reachable")
	}

	d = Fetch("rpki", errors.New("503")).Details.(FetchDetails)
	if d.Reason != "remote" || d.RetryAfter != 0 {
		t.Fatalf("unexpected details %+v", d)
	}
}

func TestFrom(t *testing.T) {
	if From(nil) != nil || CodeOf(nil) != "" {
		t.Fatal("nil error classified")
	}
	if c := CodeOf(fmt.Errorf("query: %w", context.Canceled)); c != CodeCanceled {
		t.Fatalf("canceled = %s", c)
	}
	e := From(errors.New("boom"))
	if e.Code != CodeInternal || e.Message != "internal error" {
		t.Fatalf("unclassified = %+v", e)
	}
	if !errors.Is(e, ErrInternal) {
		t.Fatal("unclassified is not ErrInternal")
	}
	v := Validation("asn must be positive")
	if From(fmt.Errorf("wrap: %w", v)) != v {
		t.Fatal("classified error not returned as is")
	}
}
