package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestKindOfWrapped(t *testing.T) {
	base := NotFound(CodeRoomNotFound, "room not found")
	wrapped := fmt.Errorf("relay: send: %w", base)

	if got := KindOf(wrapped); got != KindNotFound {
		t.Errorf("KindOf = %q, want %q", got, KindNotFound)
	}
	if got := CodeOf(wrapped); got != CodeRoomNotFound {
		t.Errorf("CodeOf = %q, want %q", got, CodeRoomNotFound)
	}
	if !errors.Is(wrapped, NotFound(CodeRoomNotFound, "different text")) {
		t.Error("errors.Is should match on kind and code")
	}
	if errors.Is(wrapped, NotFound(CodeInvalidRoom, "")) {
		t.Error("errors.Is matched a different code")
	}
}

func TestForeignErrorIsInternal(t *testing.T) {
	err := errors.New("boom")
	if got := KindOf(err); got != KindInternal {
		t.Errorf("KindOf = %q, want internal", got)
	}
	if KindOf(nil) != "" {
		t.Error("KindOf(nil) should be empty")
	}
}

func TestPersistenceUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := Persistence(CodeDeliveryFailed, "message could not be stored", cause)
	if !errors.Is(err, cause) {
		t.Error("persistence error should unwrap to its cause")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validation(CodeInvalidContent, ""), http.StatusBadRequest},
		{Authentication(CodeTokenExpired, ""), http.StatusUnauthorized},
		{Authorization(CodeNotParticipant, ""), http.StatusForbidden},
		{NotFound(CodeRoomNotFound, ""), http.StatusNotFound},
		{Conflict(CodeRoomConflict, ""), http.StatusConflict},
		{RateLimited(""), http.StatusTooManyRequests},
		{Persistence(CodeDeliveryFailed, "", nil), http.StatusBadGateway},
		{errors.New("x"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRateLimitedFor(t *testing.T) {
	tests := []struct {
		wait     time.Duration
		wantWait time.Duration
		wantMsg  string
	}{
		{0, 0, "slow down"},
		{300 * time.Millisecond, time.Second, "slow down, retry in 1s"},
		{6200 * time.Millisecond, 7 * time.Second, "slow down, retry in 7s"},
		{time.Minute, time.Minute, "slow down, retry in 1m0s"},
	}
	for _, tt := range tests {
		e := RateLimitedFor("slow down", tt.wait)
		if e.Kind != KindRateLimited || e.Code != CodeRateLimited {
			t.Errorf("wait %v: kind=%q code=%q", tt.wait, e.Kind, e.Code)
		}
		if e.RetryAfter != tt.wantWait {
			t.Errorf("wait %v: RetryAfter = %v, want %v", tt.wait, e.RetryAfter, tt.wantWait)
		}
		if e.Message != tt.wantMsg {
			t.Errorf("wait %v: message = %q, want %q", tt.wait, e.Message, tt.wantMsg)
		}
	}
}
