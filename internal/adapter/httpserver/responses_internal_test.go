package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

func TestWriteError_Mapping(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{fmt.Errorf("%w: bad input", domain.ErrInvalidArgument), http.StatusBadRequest, "INVALID_ARGUMENT"},
		{domain.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED"},
		{domain.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
		{fmt.Errorf("op=x: %w", domain.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{domain.ErrTaskActiveExists, http.StatusConflict, "TASK_ACTIVE_EXISTS"},
		{domain.ErrTaskNotCancellable, http.StatusConflict, "TASK_NOT_CANCELLABLE"},
		{domain.ErrConflict, http.StatusConflict, "CONFLICT"},
		{domain.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
		{domain.ErrAuthenticationFailed, http.StatusBadGateway, "PLATFORM_AUTH_FAILED"},
		{domain.ErrPlatformUnavailable, http.StatusBadGateway, "PLATFORM_UNAVAILABLE"},
		{domain.ErrUpstreamRateLimit, http.StatusServiceUnavailable, "UPSTREAM_RATE_LIMIT"},
		{domain.ErrUpstreamTimeout, http.StatusServiceUnavailable, "UPSTREAM_TIMEOUT"},
		{domain.ErrMissingPlatformContext, http.StatusBadRequest, "PLATFORM_CONTEXT_REQUIRED"},
		{fmt.Errorf("pool exhausted"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		rw := httptest.NewRecorder()
		writeError(rw, httptest.NewRequest(http.MethodGet, "/", nil), tc.err, nil)
		if rw.Code != tc.wantStatus {
			t.Fatalf("%v: want status %d, got %d", tc.err, tc.wantStatus, rw.Code)
		}
		var env errorEnvelope
		if err := json.NewDecoder(rw.Body).Decode(&env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Error.Code != tc.wantCode {
			t.Fatalf("%v: want code %s, got %s", tc.err, tc.wantCode, env.Error.Code)
		}
	}
}

func TestWriteError_InternalHidesDetail(t *testing.T) {
	rw := httptest.NewRecorder()
	writeError(rw, httptest.NewRequest(http.MethodGet, "/", nil),
		fmt.Errorf("dial tcp 10.0.0.5:5432: connection refused"), nil)
	var env errorEnvelope
	if err := json.NewDecoder(rw.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Message != "internal error" {
		t.Fatalf("internal detail leaked: %q", env.Error.Message)
	}
}

func TestValidateResourceID(t *testing.T) {
	if vr := ValidateResourceID("id", "task-123_ABC"); !vr.Valid {
		t.Fatalf("expected valid, got %+v", vr.Errors)
	}
	for _, bad := range []string{"", "has space", "semi;colon", string(make([]byte, 101))} {
		if vr := ValidateResourceID("id", bad); vr.Valid {
			t.Fatalf("expected invalid for %q", bad)
		}
	}
}

func TestValidatePagination(t *testing.T) {
	if vr := ValidatePagination("0", "100"); !vr.Valid {
		t.Fatalf("expected valid, got %+v", vr.Errors)
	}
	if vr := ValidatePagination("", ""); !vr.Valid {
		t.Fatalf("empty params should pass")
	}
	for _, tc := range [][2]string{{"-1", ""}, {"x", ""}, {"", "0"}, {"", "1001"}} {
		if vr := ValidatePagination(tc[0], tc[1]); vr.Valid {
			t.Fatalf("expected invalid for %v", tc)
		}
	}
}
