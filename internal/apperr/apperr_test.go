package apperr

import (
	"errors"
	"net/http"
	"testing"
)

func TestNewSetsStatusCodeByKind(t *testing.T) {
	ae := New(KindNotFound, "nope")
	if ae.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", ae.StatusCode)
	}
	if ae.Error() != "NOT_FOUND: nope" {
		t.Errorf("unexpected Error() string: %q", ae.Error())
	}
}

func TestWrapCarriesCauseAndDetail(t *testing.T) {
	cause := errors.New("boom")
	ae := Wrap(KindInternal, "doing a thing", cause)
	if ae.Detail != "boom" {
		t.Errorf("expected detail to carry cause message, got %q", ae.Detail)
	}
	if !errors.Is(ae, cause) {
		t.Error("expected errors.Is to see through Unwrap to the cause")
	}
}

func TestAsAndIs(t *testing.T) {
	err := error(Conflict("already exists"))
	ae, ok := As(err)
	if !ok || ae.Kind != KindConflict {
		t.Fatalf("expected As to extract a CONFLICT AppError, got %v, %v", ae, ok)
	}
	if !Is(err, KindConflict) {
		t.Error("expected Is(err, KindConflict) to be true")
	}
	if Is(err, KindNotFound) {
		t.Error("expected Is(err, KindNotFound) to be false")
	}
	if _, ok := As(errors.New("plain")); ok {
		t.Error("expected As to fail on a plain error")
	}
}

func TestWithRemediationAndToResponse(t *testing.T) {
	ae := ValidationError("bad field").WithRemediation("fix the field")
	resp := ae.ToResponse()
	if resp.ErrorCode != string(KindValidation) || resp.SuggestedRemediation != "fix the field" {
		t.Errorf("unexpected response envelope: %+v", resp)
	}
}

func TestConstructorsMapToStatusCodes(t *testing.T) {
	cases := []struct {
		err        *AppError
		wantStatus int
	}{
		{NotFound("session", "abc"), http.StatusNotFound},
		{ValidationError("bad"), http.StatusBadRequest},
		{Conflict("busy"), http.StatusConflict},
		{ResourceExhausted("no capacity"), http.StatusServiceUnavailable},
		{UpstreamUnavailable("op", errors.New("x")), http.StatusBadGateway},
		{ExecutorUnreachable(errors.New("x")), http.StatusBadGateway},
		{TimeoutErr("op"), http.StatusGatewayTimeout},
		{Internal("op", errors.New("x")), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if c.err.StatusCode != c.wantStatus {
			t.Errorf("%s: expected status %d, got %d", c.err.Kind, c.wantStatus, c.err.StatusCode)
		}
	}
}
