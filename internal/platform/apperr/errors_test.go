package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppError_IsKindSentinel(t *testing.T) {
	err := fmt.Errorf("resolve: %w", DataIntegrity(CodeFrozenYear, "year 1403 is frozen"))

	if !errors.Is(err, ErrDataIntegrity) {
		t.Error("expected wrapped error to match ErrDataIntegrity")
	}
	if errors.Is(err, ErrComposition) {
		t.Error("did not expect match with ErrComposition")
	}
	if got := CodeOf(err); got != CodeFrozenYear {
		t.Errorf("CodeOf = %q, want %q", got, CodeFrozenYear)
	}
}

func TestRuleViolation_KeepsMessageVerbatim(t *testing.T) {
	err := RuleViolation("max-age", "patients over 90 need a referral")
	if err.Error() != "patients over 90 need a referral" {
		t.Errorf("unexpected message: %q", err.Error())
	}
	if err.Details["rule"] != "max-age" {
		t.Errorf("expected rule detail, got %v", err.Details)
	}
}

func TestWith_DoesNotMutateOriginal(t *testing.T) {
	base := NotFound("service", "abc")
	ext := base.With("plan", "p1")
	if _, ok := base.Details["plan"]; ok {
		t.Error("With must not mutate the receiver")
	}
	if ext.Details["id"] != "abc" || ext.Details["plan"] != "p1" {
		t.Errorf("unexpected details: %v", ext.Details)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{DataIntegrity(CodeNoComponentsDefined, "x"), http.StatusUnprocessableEntity},
		{RuleViolation("r", "m"), http.StatusUnprocessableEntity},
		{Composition(CodeNegativeResultingShare, "x"), http.StatusUnprocessableEntity},
		{NotFound("plan", "1"), http.StatusNotFound},
		{Validation("bad"), http.StatusBadRequest},
		{Conflict(CodeConcurrentModification, "x"), http.StatusConflict},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestToHTTP_HidesInternalText(t *testing.T) {
	he := ToHTTP(errors.New("pq: connection refused"))
	if he.Code != http.StatusInternalServerError {
		t.Fatalf("code = %d", he.Code)
	}
	body, ok := he.Message.(Body)
	if !ok {
		t.Fatalf("expected Body, got %T", he.Message)
	}
	if body.Message != "internal error" {
		t.Errorf("leaked message: %q", body.Message)
	}
}

func TestToHTTP_CarriesCode(t *testing.T) {
	he := ToHTTP(fmt.Errorf("compose: %w", Composition(CodeNegativeResultingShare, "negative patient share")))
	if he.Code != http.StatusUnprocessableEntity {
		t.Fatalf("code = %d", he.Code)
	}
	body := he.Message.(Body)
	if body.Code != CodeNegativeResultingShare {
		t.Errorf("body code = %q", body.Code)
	}
}
