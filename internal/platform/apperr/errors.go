package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by how callers must react to it.
type Kind string

const (
	// KindDataIntegrity aborts a calculation; it never substitutes a default.
	KindDataIntegrity Kind = "data_integrity"
	// KindBusinessRule is raised only by Validation-type business rules.
	KindBusinessRule Kind = "business_rule_violation"
	// KindComposition aborts the affected service only, not its batch siblings.
	KindComposition Kind = "composition"
	KindNotFound    Kind = "not_found"
	KindValidation  Kind = "validation"
	KindConflict    Kind = "conflict"
	KindInternal    Kind = "internal"
)

// Error codes surfaced to callers.
const (
	CodeAmbiguousOrMissingFactor    = "AMBIGUOUS_OR_MISSING_FACTOR"
	CodeFrozenYear                  = "FROZEN_YEAR"
	CodeNoComponentsDefined         = "NO_COMPONENTS_DEFINED"
	CodeBusinessRuleViolation       = "BUSINESS_RULE_VIOLATION"
	CodeNegativeResultingShare      = "NEGATIVE_RESULTING_SHARE"
	CodeSupplementaryWithoutPrimary = "SUPPLEMENTARY_WITHOUT_PRIMARY"
	CodeConcurrentModification      = "CONCURRENT_MODIFICATION"
	CodeDuplicate                   = "DUPLICATE"
	CodeNotFound                    = "NOT_FOUND"
	CodeValidation                  = "VALIDATION_ERROR"
	CodeInternal                    = "INTERNAL_ERROR"
	CodePayloadTooLarge             = "PAYLOAD_TOO_LARGE"
	CodeTimeout                     = "TIMEOUT"
)

// Sentinels usable with errors.Is against any *AppError of the same kind.
var (
	ErrDataIntegrity = errors.New("data integrity error")
	ErrBusinessRule  = errors.New("business rule violation")
	ErrComposition   = errors.New("composition error")
	ErrNotFound      = errors.New("resource not found")
	ErrValidation    = errors.New("validation error")
	ErrConflict      = errors.New("conflict")
)

// AppError carries a kind, a stable code and optional details.
type AppError struct {
	Kind    Kind              `json:"kind"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Err     error             `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinel so callers can test the taxonomy without a type switch.
func (e *AppError) Is(target error) bool {
	switch target {
	case ErrDataIntegrity:
		return e.Kind == KindDataIntegrity
	case ErrBusinessRule:
		return e.Kind == KindBusinessRule
	case ErrComposition:
		return e.Kind == KindComposition
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrConflict:
		return e.Kind == KindConflict
	}
	return false
}

// With returns a copy of e with an extra detail attached.
func (e *AppError) With(key, value string) *AppError {
	cp := *e
	cp.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

func DataIntegrity(code, message string) *AppError {
	return &AppError{Kind: KindDataIntegrity, Code: code, Message: message}
}

// RuleViolation reports a failed Validation rule; the rule's message is surfaced verbatim.
func RuleViolation(ruleName, message string) *AppError {
	return &AppError{
		Kind:    KindBusinessRule,
		Code:    CodeBusinessRuleViolation,
		Message: message,
		Details: map[string]string{"rule": ruleName},
	}
}

func Composition(code, message string) *AppError {
	return &AppError{Kind: KindComposition, Code: code, Message: message}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Kind:    KindNotFound,
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Details: map[string]string{"resource": resource, "id": id},
	}
}

func Validation(message string) *AppError {
	return &AppError{Kind: KindValidation, Code: CodeValidation, Message: message}
}

func Conflict(code, message string) *AppError {
	return &AppError{Kind: KindConflict, Code: code, Message: message}
}

func Internal(err error) *AppError {
	return &AppError{Kind: KindInternal, Code: CodeInternal, Message: "internal error", Err: err}
}

// CodeOf returns the code of the first AppError in err's chain, or "".
func CodeOf(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// KindOf returns the kind of the first AppError in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code the API layer responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindDataIntegrity, KindBusinessRule, KindComposition:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
