package apperr

import (
	"errors"

	"github.com/labstack/echo/v4"
)

// Body is the JSON error payload returned by the API.
type Body struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// ToHTTP converts err into an *echo.HTTPError carrying a Body. Errors that are
// not *AppError are reported as internal without leaking their text.
func ToHTTP(err error) *echo.HTTPError {
	var ae *AppError
	if !errors.As(err, &ae) {
		he := echo.NewHTTPError(HTTPStatus(err), Body{Code: CodeInternal, Message: "internal error"})
		he.Internal = err
		return he
	}
	body := Body{Code: ae.Code, Message: ae.Message, Details: ae.Details}
	if ae.Kind == KindInternal {
		body.Message = "internal error"
		body.Details = nil
	}
	he := echo.NewHTTPError(HTTPStatus(err), body)
	he.Internal = err
	return he
}
