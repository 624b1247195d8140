package api

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// RequestValidator adapts go-playground/validator to echo.Validator.
type RequestValidator struct {
	v *validator.Validate
}

func NewRequestValidator() *RequestValidator {
	return &RequestValidator{v: validator.New()}
}

func (r *RequestValidator) Validate(i any) error {
	err := r.v.Struct(i)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// bindAndValidate decodes the request body into req and validates it.
// It returns a response-ready error message when either step fails.
func bindAndValidate(c echo.Context, req any) (string, bool) {
	if err := c.Bind(req); err != nil {
		return "invalid request body", false
	}
	if err := c.Validate(req); err != nil {
		return err.Error(), false
	}
	return "", true
}
