package rest

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/baechuer/messenger-server/internal/domain"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Report fields under their wire names so error details line up with
	// what the client actually sent.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation("username_format", validateUsernameFormat)
}

// validateUsernameFormat accepts ASCII letters, digits, underscore, dot and
// hyphen only.
func validateUsernameFormat(fl validator.FieldLevel) bool {
	username := fl.Field().String()
	if username == "" {
		return false
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '.' || r == '-':
		default:
			return false
		}
	}
	return true
}

// validateRequest validates a decoded request body and shapes failures into
// the per-field details of a validation error.
func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	fieldErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return domain.ErrValidation(map[string]string{"body": "Request body is invalid"})
	}

	details := make(map[string]string, len(fieldErrors))
	for _, fe := range fieldErrors {
		details[fe.Field()] = formatFieldError(fe)
	}
	return domain.ErrValidation(details)
}

func formatFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "username_format":
		return "may only contain letters, digits, '_', '.' and '-'"
	default:
		return "is invalid"
	}
}
