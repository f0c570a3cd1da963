// Package validation wraps go-playground/validator with JSON field naming and
// the custom rules shared by request, line item and recipient validation.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	currencyPattern = regexp.MustCompile(`^[A-Z]{3,4}$`)
	clabePattern    = regexp.MustCompile(`^[0-9]{18}$`)

	validate = newValidator()
)

// FieldError describes one failed constraint using JSON field names.
type FieldError struct {
	Path    string
	Tag     string
	Message string
}

func (e FieldError) Error() string {
	return e.Path + " " + e.Message
}

// Struct validates v and returns the first failure as a readable error.
func Struct(v any) error {
	if err := validate.Struct(v); err != nil {
		return normalize(err)
	}
	return nil
}

// Fields validates v and returns every failure. A nil slice means v is valid.
func Fields(v any) []FieldError {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return []FieldError{{Message: err.Error()}}
	}
	out := make([]FieldError, 0, len(validationErrs))
	for _, fe := range validationErrs {
		out = append(out, FieldError{
			Path:    jsonPath(fe),
			Tag:     fe.Tag(),
			Message: validationMessage(fe),
		})
	}
	return out
}

// Var validates a single value against tag.
func Var(v any, tag string) error {
	return validate.Var(v, tag)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.Split(field.Tag.Get("json"), ",")[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})

	if err := v.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
		value, ok := fl.Field().Interface().(string)
		if !ok {
			return false
		}
		return currencyPattern.MatchString(value)
	}); err != nil {
		panic(err)
	}

	if err := v.RegisterValidation("clabe", func(fl validator.FieldLevel) bool {
		value, ok := fl.Field().Interface().(string)
		if !ok {
			return false
		}
		return clabePattern.MatchString(value)
	}); err != nil {
		panic(err)
	}

	return v
}

func normalize(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}
	first := validationErrs[0]
	return FieldError{
		Path:    jsonPath(first),
		Tag:     first.Tag(),
		Message: validationMessage(first),
	}
}

func jsonPath(fe validator.FieldError) string {
	path := fe.Namespace()
	if idx := strings.Index(path, "."); idx >= 0 {
		path = path[idx+1:]
	}
	if path == "" {
		return fe.Field()
	}
	return path
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("cannot exceed %s characters", fe.Param())
	case "numeric":
		return "must contain digits only"
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", strings.ReplaceAll(fe.Param(), " ", ", "))
	case "email":
		return "must be a valid email address"
	case "url":
		return "must be a valid URL"
	case "currency":
		return "must be an uppercase ISO-4217 code"
	case "clabe":
		return "must be an 18 digit CLABE"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}
