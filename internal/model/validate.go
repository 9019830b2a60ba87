package model

import (
	"errors"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ValidationError holds a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation failure on a named field.
type FieldError struct {
	Field   string
	Message string
}

// Error formats the validation error as a semicolon-separated list of field messages.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasErrors reports whether the validation error contains any field errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// selectorPattern matches the symbol charset accepted for function names.
var selectorPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func taskValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
		_ = validate.RegisterValidation("selector", func(fl validator.FieldLevel) bool {
			return selectorPattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// ValidateTask checks a TaskConfig submitted for registration.
//
// A zero interval is reported as ErrInvalidInterval before any structural
// check runs, so callers always see the coded error for that case. Other
// failures come back as a *ValidationError.
func ValidateTask(c *TaskConfig) error {
	if c == nil {
		return &ValidationError{Errors: []FieldError{{Field: "config", Message: "is required"}}}
	}
	if c.Interval == 0 {
		return ErrInvalidInterval
	}

	var ve ValidationError
	if err := taskValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			ve.Errors = append(ve.Errors, FieldError{Field: fe.Field(), Message: describeTag(fe)})
		}
	}
	for i, a := range c.Args {
		if len(a) == 0 {
			ve.Errors = append(ve.Errors, FieldError{Field: "args", Message: "argument " + strconv.Itoa(i) + " is empty"})
		}
	}

	if ve.HasErrors() {
		return &ve
	}
	return nil
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "selector":
		return "must contain only letters, digits and underscores and not start with a digit"
	default:
		return "failed " + fe.Tag() + " check"
	}
}
