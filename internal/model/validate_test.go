package model

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// validTask returns a TaskConfig that passes all validation rules.
func validTask() TaskConfig {
	return TaskConfig{
		Creator:    "c0ffee",
		Target:     "local:counter",
		Function:   "increment",
		Args:       []Value{json.RawMessage(`1`)},
		Interval:   100,
		GasBalance: 1000,
	}
}

// fieldErrors extracts a *ValidationError from err or fails the test.
func fieldErrors(t *testing.T, err error) []FieldError {
	t.Helper()
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	return ve.Errors
}

// hasFieldError reports whether the error list contains an error for the given field.
func hasFieldError(errs []FieldError, field string) bool {
	for _, fe := range errs {
		if fe.Field == field {
			return true
		}
	}
	return false
}

func TestValidateTask_Valid(t *testing.T) {
	c := validTask()
	if err := ValidateTask(&c); err != nil {
		t.Fatalf("expected valid task, got: %v", err)
	}
}

func TestValidateTask_ZeroInterval(t *testing.T) {
	c := validTask()
	c.Interval = 0
	err := ValidateTask(&c)
	if !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval, got %v", err)
	}
	var ce *Error
	if !errors.As(err, &ce) || ce.Code != CodeInvalidInterval {
		t.Fatalf("expected code %d, got %v", CodeInvalidInterval, err)
	}
}

func TestValidateTask_ZeroIntervalReportedFirst(t *testing.T) {
	// Structural problems do not mask the coded interval error.
	c := TaskConfig{}
	if err := ValidateTask(&c); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval, got %v", err)
	}
}

func TestValidateTask_Nil(t *testing.T) {
	errs := fieldErrors(t, ValidateTask(nil))
	if !hasFieldError(errs, "config") {
		t.Errorf("expected error on field 'config', got %v", errs)
	}
}

func TestValidateTask_FieldErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*TaskConfig)
		field  string
	}{
		{"MissingCreator", func(c *TaskConfig) { c.Creator = "" }, "creator"},
		{"MissingTarget", func(c *TaskConfig) { c.Target = "" }, "target"},
		{"MissingFunction", func(c *TaskConfig) { c.Function = "" }, "function"},
		{"FunctionLeadingDigit", func(c *TaskConfig) { c.Function = "9lives" }, "function"},
		{"FunctionBadChar", func(c *TaskConfig) { c.Function = "do-it" }, "function"},
		{"FunctionTooLong", func(c *TaskConfig) { c.Function = strings.Repeat("f", 33) }, "function"},
		{"EmptyArg", func(c *TaskConfig) { c.Args = []Value{json.RawMessage(`1`), nil} }, "args"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := validTask()
			tc.mutate(&c)
			errs := fieldErrors(t, ValidateTask(&c))
			if !hasFieldError(errs, tc.field) {
				t.Errorf("expected error on field %q, got %v", tc.field, errs)
			}
		})
	}
}

func TestValidateTask_FunctionExactly32(t *testing.T) {
	c := validTask()
	c.Function = strings.Repeat("f", 32)
	if err := ValidateTask(&c); err != nil {
		t.Errorf("function with exactly 32 chars should be valid, got: %v", err)
	}
}

func TestValidationError_Message(t *testing.T) {
	ve := &ValidationError{Errors: []FieldError{
		{Field: "creator", Message: "is required"},
		{Field: "function", Message: "is required"},
	}}
	want := "validation failed: creator: is required; function: is required"
	if got := ve.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
