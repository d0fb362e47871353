package actions

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ErrValidation marks malformed action input.
var ErrValidation = errors.New("validation failed")

// ValidationError names the first field that failed validation.
type ValidationError struct {
	Field string
	Rule  string
	Param string
}

func (e *ValidationError) Error() string {
	switch e.Rule {
	case "required":
		return fmt.Sprintf("%s: '%s' is required", ErrValidation, e.Field)
	case "oneof":
		return fmt.Sprintf("%s: '%s' must be one of [%s]", ErrValidation, e.Field, e.Param)
	case "max":
		return fmt.Sprintf("%s: '%s' must be at most %s", ErrValidation, e.Field, e.Param)
	case "positive_decimal":
		return fmt.Sprintf("%s: '%s' must be a positive amount", ErrValidation, e.Field)
	}
	return fmt.Sprintf("%s: '%s' failed '%s'", ErrValidation, e.Field, e.Rule)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		// Report fields by the name clients send.
		v.RegisterTagNameFunc(jsonName)
		// Registration only fails for an empty tag or nil func.
		_ = v.RegisterValidation("positive_decimal", func(fl validator.FieldLevel) bool {
			value, ok := fl.Field().Interface().(decimal.Decimal)
			return ok && value.IsPositive()
		})
		validate = v
	})
	return validate
}

func validateInput(in interface{}) error {
	err := getValidator().Struct(in)
	if err == nil {
		return nil
	}
	var errs validator.ValidationErrors
	if errors.As(err, &errs) && len(errs) > 0 {
		fe := errs[0]
		return &ValidationError{Field: fe.Field(), Rule: fe.Tag(), Param: fe.Param()}
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return f.Name
	}
	return name
}
