package core

import (
	"errors"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"crewdesk/internal/types"
)

// Validator wraps go-playground/validator with the domain tags:
//
//	event_type  a known types.EventType
//	job_status  a known types.JobStatus
type Validator struct {
	v *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
		return types.EventType(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("job_status", func(fl validator.FieldLevel) bool {
		return types.JobStatus(fl.Field().String()).Valid()
	})
	return &Validator{v: v}
}

// Struct validates s and reports failures as a validation AppError whose
// details map each offending field to the rule it broke.
func (v *Validator) Struct(s any) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return types.NewAppError(types.ErrCodeValidationInvalidRequest, "request could not be validated", err)
	}

	fields := make(map[string]any, len(fieldErrs))
	names := make([]string, 0, len(fieldErrs))
	code := types.ErrCodeValidationInvalidRequest
	for _, fe := range fieldErrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		fields[fe.Field()] = rule
		names = append(names, fe.Field())
		if fe.Tag() == "required" && len(fieldErrs) == 1 {
			code = types.ErrCodeValidationMissingField
		}
	}
	sort.Strings(names)
	return types.NewAppErrorWithDetails(code, "invalid fields: "+strings.Join(names, ", "), err,
		map[string]any{"fields": fields})
}
