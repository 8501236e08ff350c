// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package validation wraps go-playground/validator v10 with a shared,
// thread-safe instance and Vigil's custom rules.
//
// Custom tags:
//   - finite: float fields must not be NaN or ±Inf
//   - sampletype: value must be one of the known telemetry sample types
//
// Example:
//
//	type gyro struct {
//	    X float64 `validate:"finite"`
//	}
//	if err := validation.ValidateStruct(&g); err != nil {
//	    field := err.First().Field()
//	}
package validation

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// sampleTypes mirrors telemetry.SampleType values; kept here to avoid an
// import cycle.
var sampleTypes = map[string]bool{
	"touch":     true,
	"keystroke": true,
	"motion":    true,
	"location":  true,
}

// FieldError is a single field validation failure.
type FieldError struct {
	field   string
	tag     string
	param   string
	message string
}

// Field returns the struct field name (JSON name when available).
func (e FieldError) Field() string { return e.field }

// Tag returns the failed validation tag.
func (e FieldError) Tag() string { return e.tag }

// Param returns the tag parameter, e.g. "100" for "max=100".
func (e FieldError) Param() string { return e.param }

// Error returns a human-readable message.
func (e FieldError) Error() string { return e.message }

// Errors is the collection returned by ValidateStruct.
type Errors struct {
	fields []FieldError
}

// Fields returns every field failure.
func (ve *Errors) Fields() []FieldError {
	return ve.fields
}

// First returns the first failure, which callers use for classification.
func (ve *Errors) First() FieldError {
	if len(ve.fields) == 0 {
		return FieldError{field: "unknown", tag: "unknown", message: "validation failed"}
	}
	return ve.fields[0]
}

// Error joins all messages.
func (ve *Errors) Error() string {
	if len(ve.fields) == 0 {
		return "validation failed"
	}
	messages := make([]string, len(ve.fields))
	for i, fe := range ve.fields {
		messages[i] = fe.message
	}
	return strings.Join(messages, "; ")
}

// GetValidator returns the shared validator instance.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// Report JSON field names so rejections match the wire format.
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})

		mustRegister("finite", func(fl validator.FieldLevel) bool {
			f := fl.Field()
			switch f.Kind() {
			case reflect.Float32, reflect.Float64:
				x := f.Float()
				return !math.IsNaN(x) && !math.IsInf(x, 0)
			default:
				return true
			}
		})
		mustRegister("sampletype", func(fl validator.FieldLevel) bool {
			return sampleTypes[fl.Field().String()]
		})
	})
	return validate
}

func mustRegister(tag string, fn validator.Func) {
	if err := validate.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("validation: register %q: %v", tag, err))
	}
}

// ValidateStruct validates s with the shared validator. It returns nil when
// s is valid.
func ValidateStruct(s interface{}) *Errors {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return &Errors{fields: []FieldError{{field: "unknown", tag: "unknown", message: err.Error()}}}
	}

	fields := make([]FieldError, len(validationErrs))
	for i, fe := range validationErrs {
		fields[i] = FieldError{
			field:   fe.Field(),
			tag:     fe.Tag(),
			param:   fe.Param(),
			message: translateError(fe),
		}
	}
	return &Errors{fields: fields}
}

var errorMessageTemplates = map[string]string{
	"required":   "%s is required",
	"finite":     "%s must be a finite number",
	"sampletype": "%s must be one of touch, keystroke, motion, location",
}

var errorMessageWithParam = map[string]string{
	"oneof": "%s must be one of: %s",
	"gte":   "%s must be greater than or equal to %s",
	"lte":   "%s must be less than or equal to %s",
	"min":   "%s must be at least %s",
	"max":   "%s must be at most %s",
}

func translateError(fe validator.FieldError) string {
	if template, ok := errorMessageTemplates[fe.Tag()]; ok {
		return fmt.Sprintf(template, fe.Field())
	}
	if template, ok := errorMessageWithParam[fe.Tag()]; ok {
		return fmt.Sprintf(template, fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
}
