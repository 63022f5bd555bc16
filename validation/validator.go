// Package validation provides input validation utilities.
package validation

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/cobrun/geowatch/errors"
)

const maxBodyBytes = 1 << 16

var (
	validate *validator.Validate
	once     sync.Once
)

// GetValidator returns the singleton validator instance.
func GetValidator() *validator.Validate {
	once.Do(func() {
		validate = validator.New()

		// Use JSON tag names for error messages
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		registerCustomValidations(validate)
	})

	return validate
}

func registerCustomValidations(v *validator.Validate) {
	_ = v.RegisterValidation("latitude", validateLatitude)
	_ = v.RegisterValidation("longitude", validateLongitude)
	_ = v.RegisterValidation("radius", validateRadius)
}

// Latitude validates latitude values (-90 to 90).
func validateLatitude(fl validator.FieldLevel) bool {
	lat := fl.Field().Float()
	return lat >= -90 && lat <= 90
}

// Longitude validates longitude values (-180 to 180).
func validateLongitude(fl validator.FieldLevel) bool {
	lng := fl.Field().Float()
	return lng >= -180 && lng <= 180
}

// Radius validates a positive, finite number of meters.
func validateRadius(fl validator.FieldLevel) bool {
	var r float64
	switch fl.Field().Kind() {
	case reflect.Float32, reflect.Float64:
		r = fl.Field().Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		r = float64(fl.Field().Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		r = float64(fl.Field().Uint())
	default:
		return false
	}
	return r > 0 && !math.IsInf(r, 0) && !math.IsNaN(r)
}

// Validate validates a struct and returns validation errors.
func Validate(s any) error {
	return GetValidator().Struct(s)
}

// ValidateVar validates a single variable.
func ValidateVar(field any, tag string) error {
	return GetValidator().Var(field, tag)
}

// ValidationError represents a single validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, e := range ve {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(e.Field)
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	return sb.String()
}

// Details flattens the errors into a field -> message map.
func (ve ValidationErrors) Details() map[string]string {
	details := make(map[string]string, len(ve))
	for _, e := range ve {
		details[e.Field] = e.Message
	}
	return details
}

// ParseValidationErrors converts validator.ValidationErrors to our format.
func ParseValidationErrors(err error) ValidationErrors {
	if err == nil {
		return nil
	}

	var validationErrors ValidationErrors

	if ve, ok := err.(validator.ValidationErrors); ok {
		for _, e := range ve {
			validationErrors = append(validationErrors, ValidationError{
				Field:   e.Field(),
				Message: getErrorMessage(e),
			})
		}
	}

	return validationErrors
}

// ValidateStruct validates s and returns both the parsed field errors and an
// AppError suitable for returning to callers.
func ValidateStruct(s any) (ValidationErrors, error) {
	err := Validate(s)
	if err == nil {
		return nil, nil
	}

	fields := ParseValidationErrors(err)
	if len(fields) == 0 {
		return nil, apperrors.Validation(err.Error())
	}
	return fields, apperrors.ValidationWithDetails("request validation failed", fields.Details())
}

// DecodeJSON decodes the request body into dst and validates it.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return apperrors.BadRequest(fmt.Sprintf("invalid JSON body: %v", err))
	}

	_, err := ValidateStruct(dst)
	return err
}

func getErrorMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "latitude":
		return "must be a valid latitude (-90 to 90)"
	case "longitude":
		return "must be a valid longitude (-180 to 180)"
	case "radius":
		return "must be a positive number of meters"
	case "min":
		return "must be at least " + e.Param()
	case "max":
		return "must be at most " + e.Param()
	case "oneof":
		return "must be one of: " + e.Param()
	case "gt":
		return "must be greater than " + e.Param()
	case "gte":
		return "must be greater than or equal to " + e.Param()
	default:
		return "is invalid"
	}
}
