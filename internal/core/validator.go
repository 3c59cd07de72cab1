package core

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"palletspace/internal/types"
)

// errCodeValidationInvalidField is the generic error code for a request field
// that fails a validation rule other than presence or email format.
const errCodeValidationInvalidField types.ErrorCode = "validation_invalid_field"

// Validator wraps go-playground/validator and translates its field errors
// into the AppError taxonomy used by the response layer.
type Validator struct {
	logger   *slog.Logger
	validate *validator.Validate
}

// NewValidator creates a Validator with struct tag names taken from json tags,
// so error details reference the wire-format field names clients actually send.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	return &Validator{
		logger:   logger,
		validate: v,
	}
}

// ValidateStruct validates a decoded request struct against its validate tags.
// The first failing field determines the returned AppError:
//   - "required" failures map to validation_missing_required_field
//   - "email" failures map to validation_invalid_email
//   - anything else maps to validation_invalid_field
//
// The failing field and rule are included in the error details. A non-struct
// argument is a programming error and surfaces as internal_unexpected_error.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var invalidErr *validator.InvalidValidationError
	if errors.As(err, &invalidErr) {
		v.logger.Error("validator invoked with non-struct value", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "invalid validation target", err)
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation failed", err)
	}

	fe := fieldErrs[0]
	details := map[string]any{
		"field": fe.Field(),
		"rule":  fe.Tag(),
	}

	switch fe.Tag() {
	case "required":
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationMissingField,
			"missing required field: "+fe.Field(),
			err,
			details,
		)
	case "email":
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidEmail,
			"invalid email address",
			err,
			details,
		)
	default:
		return types.NewAppErrorWithDetails(
			errCodeValidationInvalidField,
			"invalid value for field: "+fe.Field(),
			err,
			details,
		)
	}
}
