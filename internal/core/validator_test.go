package core

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"palletspace/internal/types"
)

type signupPayload struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
}

func newTestValidator() *Validator {
	return NewValidator(slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil)))
}

func validationCode(t *testing.T, err error) (*types.AppError, types.ErrorCode) {
	t.Helper()
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T: %v", err, err)
	}
	return appErr, appErr.Code
}

func TestValidateStruct_Valid(t *testing.T) {
	v := newTestValidator()

	err := v.ValidateStruct(signupPayload{
		Email:    "ann@example.com",
		Name:     "Ann",
		Password: "correct horse",
	})
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateStruct_MissingField(t *testing.T) {
	v := newTestValidator()

	err := v.ValidateStruct(signupPayload{Email: "ann@example.com", Password: "correct horse"})
	if err == nil {
		t.Fatal("expected error for missing name")
	}

	appErr, code := validationCode(t, err)
	if code != types.ErrCodeValidationMissingField {
		t.Errorf("expected validation_missing_required_field, got %s", code)
	}
	if appErr.Details["field"] != "name" {
		t.Errorf("expected json field name in details, got %v", appErr.Details)
	}
}

func TestValidateStruct_InvalidEmail(t *testing.T) {
	v := newTestValidator()

	err := v.ValidateStruct(signupPayload{
		Email:    "not-an-email",
		Name:     "Ann",
		Password: "correct horse",
	})
	if err == nil {
		t.Fatal("expected error for invalid email")
	}

	if _, code := validationCode(t, err); code != types.ErrCodeValidationInvalidEmail {
		t.Errorf("expected validation_invalid_email, got %s", code)
	}
}

func TestValidateStruct_RuleFailure(t *testing.T) {
	v := newTestValidator()

	err := v.ValidateStruct(signupPayload{
		Email:    "ann@example.com",
		Name:     "Ann",
		Password: "short",
	})
	if err == nil {
		t.Fatal("expected error for short password")
	}

	appErr, code := validationCode(t, err)
	if code != errCodeValidationInvalidField {
		t.Errorf("expected validation_invalid_field, got %s", code)
	}
	if appErr.Details["rule"] != "min" {
		t.Errorf("expected failing rule in details, got %v", appErr.Details)
	}
}

func TestValidateStruct_NonStruct(t *testing.T) {
	v := newTestValidator()

	err := v.ValidateStruct("not a struct")
	if err == nil {
		t.Fatal("expected error for non-struct value")
	}
	if _, code := validationCode(t, err); code != types.ErrCodeInternalUnexpected {
		t.Errorf("expected internal_unexpected_error, got %s", code)
	}
}
