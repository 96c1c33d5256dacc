package errors_test

import (
	"errors"
	"fmt"
	"testing"

	. "acarunner/pkg/errors"
)

func TestErrorCode_Message(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{Success, "Success"},
		{SubmissionArchiveNotFound, "file not found"},
		{AssignmentNotFound, "Assignment not found"},
		{FixturesNotFound, "Tests not found for assignment"},
		{RunnerError, "runner error"},
		{ErrorCode(99999), "Unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.code.Message(); got != tt.want {
				t.Errorf("Message() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code       ErrorCode
		wantStatus int
	}{
		{Success, 200},
		{InvalidParams, 400},
		{InvalidFormat, 400},
		{ValidationFailed, 400},
		{NotFound, 404},
		{SubmissionArchiveNotFound, 404},
		{RunStatusNotFound, 404},
		{ServiceUnavailable, 503},
		{Timeout, 504},
		{AssignmentNotFound, 500},
		{RunnerError, 500},
		{InternalServerError, 500},
	}

	for _, tt := range tests {
		t.Run(tt.code.Message(), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %v, want %v", got, tt.wantStatus)
			}
		})
	}
}

func TestNew(t *testing.T) {
	err := New(AssignmentNotFound)

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Code != AssignmentNotFound {
		t.Errorf("Code = %v, want %v", err.Code, AssignmentNotFound)
	}
	if err.Error() != AssignmentNotFound.Message() {
		t.Errorf("Error() = %v, want %v", err.Error(), AssignmentNotFound.Message())
	}
}

func TestNewf(t *testing.T) {
	err := Newf(LanguageNotSupported, "Language %s is not supported", "cobol")

	want := "Language cobol is not supported"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}
}

func TestWrap(t *testing.T) {
	originalErr := errors.New("connection refused")
	wrappedErr := Wrap(originalErr, BackendUnavailable)

	if wrappedErr.Code != BackendUnavailable {
		t.Errorf("Code = %v, want %v", wrappedErr.Code, BackendUnavailable)
	}
	if wrappedErr.Unwrap() != originalErr {
		t.Error("Unwrap() should return original error")
	}
	if !errors.Is(wrappedErr, originalErr) {
		t.Error("errors.Is should reach the original error")
	}
}

func TestError_WithDetail(t *testing.T) {
	err := New(ValidationFailed).
		WithDetail("field", "filename").
		WithDetail("reason", "invalid archive name")

	if err.Details["field"] != "filename" {
		t.Error("Field detail not set correctly")
	}
	if err.Details["reason"] != "invalid archive name" {
		t.Error("Reason detail not set correctly")
	}
}

func TestError_WithMessage(t *testing.T) {
	customMsg := "custom error message"
	err := New(InternalServerError).WithMessage(customMsg)

	if err.Error() != customMsg {
		t.Errorf("Error() = %v, want %v", err.Error(), customMsg)
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{name: "nil error", err: nil, want: Success},
		{name: "custom error", err: New(FixturesNotFound), want: FixturesNotFound},
		{name: "wrapped by fmt", err: fmt.Errorf("stage failed: %w", New(ArchiveInvalid)), want: ArchiveInvalid},
		{name: "standard error", err: errors.New("standard error"), want: InternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.want {
				t.Errorf("GetCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIs(t *testing.T) {
	err := New(AssignmentNotFound)

	if !Is(err, AssignmentNotFound) {
		t.Error("Is() should return true for matching code")
	}
	if Is(err, BackendUnavailable) {
		t.Error("Is() should return false for non-matching code")
	}
	if Is(nil, AssignmentNotFound) {
		t.Error("Is() should return false for nil error")
	}
	if !Is(fmt.Errorf("wrapped: %w", err), AssignmentNotFound) {
		t.Error("Is() should see through fmt wrapping")
	}
}

func TestCommonErrorConstructors(t *testing.T) {
	t.Run("RequiredError", func(t *testing.T) {
		err := RequiredError("filename")
		if err.Code != InvalidParams || err.Error() != "missing fields: filename" {
			t.Errorf("unexpected error %v (%d)", err, err.Code)
		}
	})

	t.Run("ValidationError", func(t *testing.T) {
		err := ValidationError("submission_id", "required")
		if err.Code != ValidationFailed {
			t.Error("ValidationError should use ValidationFailed code")
		}
		if err.Details["field"] != "submission_id" {
			t.Error("Field detail not set")
		}
	})
}
