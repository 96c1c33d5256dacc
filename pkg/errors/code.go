package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20000-20099: Submission intake errors
// 20100-20199: Assignment & fixture errors
// 20200-20299: Execution & plugin errors
// 20300-20399: Backend collaborator errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Cache errors (10200-10299)
	CacheError     ErrorCode = 10200
	CacheMiss      ErrorCode = 10201
	CacheSetFailed ErrorCode = 10202

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	RequiredFieldEmpty ErrorCode = 10303

	// Messaging & storage (10400-10499)
	MessageQueueError ErrorCode = 10400
	StorageError      ErrorCode = 10401

	// ========== Submission Intake Errors (20000-20099) ==========

	SubmissionArchiveNotFound ErrorCode = 20000
	ArchiveInvalid            ErrorCode = 20001
	ArchiveTooLarge           ErrorCode = 20002
	WorkspaceError            ErrorCode = 20003

	// ========== Assignment & Fixture Errors (20100-20199) ==========

	AssignmentNotFound ErrorCode = 20100
	FixturesNotFound   ErrorCode = 20101
	FixtureCopyFailed  ErrorCode = 20102

	// ========== Execution & Plugin Errors (20200-20299) ==========

	LanguageNotSupported ErrorCode = 20200
	PluginRegistration   ErrorCode = 20201
	ExecutionFailed      ErrorCode = 20202
	RunnerError          ErrorCode = 20203
	RunStatusNotFound    ErrorCode = 20204

	// ========== Backend Collaborator Errors (20300-20399) ==========

	BackendUnavailable ErrorCode = 20300
	BackendBadResponse ErrorCode = 20301
	CallbackFailed     ErrorCode = 20302
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Cache
	CacheError:     "Cache operation failed",
	CacheMiss:      "Cache miss",
	CacheSetFailed: "Failed to set cache",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	RequiredFieldEmpty: "Required field is empty",

	// Messaging & storage
	MessageQueueError: "Message queue operation failed",
	StorageError:      "Object storage operation failed",

	// Submission intake
	SubmissionArchiveNotFound: "file not found",
	ArchiveInvalid:            "Submission archive is invalid",
	ArchiveTooLarge:           "Submission archive is too large",
	WorkspaceError:            "Failed to prepare working directory",

	// Assignment & fixtures
	AssignmentNotFound: "Assignment not found",
	FixturesNotFound:   "Tests not found for assignment",
	FixtureCopyFailed:  "Failed to copy test fixtures",

	// Execution
	LanguageNotSupported: "Programming language not supported",
	PluginRegistration:   "Invalid plugin registration",
	ExecutionFailed:      "Test execution failed",
	RunnerError:          "runner error",
	RunStatusNotFound:    "Run status not found",

	// Backend
	BackendUnavailable: "Backend service unavailable",
	BackendBadResponse: "Backend returned an unexpected response",
	CallbackFailed:     "Failed to deliver callback",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == SubmissionArchiveNotFound, c == RunStatusNotFound:
		return 404
	case c == ServiceUnavailable:
		return 503
	case c == Timeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams:
		return 400
	default:
		return 500
	}
}
