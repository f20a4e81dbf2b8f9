package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 21000-21999: Sandbox execution errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Cache errors (10200-10299)
	CacheError     ErrorCode = 10200
	CacheSetFailed ErrorCode = 10202
	LockFailed     ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// Message queue errors (10400-10499)
	MQError       ErrorCode = 10400
	PublishFailed ErrorCode = 10401
	ConsumeFailed ErrorCode = 10402

	// Object storage errors (10500-10599)
	StorageError     ErrorCode = 10500
	ObjectNotFound   ErrorCode = 10501
	ChecksumMismatch ErrorCode = 10502

	// ========== Sandbox Execution Errors (21000-21999) ==========

	// Request admission (21000-21099)
	LanguageNotSupported ErrorCode = 21000
	CodeTooLarge         ErrorCode = 21001
	StdinTooLarge        ErrorCode = 21002
	InvalidFileName      ErrorCode = 21003
	ExecQueueFull        ErrorCode = 21004

	// Sandbox infrastructure (21100-21199)
	SandboxFailure     ErrorCode = 21100
	WorkspaceFailure   ErrorCode = 21101
	CleanupFailed      ErrorCode = 21102
	BundleUnavailable  ErrorCode = 21103
	EngineNotSupported ErrorCode = 21104

	// Async executions (21200-21299)
	ExecutionNotFound ErrorCode = 21200
	SubmitFailed      ErrorCode = 21201
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Cache
	CacheError:     "Cache operation failed",
	CacheSetFailed: "Failed to set cache",
	LockFailed:     "Failed to acquire lock",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Message queue
	MQError:       "Message queue operation failed",
	PublishFailed: "Failed to publish message",
	ConsumeFailed: "Failed to consume message",

	// Object storage
	StorageError:     "Object storage operation failed",
	ObjectNotFound:   "Object not found in storage",
	ChecksumMismatch: "Object checksum mismatch",

	// Request admission
	LanguageNotSupported: "Programming language not supported",
	CodeTooLarge:         "Code is too large",
	StdinTooLarge:        "Stdin is too large",
	InvalidFileName:      "Invalid file name",
	ExecQueueFull:        "Execution queue is full, please try again later",

	// Sandbox infrastructure
	SandboxFailure:     "Sandbox execution failed",
	WorkspaceFailure:   "Failed to prepare sandbox workspace",
	CleanupFailed:      "Failed to tear down sandbox",
	BundleUnavailable:  "Runtime bundle unavailable",
	EngineNotSupported: "Sandbox engine not supported on this platform",

	// Async executions
	ExecutionNotFound: "Execution not found",
	SubmitFailed:      "Failed to submit execution",
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
	case c == NotFound, c == ObjectNotFound, c == ExecutionNotFound:
		return 404
	case c == TooManyRequests, c == ExecQueueFull:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams:
		return 400
	case c >= 21000 && c < 21100: // Request admission errors
		return 400
	default:
		return 500
	}
}
