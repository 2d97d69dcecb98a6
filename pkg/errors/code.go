package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Authentication & webhook errors
// 13000-13999: Task, queue & judge errors
// 14000-14999: Sandbox errors
// 15000-15999: Notification stream errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError  ErrorCode = 10100
	RecordNotFound ErrorCode = 10101

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	LockFailed ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// Storage errors (10400-10499)
	StorageError   ErrorCode = 10400
	ObjectNotFound ErrorCode = 10401

	// ========== Authentication & Webhook Errors (11000-11999) ==========

	// Session (11000-11099)
	TokenExpired ErrorCode = 11003
	TokenInvalid ErrorCode = 11004

	// Webhook (11100-11199)
	SignatureMissing    ErrorCode = 11100
	SignatureInvalid    ErrorCode = 11101
	WebhookTokenInvalid ErrorCode = 11102
	TimestampSkewed     ErrorCode = 11103

	// ========== Task, Queue & Judge Errors (13000-13999) ==========

	// Task (13000-13099)
	TaskNotFound      ErrorCode = 13000
	TaskCreateFailed  ErrorCode = 13001
	TaskAlreadyQueued ErrorCode = 13002
	ResultNotFound    ErrorCode = 13003

	// Queue (13100-13199)
	QueueError         ErrorCode = 13100
	JobNotFound        ErrorCode = 13101
	JobLeaseLost       ErrorCode = 13102
	TaskRetryExhausted ErrorCode = 13103

	// Judge (13200-13299)
	JudgeSystemError ErrorCode = 13200
	CompilationError ErrorCode = 13201
	CompletionFailed ErrorCode = 13202

	// ========== Sandbox Errors (14000-14999) ==========

	SandboxUnavailable   ErrorCode = 14000
	SandboxRejected      ErrorCode = 14001
	SandboxOutputInvalid ErrorCode = 14002
	ContainmentViolation ErrorCode = 14003
	RestoreFailed        ErrorCode = 14004

	// ========== Notification Stream Errors (15000-15999) ==========

	StreamUnsupported ErrorCode = 15000
	StreamCapacity    ErrorCode = 15001
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:  "Database operation failed",
	RecordNotFound: "Record not found in database",

	// Cache
	CacheError: "Cache operation failed",
	LockFailed: "Failed to acquire lock",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Storage
	StorageError:   "Storage operation failed",
	ObjectNotFound: "Object not found",

	// Session
	TokenExpired: "Token has expired",
	TokenInvalid: "Invalid token",

	// Webhook
	SignatureMissing:    "Forbidden",
	SignatureInvalid:    "Forbidden",
	WebhookTokenInvalid: "Forbidden",
	TimestampSkewed:     "Forbidden",

	// Task
	TaskNotFound:      "Task not found",
	TaskCreateFailed:  "Failed to create task",
	TaskAlreadyQueued: "Task for this judge record is already queued",
	ResultNotFound:    "Judge result not found",

	// Queue
	QueueError:         "Queue operation failed",
	JobNotFound:        "Job not found",
	JobLeaseLost:       "Job lease lost",
	TaskRetryExhausted: "Task attempts exhausted",

	// Judge
	JudgeSystemError: "Judge system error",
	CompilationError: "Judge script compilation failed",
	CompletionFailed: "Failed to report task completion",

	// Sandbox
	SandboxUnavailable:   "Sandbox executor unavailable",
	SandboxRejected:      "Sandbox executor rejected the request",
	SandboxOutputInvalid: "Sandbox executor returned an invalid outcome",
	ContainmentViolation: "Path escapes the sandbox root",
	RestoreFailed:        "Failed to materialize filesystem snapshot",

	// Stream
	StreamUnsupported: "Streaming is not supported",
	StreamCapacity:    "Too many live connections",
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
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid:
		return 401
	case c == Forbidden, c >= 11100 && c < 11200: // Webhook auth errors
		return 403
	case c == NotFound, c == TaskNotFound, c == JobNotFound, c == ResultNotFound, c == ObjectNotFound, c == RecordNotFound:
		return 404
	case c == TaskAlreadyQueued:
		return 409
	case c == TooManyRequests:
		return 429
	case c == ServiceUnavailable, c == StreamCapacity:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == ContainmentViolation:
		return 400
	default:
		return 500
	}
}

// Retryable reports whether a failure with this code may succeed on a later attempt.
func (c ErrorCode) Retryable() bool {
	switch {
	case c >= 10300 && c < 10400, c == InvalidParams:
		return false
	case c >= 11000 && c < 12000:
		return false
	case c == CompilationError, c == SandboxRejected, c == ContainmentViolation, c == TaskRetryExhausted:
		return false
	default:
		return true
	}
}
