package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20000-20999: Sandbox (forkserver, supervisor) errors
// 30000-30999: Render coordination errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError  ErrorCode = 10100
	RecordNotFound ErrorCode = 10101

	// Lock store errors (10200-10299)
	LockStoreError    ErrorCode = 10200
	LockStoreLost     ErrorCode = 10201
	LockNotHeld       ErrorCode = 10202
	LockKeyOutOfRange ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed ErrorCode = 10300
	InvalidFormat    ErrorCode = 10301

	// Queue & storage errors (10400-10499)
	QueuePublishFailed ErrorCode = 10400
	StorageError       ErrorCode = 10401

	// ========== Sandbox Errors (20000-20999) ==========

	// Forkserver lifecycle (20000-20099)
	ForkserverUnavailable ErrorCode = 20000
	ForkserverStartFailed ErrorCode = 20001
	ProtocolViolation     ErrorCode = 20002
	ModuleNotFound        ErrorCode = 20003

	// Spawn (20100-20199)
	SpawnFailed        ErrorCode = 20100
	SandboxSetupFailed ErrorCode = 20101
	ChildFailed        ErrorCode = 20102
	ChildTimeout       ErrorCode = 20103
	ChildOutputTooBig  ErrorCode = 20104

	// ========== Render Errors (30000-30999) ==========

	RenderFailed       ErrorCode = 30000
	StaleRequest       ErrorCode = 30001
	WorkflowNotFound   ErrorCode = 30002
	UnneededExecution  ErrorCode = 30003
	RenderRequeueError ErrorCode = 30004
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

	// Database
	DatabaseError:  "Database operation failed",
	RecordNotFound: "Record not found in database",

	// Lock store
	LockStoreError:    "Lock store operation failed",
	LockStoreLost:     "Lost connection to lock store",
	LockNotHeld:       "Lock is not held",
	LockKeyOutOfRange: "Lock key is out of range",

	// Validation
	ValidationFailed: "Validation failed",
	InvalidFormat:    "Invalid format",

	// Queue & storage
	QueuePublishFailed: "Failed to publish message",
	StorageError:       "Object storage operation failed",

	// Forkserver
	ForkserverUnavailable: "Forkserver is not running",
	ForkserverStartFailed: "Failed to start forkserver",
	ProtocolViolation:     "Control socket protocol violation",
	ModuleNotFound:        "Module is not registered",

	// Spawn
	SpawnFailed:        "Failed to spawn sandboxed child",
	SandboxSetupFailed: "Failed to set up sandbox",
	ChildFailed:        "Sandboxed child exited with failure",
	ChildTimeout:       "Sandboxed child timed out",
	ChildOutputTooBig:  "Sandboxed child output exceeds limit",

	// Render
	RenderFailed:       "Render failed",
	StaleRequest:       "Render request is stale",
	WorkflowNotFound:   "Workflow not found",
	UnneededExecution:  "Render was not needed",
	RenderRequeueError: "Failed to requeue render request",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// Fatal reports whether an error with this code must terminate the worker.
// Lock store and database failures leave advisory locks in an unknown state.
func (c ErrorCode) Fatal() bool {
	switch {
	case c >= 10100 && c < 10200:
		return true
	case c == LockStoreError, c == LockStoreLost:
		return true
	case c == ForkserverUnavailable, c == ProtocolViolation:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == RecordNotFound, c == WorkflowNotFound, c == ModuleNotFound:
		return 404
	case c == ServiceUnavailable, c == ForkserverUnavailable, c == LockStoreLost:
		return 503
	case c == Timeout, c == ChildTimeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == LockKeyOutOfRange:
		return 400
	default:
		return 500
	}
}
