package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Subsystem-specific sentinels below wrap one of these so
// callers can test either the precise or the coarse condition with errors.Is.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
)

// Orchestration sentinels.
var (
	ErrConfigLoad         = fmt.Errorf("failed to load configuration")
	ErrAgentNotFound      = fmt.Errorf("agent %w", ErrNotFound)
	ErrAgentExists        = fmt.Errorf("agent already registered: %w", ErrDuplicate)
	ErrCapabilityMismatch = fmt.Errorf("no agent matches capability query: %w", ErrInvalidInput)
	ErrPathNotAllowed     = fmt.Errorf("path outside agent scope: %w", ErrPermissionDenied)
	ErrInvocationTimeout  = fmt.Errorf("agent invocation: %w", ErrTimeout)
	ErrExecution          = fmt.Errorf("agent execution failed")
	ErrAdmissionRejected  = fmt.Errorf("admission rejected: %w", ErrLimitReached)
	ErrCircuitOpen        = fmt.Errorf("circuit open: %w", ErrAdmissionRejected)
	ErrRunnerNotFound     = fmt.Errorf("agent runner %w", ErrNotFound)

	// Gateway / RPC errors.
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrForbidden         = fmt.Errorf("forbidden: insufficient permissions")
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")

	ErrAuditWrite = fmt.Errorf("audit log write failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Registry.Load")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "registry", "executor")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRequestError reports whether err describes a malformed or disallowed
// request, as opposed to something that went wrong while an agent ran.
func IsRequestError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrDuplicate)
}

// ErrorCode is a machine-parseable error category for monitoring and API responses.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeAgentNotFound     ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentExists       ErrorCode = "AGENT_EXISTS"
	CodeCapabilityMatch   ErrorCode = "CAPABILITY_MISMATCH"
	CodePathNotAllowed    ErrorCode = "PATH_NOT_ALLOWED"
	CodeInvocationTimeout ErrorCode = "INVOCATION_TIMEOUT"
	CodeExecution         ErrorCode = "EXECUTION_FAILED"
	CodeAdmission         ErrorCode = "ADMISSION_REJECTED"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	CodeRunnerNotFound    ErrorCode = "RUNNER_NOT_FOUND"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeGatewayAuth       ErrorCode = "GATEWAY_AUTH"
	CodeForbidden         ErrorCode = "FORBIDDEN"
	CodeRPCMethodNotFound ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeAuditWrite        ErrorCode = "AUDIT_WRITE"

	// Category codes, used when no specific sentinel matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
)

// specificCodes is checked before categoryCodes, most specific first, so that
// a wrapped sentinel such as ErrCircuitOpen never resolves to the code of the
// sentinel it wraps.
var specificCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrCircuitOpen, CodeCircuitOpen},
	{ErrAdmissionRejected, CodeAdmission},
	{ErrInvocationTimeout, CodeInvocationTimeout},
	{ErrExecution, CodeExecution},
	{ErrAgentNotFound, CodeAgentNotFound},
	{ErrAgentExists, CodeAgentExists},
	{ErrCapabilityMismatch, CodeCapabilityMatch},
	{ErrPathNotAllowed, CodePathNotAllowed},
	{ErrRunnerNotFound, CodeRunnerNotFound},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrGatewayAuthFailed, CodeGatewayAuth},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrForbidden, CodeForbidden},
	{ErrRPCMethodNotFound, CodeRPCMethodNotFound},
	{ErrRPCInvalidPayload, CodeRPCInvalidPayload},
	{ErrAuditWrite, CodeAuditWrite},
}

var categoryCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrNotFound, CodeNotFound},
	{ErrDuplicate, CodeDuplicate},
	{ErrTimeout, CodeTimeout},
	{ErrLimitReached, CodeLimitReached},
	{ErrPermissionDenied, CodePermissionDenied},
	{ErrInvalidInput, CodeInvalidInput},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It walks the error chain with errors.Is and returns CodeUnknown when no
// sentinel matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, c := range specificCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	for _, c := range categoryCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying error.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
