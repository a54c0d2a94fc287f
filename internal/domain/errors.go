package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError so ErrorCodeOf can resolve a
// subsystem-specific code (e.g. ErrNotFound + "tab" => TAB_NOT_FOUND).
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrDisabled         = fmt.Errorf("disabled")
	ErrInvalidInput     = fmt.Errorf("invalid input")
)

// Sentinel errors for the terminal backend.
var (
	ErrDirectoryQuery  = fmt.Errorf("current directory unavailable")
	ErrChangeDirectory = fmt.Errorf("failed to change directory")
	ErrCommandSpawn    = fmt.Errorf("failed to spawn command")
	ErrLastTab         = fmt.Errorf("cannot close the last tab")
	ErrHistoryStore    = fmt.Errorf("history store failed")
	ErrHistoryOffline  = fmt.Errorf("history store unavailable")
	ErrAuditWrite      = fmt.Errorf("audit log write failed")
	ErrConfigLoad      = fmt.Errorf("failed to load configuration")
	ErrDecryption      = fmt.Errorf("decryption failed")

	// Gateway / RPC errors.
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")

	// Resilience errors.
	ErrRateLimit   = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid = fmt.Errorf("authentication failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Surface.ChangeDirectory")
	Err       error  // underlying sentinel
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "tab", "command"); used for ErrorCode dispatch
	Cause     error  // originating OS or library error, if any
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the cause to errors.Is / errors.As.
func (e *DomainError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// NewCausedError creates a DomainError that keeps the originating error.
// The detail is the cause's text so callers that only print the error still
// see what the OS reported.
func NewCausedError(op string, err, cause error) *DomainError {
	de := &DomainError{Op: op, Err: err, Cause: cause}
	if cause != nil {
		de.Detail = cause.Error()
	}
	return de
}

// CauseOf returns the originating error carried by a DomainError, or err
// itself when there is none.
func CauseOf(err error) error {
	var de *DomainError
	if errors.As(err, &de) && de.Cause != nil {
		return de.Cause
	}
	return err
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category sent to clients.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeDirectoryQuery    ErrorCode = "DIRECTORY_QUERY"
	CodeChangeDirectory   ErrorCode = "CHANGE_DIRECTORY"
	CodeCommandSpawn      ErrorCode = "COMMAND_SPAWN"
	CodeLastTab           ErrorCode = "LAST_TAB"
	CodeHistoryStore      ErrorCode = "HISTORY_STORE"
	CodeHistoryOffline    ErrorCode = "HISTORY_OFFLINE"
	CodeAuditWrite        ErrorCode = "AUDIT_WRITE"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeDecryption        ErrorCode = "DECRYPTION"
	CodeGatewayAuth       ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeTabNotFound    ErrorCode = "TAB_NOT_FOUND"
	CodeTabLimit       ErrorCode = "TAB_LIMIT"
	CodeCommandTimeout ErrorCode = "COMMAND_TIMEOUT"
	CodeEmptyCommand   ErrorCode = "EMPTY_COMMAND"
	CodeForbidden      ErrorCode = "FORBIDDEN"

	// Category error codes, the fallback when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeDisabled         ErrorCode = "DISABLED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrDisabled:         CodeDisabled,
	ErrInvalidInput:     CodeInvalidInput,

	ErrDirectoryQuery:    CodeDirectoryQuery,
	ErrChangeDirectory:   CodeChangeDirectory,
	ErrCommandSpawn:      CodeCommandSpawn,
	ErrLastTab:           CodeLastTab,
	ErrHistoryStore:      CodeHistoryStore,
	ErrHistoryOffline:    CodeHistoryOffline,
	ErrAuditWrite:        CodeAuditWrite,
	ErrConfigLoad:        CodeConfigLoad,
	ErrDecryption:        CodeDecryption,
	ErrGatewayAuthFailed: CodeGatewayAuth,
	ErrRPCMethodNotFound: CodeRPCMethodNotFound,
	ErrRPCInvalidPayload: CodeRPCInvalidPayload,
	ErrRateLimit:         CodeRateLimit,
	ErrAuthInvalid:       CodeAuthInvalid,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"tab": CodeTabNotFound,
	},
	ErrLimitReached: {
		"tab": CodeTabLimit,
	},
	ErrTimeout: {
		"command": CodeCommandTimeout,
	},
	ErrInvalidInput: {
		"command": CodeEmptyCommand,
	},
	ErrPermissionDenied: {
		"rpc": CodeForbidden,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
