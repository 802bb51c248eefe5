package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrBusy         = fmt.Errorf("operation already in flight")
	ErrRateLimit    = fmt.Errorf("rate limit exceeded")
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
	ErrDecryption   = fmt.Errorf("decryption failed")
	ErrEncryption   = fmt.Errorf("encryption operation failed")
)

// Failure taxonomy shared by the mediator, panel and broker.
var (
	// ErrExtractionFailed is non-fatal: the pipeline still returns a result.
	ErrExtractionFailed = fmt.Errorf("content extraction failed")
	// ErrRelayUnreachable is returned once the single re-initialisation retry is spent.
	ErrRelayUnreachable  = fmt.Errorf("relay counterpart unreachable")
	ErrNoCounterpart     = fmt.Errorf("no live counterpart on relay")
	ErrSpoofedSender     = fmt.Errorf("message from unauthenticated sender")
	ErrRelayClosed       = fmt.Errorf("relay closed")
	ErrMissingCredential = fmt.Errorf("no API credential configured")
	ErrNetwork           = fmt.Errorf("network failure")
	ErrHTTPStatus        = fmt.Errorf("backend returned an error status")
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrStorage           = fmt.Errorf("storage operation failed")
	ErrStreamAborted     = fmt.Errorf("stream cancelled")

	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrUnknownKind       = fmt.Errorf("unknown message kind")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "History.Append")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
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

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrNoCounterpart)
}

// ErrorCode is a machine-parseable error category. It crosses the relay in
// STREAM_ERROR and *_RESULT payloads so the panel can choose how to surface it.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeBusy              ErrorCode = "BUSY"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeDecryption        ErrorCode = "DECRYPTION"
	CodeEncryption        ErrorCode = "ENCRYPTION"
	CodeExtractionFailed  ErrorCode = "EXTRACTION_FAILED"
	CodeRelayUnreachable  ErrorCode = "RELAY_UNREACHABLE"
	CodeNoCounterpart     ErrorCode = "NO_COUNTERPART"
	CodeSpoofedSender     ErrorCode = "SPOOFED_SENDER"
	CodeRelayClosed       ErrorCode = "RELAY_CLOSED"
	CodeMissingCredential ErrorCode = "MISSING_CREDENTIAL"
	CodeNetwork           ErrorCode = "NETWORK"
	CodeHTTPStatus        ErrorCode = "HTTP_STATUS"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeStorage           ErrorCode = "STORAGE"
	CodeStreamAborted     ErrorCode = "STREAM_ABORTED"
	CodeGatewayAuth       ErrorCode = "GATEWAY_AUTH"
	CodeUnknownKind       ErrorCode = "UNKNOWN_KIND"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:          CodeNotFound,
	ErrTimeout:           CodeTimeout,
	ErrInvalidInput:      CodeInvalidInput,
	ErrBusy:              CodeBusy,
	ErrRateLimit:         CodeRateLimit,
	ErrConfigLoad:        CodeConfigLoad,
	ErrDecryption:        CodeDecryption,
	ErrEncryption:        CodeEncryption,
	ErrExtractionFailed:  CodeExtractionFailed,
	ErrRelayUnreachable:  CodeRelayUnreachable,
	ErrNoCounterpart:     CodeNoCounterpart,
	ErrSpoofedSender:     CodeSpoofedSender,
	ErrRelayClosed:       CodeRelayClosed,
	ErrMissingCredential: CodeMissingCredential,
	ErrNetwork:           CodeNetwork,
	ErrHTTPStatus:        CodeHTTPStatus,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrStorage:           CodeStorage,
	ErrStreamAborted:     CodeStreamAborted,
	ErrGatewayAuthFailed: CodeGatewayAuth,
	ErrUnknownKind:       CodeUnknownKind,
}

// codePriority lists sentinels that must win when an error chain matches
// several (e.g. ErrGatewayAuthFailed also matches ErrAuthInvalid, and
// ErrRelayUnreachable usually wraps ErrTimeout).
var codePriority = []error{
	ErrGatewayAuthFailed,
	ErrRelayUnreachable,
	ErrMissingCredential,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	for _, sentinel := range codePriority {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
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
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}

// ErrorFromCode rebuilds an error that matches the sentinel for code with
// errors.Is. It is used on the receiving side of the relay, where only the
// code and message survive serialisation.
func ErrorFromCode(code ErrorCode, msg string) error {
	for sentinel, c := range errorCodeMap {
		if c == code {
			if msg == "" {
				return sentinel
			}
			return fmt.Errorf("%s: %w", msg, sentinel)
		}
	}
	if msg == "" {
		msg = string(CodeUnknown)
	}
	return errors.New(msg)
}
