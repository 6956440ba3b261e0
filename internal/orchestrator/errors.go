package orchestrator

import "errors"

// Sentinel errors surfaced synchronously at the dispatch boundary.
var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrTargetBusy rejects a dispatch while another command for the same
	// target is still in flight.
	ErrTargetBusy = errors.New("target has an active command")
	// ErrNoWorkerAvailable signals that no online worker could be selected.
	ErrNoWorkerAvailable = errors.New("no worker available")
	// ErrSessionTerminal rejects mutations of a session past its back-fill
	// grace period.
	ErrSessionTerminal = errors.New("session is terminal")
)

// ErrorCode classifies execution errors carried on a terminal session.
type ErrorCode string

// Execution error codes.
const (
	CodeAuthRequired   ErrorCode = "AuthRequired"
	CodeRateLimited    ErrorCode = "RateLimited"
	CodeNetworkTimeout ErrorCode = "NetworkTimeout"
	CodeCancelled      ErrorCode = "Cancelled"
	CodeInvalidTarget  ErrorCode = "InvalidTarget"
	CodeWorkerLost     ErrorCode = "WorkerLost"
	CodeNoWorkerOnline ErrorCode = "NoWorkerOnline"
)

// Recoverable reports whether the retry engine may act on this code.
func (c ErrorCode) Recoverable() bool {
	switch c {
	case CodeRateLimited, CodeNetworkTimeout, CodeWorkerLost, CodeNoWorkerOnline:
		return true
	case CodeAuthRequired, CodeCancelled, CodeInvalidTarget:
		return false
	default:
		return false
	}
}

// NewExecError builds an ExecError with recoverability derived from the code.
func NewExecError(code ErrorCode, message string) *ExecError {
	return &ExecError{Code: code, Message: message, Recoverable: code.Recoverable()}
}
