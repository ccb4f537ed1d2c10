package domain

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes failures surfaced by the correlation engine.
type ErrorCode string

const (
	// ErrCodeNotFound: a Request or ResultSet does not exist. Terminal.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeOrphanResult: a ResultSet references an unknown Request.
	ErrCodeOrphanResult ErrorCode = "ORPHAN_RESULT"

	// ErrCodeTimeout: a bounded wait for a result was exhausted. Retryable.
	ErrCodeTimeout ErrorCode = "CORRELATION_TIMEOUT"

	// ErrCodeTransportUnavailable: the store or the message channel is unreachable.
	ErrCodeTransportUnavailable ErrorCode = "TRANSPORT_UNAVAILABLE"

	// ErrCodeMalformedMessage: an inbound message cannot become a ResultSet.
	ErrCodeMalformedMessage ErrorCode = "MALFORMED_MESSAGE"

	// ErrCodeMappingStoreUnavailable: the identity mapping could not be read or written.
	ErrCodeMappingStoreUnavailable ErrorCode = "MAPPING_STORE_UNAVAILABLE"
)

// Error is the typed failure returned by caller-facing operations.
type Error struct {
	Code    ErrorCode
	Message string

	// ID identifies the affected request, result set or message key.
	ID string

	Err error
}

func (e *Error) Error() string {
	msg := string(e.Code) + ": " + e.Message
	if e.ID != "" {
		msg += " (id=" + e.ID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

func IsNotFound(err error) bool             { return CodeOf(err) == ErrCodeNotFound }
func IsOrphan(err error) bool               { return CodeOf(err) == ErrCodeOrphanResult }
func IsTimeout(err error) bool              { return CodeOf(err) == ErrCodeTimeout }
func IsMalformed(err error) bool            { return CodeOf(err) == ErrCodeMalformedMessage }
func IsMappingStoreUnavailable(err error) bool {
	return CodeOf(err) == ErrCodeMappingStoreUnavailable
}

// IsTransportUnavailable matches both channel and store outages.
func IsTransportUnavailable(err error) bool {
	code := CodeOf(err)
	return code == ErrCodeTransportUnavailable || code == ErrCodeMappingStoreUnavailable
}

func RequestNotFound(id CorrelationID) *Error {
	return &Error{Code: ErrCodeNotFound, Message: "request not found", ID: string(id)}
}

func ResultSetNotFound(id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: "result set not found", ID: id}
}

func OrphanResult(resultSetID string, requestID CorrelationID) *Error {
	return &Error{
		Code:    ErrCodeOrphanResult,
		Message: fmt.Sprintf("result set references unknown request %s", requestID),
		ID:      resultSetID,
	}
}

func CorrelationTimeout(id CorrelationID, attempts int) *Error {
	return &Error{
		Code:    ErrCodeTimeout,
		Message: fmt.Sprintf("no result after %d status probes", attempts),
		ID:      string(id),
	}
}

func TransportUnavailable(op string, err error) *Error {
	return &Error{Code: ErrCodeTransportUnavailable, Message: op, Err: err}
}

func MalformedMessage(key string, err error) *Error {
	return &Error{Code: ErrCodeMalformedMessage, Message: "malformed message", ID: key, Err: err}
}

func MappingStoreUnavailable(err error) *Error {
	return &Error{Code: ErrCodeMappingStoreUnavailable, Message: "identity mapping store unavailable", Err: err}
}
