// Package rerror defines the typed domain errors the replication core
// raises, and the transient/permanent/network-dependent classification
// that governs retry behavior.
package rerror

import "fmt"

// Domain groups error codes by the subsystem that raised them.
type Domain string

const (
	DomainLiteCore  Domain = "LiteCore"
	DomainPOSIX     Domain = "POSIX"
	DomainNetwork   Domain = "Network"
	DomainWebSocket Domain = "WebSocket"
	DomainFleece    Domain = "Fleece"
	DomainHTTP      Domain = "HTTP"
)

// Code is a domain-specific error code. The same numeric/string code can
// repeat across domains; (Domain, Code) together identify an error kind.
type Code string

// LiteCore codes.
const (
	CodeNotFound            Code = "NotFound"
	CodeConflict            Code = "Conflict"
	CodeInvalidParameter    Code = "InvalidParameter"
	CodeBusy                Code = "Busy"
	CodeNotInTransaction    Code = "NotInTransaction"
	CodeCorruptRevisionData Code = "CorruptRevisionData"
	CodeCorruptDelta        Code = "CorruptDelta"
	CodeDeltaBaseUnknown    Code = "DeltaBaseUnknown"
	CodeBadDocID            Code = "BadDocID"
	CodeUnexpectedError     Code = "UnexpectedError"
)

// POSIX codes (the subset this module classifies for retry purposes).
const (
	CodeECONNRESET   Code = "ECONNRESET"
	CodeETIMEDOUT    Code = "ETIMEDOUT"
	CodeECONNREFUSED Code = "ECONNREFUSED"
	CodeENETRESET    Code = "ENETRESET"
	CodeECONNABORTED Code = "ECONNABORTED"
	CodeENETDOWN     Code = "ENETDOWN"
	CodeENETUNREACH  Code = "ENETUNREACH"
	CodeEHOSTUNREACH Code = "EHOSTUNREACH"
	CodeEHOSTDOWN    Code = "EHOSTDOWN"
)

// Network codes.
const (
	CodeDNSFailure  Code = "DNSFailure"
	CodeTimeout     Code = "Timeout"
	CodeUnknownHost Code = "UnknownHost"
)

// WebSocket / HTTP codes are plain status numbers; helpers below take an
// int directly rather than stringifying it into Code.

// RemoteError is returned by the peer and cannot be locally re-classified
// beyond "permanent", per the fatal-error list in Replicator.
const CodeRemoteError Code = "RemoteError"
const CodeUnauthorized Code = "Unauthorized"

// Error is a domain-tagged error wrapping an optional cause.
type Error struct {
	Domain Domain
	Code   Code
	// HTTPStatus is set for DomainWebSocket/DomainHTTP errors carrying a
	// numeric status instead of (or alongside) Code.
	HTTPStatus int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Domain, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s: %s", e.Domain, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a domain error, wrapping cause with %w semantics via Unwrap.
func New(domain Domain, code Code, message string, cause error) *Error {
	return &Error{Domain: domain, Code: code, Message: message, Cause: cause}
}

// NewHTTP builds a WebSocket/HTTP status error.
func NewHTTP(domain Domain, status int, message string) *Error {
	return &Error{Domain: domain, HTTPStatus: status, Message: message}
}

func asError(err error) (*Error, bool) {
	re, ok := err.(*Error)
	if ok {
		return re, true
	}
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if re, ok := err.(*Error); ok {
			return re, true
		}
	}
	return nil, false
}

// Transient reports whether err should be retried with back-off rather
// than surfaced as a permanent failure.
func Transient(err error) bool {
	re, ok := asError(err)
	if !ok {
		return false
	}
	switch re.Domain {
	case DomainPOSIX:
		switch re.Code {
		case CodeECONNRESET, CodeETIMEDOUT, CodeECONNREFUSED, CodeENETRESET, CodeECONNABORTED:
			return true
		}
	case DomainWebSocket:
		switch re.HTTPStatus {
		case 408, 429, 502, 503, 504:
			return true
		}
	case DomainNetwork:
		switch re.Code {
		case CodeDNSFailure, CodeTimeout:
			return true
		}
	case DomainLiteCore:
		switch re.Code {
		case CodeBusy:
			return true
		}
	}
	return false
}

// NetworkDependent reports whether err may resolve once connectivity is
// restored — distinct from Transient because these are not worth a
// tight retry loop.
func NetworkDependent(err error) bool {
	re, ok := asError(err)
	if !ok {
		return false
	}
	switch re.Domain {
	case DomainPOSIX:
		switch re.Code {
		case CodeENETDOWN, CodeENETUNREACH, CodeEHOSTUNREACH, CodeEHOSTDOWN:
			return true
		}
	case DomainNetwork:
		switch re.Code {
		case CodeUnknownHost, CodeDNSFailure:
			return true
		}
	}
	return false
}

// IsFatal reports whether err should bring the whole Replicator down
// rather than just failing the one revision or request it occurred on,
// per the fixed fatal-error list.
func IsFatal(err error) bool {
	re, ok := asError(err)
	if !ok {
		return false
	}
	if re.Code == CodeUnauthorized || re.Code == CodeRemoteError || re.Code == CodeUnexpectedError {
		return true
	}
	if re.Domain == DomainWebSocket && re.HTTPStatus == 503 {
		return true
	}
	return false
}
