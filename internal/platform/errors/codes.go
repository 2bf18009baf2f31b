// Package errors provides structured error handling for the live session
// pipeline. Every recoverable failure surfaced to a caller carries one of
// the machine-readable codes below so transports can map it without string
// matching.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeUnauthorized rejects a join or mutation; callers must not retry
	// automatically.
	CodeUnauthorized Code = "UNAUTHORIZED"
	// CodeStaleVersion rejects a mutation submitted against an outdated
	// state version; the caller must resubmit against the new version.
	CodeStaleVersion Code = "STALE_VERSION"
	// CodeBusy signals ingest backpressure; the producer must pace itself
	// and retry.
	CodeBusy Code = "BUSY"
	// CodeDropped marks an out-of-sequence or duplicate audio chunk.
	// Logged and counted, never fatal.
	CodeDropped Code = "DROPPED"
	// CodeUpstreamUnavailable marks an ASR/diarization capability failure.
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
	// CodeSessionClosed rejects operations against a closed session and
	// tags the terminal delta sent to subscribers.
	CodeSessionClosed Code = "SESSION_CLOSED"
	// CodeNotFound indicates a missing session, participant, or record.
	CodeNotFound Code = "NOT_FOUND"
	// CodeInvalid indicates malformed or unusable input.
	CodeInvalid Code = "INVALID"
	// CodeInternal indicates a subsystem failure that is not the caller's
	// fault.
	CodeInternal Code = "INTERNAL"
)

// CodeOf extracts the domain code from an error chain, or CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Code
	}
	return CodeUnknown
}
