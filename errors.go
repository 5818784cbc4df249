package dcpcore

import (
	"errors"
	"fmt"

	"github.com/couchbaselabs/dcpcore/dcpwire"
)

// Sentinel errors matching the error kinds surfaced at API boundaries in
// the wire protocol's Status codes.
var (
	ErrNotMyVbucket = dcpwire.ErrNotMyVbucket
	ErrKeyExists    = dcpwire.ErrDuplicateStream
	ErrInvalid      = dcpwire.ErrInvalid
	ErrTmpFail      = dcpwire.ErrTmpFail
	ErrOutOfMemory  = dcpwire.ErrOutOfMemory
	ErrNotSupported = dcpwire.ErrNotSupported
)

// ErrDisconnect is returned by Producer.Step/Consumer.Step to signal the
// caller must tear down the connection; no further messages are emitted or
// consumed after it is returned.
var ErrDisconnect = errors.New("connection disconnected")

// ErrFailed is the multiplexer's "no work of this kind, try next kind"
// sentinel; it is never surfaced past Step's internal priority ladder.
var ErrFailed = errors.New("no work of this kind")

// CoreError wraps an inner error with additional context, matching the
// pattern used across the module for API-boundary errors.
type CoreError struct {
	InnerError error
	Context    string
}

func (e CoreError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s", e.Context, e.InnerError)
	}
	return e.InnerError.Error()
}

func (e CoreError) Unwrap() error {
	return e.InnerError
}

// illegalStateError signals a state machine transition attempted from a
// state that does not permit it.
type illegalStateError struct {
	Message string
}

func (e illegalStateError) Error() string {
	return fmt.Sprintf("illegal state: %s", e.Message)
}

var ErrIllegalState = errors.New("illegal state")

func (e illegalStateError) Unwrap() error {
	return ErrIllegalState
}

var ErrStreamNotFound = errors.New("no stream for vbucket")

type streamNotFoundError struct {
	VbucketID uint16
}

func (e streamNotFoundError) Error() string {
	return fmt.Sprintf("no stream for vbucket %d", e.VbucketID)
}

func (e streamNotFoundError) Unwrap() error {
	return ErrStreamNotFound
}

var ErrDuplicateStream = errors.New("stream already exists for vbucket")

type duplicateStreamError struct {
	VbucketID uint16
}

func (e duplicateStreamError) Error() string {
	return fmt.Sprintf("stream already exists for vbucket %d", e.VbucketID)
}

func (e duplicateStreamError) Unwrap() error {
	return ErrDuplicateStream
}
