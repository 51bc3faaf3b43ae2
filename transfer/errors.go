package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"pebble/identity"
)

var (
	// ErrChunkIntegrity indicates a chunk payload did not match its digest.
	ErrChunkIntegrity = errors.New("transfer: chunk digest mismatch")
	// ErrRetriesExhausted indicates a chunk failed verification past the
	// retry bound.
	ErrRetriesExhausted = errors.New("transfer: chunk retries exhausted")
	// ErrFileDigestMismatch indicates the assembled file failed whole-file
	// verification.
	ErrFileDigestMismatch = errors.New("transfer: whole-file digest mismatch")
	// ErrRejectedConflict indicates the receiver refused the session because
	// its local record for the file diverged.
	ErrRejectedConflict = errors.New("transfer: peer rejected session, conflicting file state")
	// ErrRejectedBusy indicates the receiver refused the session because one
	// is already active for the same file.
	ErrRejectedBusy = errors.New("transfer: peer rejected session, already in progress")
	// ErrSessionNotFound indicates an unknown session id.
	ErrSessionNotFound = errors.New("transfer: session not found")
	// ErrSessionActive indicates a session for the same file and peer is
	// already running.
	ErrSessionActive = errors.New("transfer: session already active for this file and peer")
	// ErrPersistence wraps checkpoint or session writes that failed. A
	// transfer cannot continue safely once its durable state is unwritable.
	ErrPersistence = errors.New("transfer: persistence failure")
)

// persistErr tags a storage failure so classification treats it as fatal.
func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

// isFatal reports whether err must fail the session rather than pause it.
// Integrity violations, pin mismatches, exhausted retries, whole-file digest
// mismatches, conflicts, and persistence failures are fatal. Network errors,
// timeouts, EOF from a dropped peer, and cancellation are transient: the
// session pauses and its checkpoint survives for a later resume.
func isFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrChunkIntegrity),
		errors.Is(err, ErrRetriesExhausted),
		errors.Is(err, ErrFileDigestMismatch),
		errors.Is(err, ErrRejectedConflict),
		errors.Is(err, ErrPersistence),
		errors.Is(err, identity.ErrPinMismatch),
		errors.Is(err, identity.ErrNoPeerCertificate),
		errors.Is(err, ErrFrameTooLarge),
		errors.Is(err, ErrUnexpectedFrame):
		return true
	case errors.Is(err, ErrRejectedBusy):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return false
	}
	// Unknown errors pause rather than fail, keeping resume possible.
	return false
}
