// Package lbserr defines the error taxonomy for the lbs daemon (spec
// §7): sentinel errors a caller can match with errors.Is to decide how
// to react, wrapped with context via fmt.Errorf("%w: ...").
package lbserr

import "errors"

var (
	// ErrProtocolViolation marks a malformed frame or an APPEND with the
	// wrong block length. The connection must be dropped. An APPEND
	// received while the writer is already busy is not one: it gets a
	// failure response and the connection stays open.
	ErrProtocolViolation = errors.New("lbs: protocol violation")

	// ErrConnDropped marks a connection torn down after a client I/O
	// failure or a protocol violation; pending work has been drained.
	ErrConnDropped = errors.New("lbs: connection dropped")

	// ErrStorageFatal marks a storage I/O failure. The daemon treats
	// these as unrecoverable: continuing after a mid-write error would
	// violate the crash-recovery invariant that only the final segment
	// may ever be partially written.
	ErrStorageFatal = errors.New("lbs: fatal storage error")
)
