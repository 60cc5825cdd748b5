// Package ddbqerr defines the error taxonomy for the dynamodb-kv
// daemon (spec §7), mirroring internal/lbserr's sentinel-error style.
package ddbqerr

import "errors"

var (
	// ErrProtocolViolation marks a malformed DDBQ-KV frame. The
	// connection must be dropped.
	ErrProtocolViolation = errors.New("ddbq: protocol violation")

	// ErrConnDropped marks a connection torn down after a client I/O
	// failure or a protocol violation; queued and in-flight DynamoDB
	// requests for it have been flushed.
	ErrConnDropped = errors.New("ddbq: connection dropped")

	// ErrQueueClosed is returned by Queue.Enqueue after Queue.Close.
	ErrQueueClosed = errors.New("ddbq: queue closed")

	// ErrResponseTooLarge marks a DynamoDB response body that exceeded
	// the caller's maxrlen. Queue.Enqueue returns it to the caller
	// without retrying the request.
	ErrResponseTooLarge = errors.New("ddbq: response exceeds maxrlen")
)
