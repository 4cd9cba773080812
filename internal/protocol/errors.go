package protocol

import "github.com/pkg/errors"

var (
	// ErrUnauthorized rejects a call before any side effect.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrPending means the transaction is still in progress and should be
	// retried with the same transaction id.
	ErrPending = errors.New("transaction pending")
	// ErrInvalidAction is returned for malformed action payloads.
	ErrInvalidAction = errors.New("invalid action")
	// ErrUnknownToken is returned for token ids that were never created.
	ErrUnknownToken = errors.New("unknown token")
	// ErrShardUnavailable wraps transport failures talking to a shard.
	ErrShardUnavailable = errors.New("shard unavailable")
	// ErrNotApplied is returned when aborting an instruction that never applied.
	ErrNotApplied = errors.New("instruction not applied")
	// ErrStopped is returned by actors that no longer accept messages.
	ErrStopped = errors.New("stopped")
	// ErrNotFound is returned by reads of missing records.
	ErrNotFound = errors.New("not found")
)
