package protocol

import "errors"

// Transaction-level errors are local and recoverable: they never abort a
// whole block or another shard's progress. Each rejected transaction carries
// a specific kind so clients can decide whether to resubmit.
var (
	ErrInvalidTransaction  = errors.New("invalid transaction")
	ErrNonceMismatch       = errors.New("nonce mismatch")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownAccount      = errors.New("unknown account")
	ErrCrossShardTimeout   = errors.New("cross-shard timeout")
	ErrShardUnavailable    = errors.New("shard unavailable")
	ErrMigrationInProgress = errors.New("migration in progress")
)

// Kind is the wire-level error classification reported in TxResult
type Kind string

const (
	KindNone                Kind = ""
	KindInvalidTransaction  Kind = "invalid_transaction"
	KindNonceMismatch       Kind = "nonce_mismatch"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindUnknownAccount      Kind = "unknown_account"
	KindCrossShardTimeout   Kind = "cross_shard_timeout"
	KindShardUnavailable    Kind = "shard_unavailable"
	KindMigrationInProgress Kind = "migration_in_progress"
	KindInternal            Kind = "internal"
)

// ErrorKind maps an error to its wire kind. Unrecognized errors are internal:
// they indicate a bug, not a rejectable transaction.
func ErrorKind(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidTransaction):
		return KindInvalidTransaction
	case errors.Is(err, ErrNonceMismatch):
		return KindNonceMismatch
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrUnknownAccount):
		return KindUnknownAccount
	case errors.Is(err, ErrCrossShardTimeout):
		return KindCrossShardTimeout
	case errors.Is(err, ErrShardUnavailable):
		return KindShardUnavailable
	case errors.Is(err, ErrMigrationInProgress):
		return KindMigrationInProgress
	default:
		return KindInternal
	}
}

// Retryable reports whether a client may resubmit the transaction as-is
// (liveness faults) or with a corrected nonce.
func (k Kind) Retryable() bool {
	switch k {
	case KindNonceMismatch, KindCrossShardTimeout, KindShardUnavailable, KindMigrationInProgress:
		return true
	default:
		return false
	}
}
