package dberrors

import "errors"

// Routing errors are surfaced to the caller as-is, never retried.
var (
	ErrNoShardsAvailable = errors.New("sharddb: no shards available")
	ErrUnknownShard      = errors.New("sharddb: unknown shard id")
)

var (
	ErrNotFound = errors.New("sharddb: not found")
	ErrClosed   = errors.New("sharddb: closed")

	// ErrShardUnavailable - транзиентная ошибка (timeout, connection refused).
	// Ретраится на месте вызова с ограниченным backoff.
	ErrShardUnavailable = errors.New("sharddb: shard unavailable")

	// ErrMigrationVerification: read-back после копирования не сошёлся.
	// Флип владения для такой задачи никогда не происходит.
	ErrMigrationVerification = errors.New("sharddb: migration verification failed")

	ErrTxnAborted = errors.New("sharddb: transaction aborted")

	// ErrTxnCommitPending: решение закоммитить уже durable, но
	// доставка участникам ещё идёт в фоне. Исход транзакции - commit.
	ErrTxnCommitPending = errors.New("sharddb: transaction committed, delivery in progress")

	// ErrDecisionLog is fatal to the transaction's progress: the 2PC
	// outcome cannot be recorded durably, so no further phase
	// transition is allowed.
	ErrDecisionLog = errors.New("sharddb: decision log unavailable")
)

// Transient reports whether err is worth a bounded retry at the call
// site. Routing and verification errors are deliberately excluded.
func Transient(err error) bool {
	return errors.Is(err, ErrShardUnavailable)
}
