// Package ledger mirrors processed payments into PostgreSQL.
//
// Writes are asynchronous and batched: entries are buffered on a channel and
// flushed as one INSERT ... ON CONFLICT DO NOTHING when the batch is full or
// the flush interval elapses, whichever comes first. The hot path never
// blocks; when the buffer is full the entry is dropped and counted. A nil
// *Ledger is valid and ignores every call, which is how the ledger is
// disabled when no DSN is configured.
//
// Table:
//
//	CREATE TABLE IF NOT EXISTS processed_payments (
//	    correlation_id TEXT PRIMARY KEY,
//	    amount         NUMERIC NOT NULL,
//	    processor      TEXT NOT NULL,
//	    requested_at   TIMESTAMPTZ NOT NULL,
//	    created_at     TIMESTAMPTZ DEFAULT now()
//	);
package ledger
