/**
 * @description
 * This file defines the ledger adapter contract shared by the two chain
 * families. Adapters wrap a raw JSON-RPC client and expose the three
 * operations the scheduler needs: the current tip, confirmed transaction
 * logs over a bounded height range, and a best-effort live subscription.
 * Subscriptions may silently miss events, which is why the backfill/poll
 * sweep exists.
 *
 * @dependencies
 * - context: Standard Go library.
 * - internal/domain: Ledger identifiers.
 */

package ledger

import (
	"context"

	"github.com/aurum/reconciliation-service/internal/domain"
)

// RawEvent is one ledger-specific event entry within a transaction, carried
// undecoded to the normalizer. On EVM this is a contract log (indexed topics
// plus data bytes); on Solana it is a program instruction (discriminator-
// prefixed data bytes, Topics empty).
type RawEvent struct {
	Source string   // emitting contract / invoked program address
	Topics []string // EVM indexed topics, 0x-prefixed hex; nil on Solana
	Data   []byte
}

// RawTransaction is one confirmed transaction touching a watched address.
type RawTransaction struct {
	Ledger domain.Ledger
	Ref    string // transaction hash or signature, unique per ledger
	Height uint64 // block or slot height
	Events []RawEvent
}

// Adapter is the per-ledger-family ingestion surface.
type Adapter interface {
	// Ledger identifies which chain this adapter serves.
	Ledger() domain.Ledger

	// Tip returns the current confirmed chain height.
	Tip(ctx context.Context) (uint64, error)

	// FetchLogs returns the confirmed transactions touching the watched
	// addresses in [from, to]. Callers bound the range to respect provider
	// rate limits.
	FetchLogs(ctx context.Context, from, to uint64) ([]RawTransaction, error)

	// FetchTransaction returns one confirmed transaction by reference, or
	// nil when the ledger does not know it. Used by the admin reprocess path.
	FetchTransaction(ctx context.Context, ref string) (*RawTransaction, error)

	// Subscribe starts best-effort live delivery of new transactions. The
	// returned channel closes when ctx is cancelled. Missed events are
	// recovered by the poll sweep.
	Subscribe(ctx context.Context) (<-chan RawTransaction, error)
}
