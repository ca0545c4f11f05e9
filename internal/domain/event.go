/**
 * @description
 * This file defines the canonical, ledger-agnostic representation of a decoded
 * on-chain occurrence. The normalizer emits DomainEvents; the reconciliation
 * engine consumes them. Events are ephemeral and never persisted as-is.
 *
 * @notes
 * - The six event kinds form a closed set. Kind-specific payload fields live
 *   on the one struct rather than separate types so events can flow through
 *   channels and the admin reprocess path without type switching at every hop.
 * - Quantities are `int64` in the token's smallest unit (milligrams for
 *   bullion-backed assets), which avoids floating-point inaccuracies.
 */

package domain

import "strconv"

// Ledger identifies which of the two chains an event or record belongs to.
type Ledger string

const (
	LedgerEVM    Ledger = "evm"
	LedgerSolana Ledger = "solana"
)

// EventKind enumerates the closed set of canonical on-chain occurrences.
type EventKind string

const (
	EventTransfer             EventKind = "transfer"
	EventMint                 EventKind = "mint"
	EventRedemptionRequested  EventKind = "redemption_requested"
	EventRedemptionProcessing EventKind = "redemption_processing"
	EventRedemptionFulfilled  EventKind = "redemption_fulfilled"
	EventRedemptionCancelled  EventKind = "redemption_cancelled"
)

// IsRedemptionStage reports whether the kind is one of the redemption
// lifecycle stages (as opposed to a token movement).
func (k EventKind) IsRedemptionStage() bool {
	switch k {
	case EventRedemptionRequested, EventRedemptionProcessing, EventRedemptionFulfilled, EventRedemptionCancelled:
		return true
	}
	return false
}

// DomainEvent is the canonical decoded form of one on-chain occurrence.
// A single raw transaction may produce several DomainEvents (e.g. a gift that
// both transfers tokens and updates a redemption).
type DomainEvent struct {
	Kind EventKind `json:"kind"`

	Ledger Ledger `json:"ledger"`

	// TransactionRef is the ledger transaction reference (hash or signature).
	// It is the correlation key for Transfer and Mint events.
	TransactionRef string `json:"transaction_ref"`

	// RequestID is the ledger-assigned redemption request identifier. Zero
	// until the on-chain program assigns one; (RequestID, Ledger) is the
	// correlation key for redemption-stage events once assigned.
	RequestID uint64 `json:"request_id,omitempty"`

	// ActorAddress is the address that initiated the occurrence (sender of a
	// transfer, redeemer of a redemption, recipient of a mint).
	ActorAddress string `json:"actor_address"`

	// CounterpartyAddress is the receiving address for transfers; empty for
	// mints and redemption stages.
	CounterpartyAddress string `json:"counterparty_address,omitempty"`

	AssetKind string `json:"asset_kind"`
	Quantity  int64  `json:"quantity"`

	// ObservedAt is the block (EVM) or slot (Solana) height at which the
	// transaction was confirmed.
	ObservedAt uint64 `json:"observed_at"`
}

// CorrelationKey returns the value used to match this event to a persisted
// record: the transaction reference for token movements, and the
// (requestId, ledger) pair for redemption stages once a request id exists.
func (e DomainEvent) CorrelationKey() string {
	if e.Kind.IsRedemptionStage() && e.RequestID != 0 {
		return redemptionKey(e.Ledger, e.RequestID)
	}
	return string(e.Ledger) + ":" + e.TransactionRef
}

func redemptionKey(ledger Ledger, requestID uint64) string {
	return string(ledger) + ":req:" + strconv.FormatUint(requestID, 10)
}
