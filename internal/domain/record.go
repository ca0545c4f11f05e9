/**
 * @description
 * This file defines the persisted business records the reconciliation engine
 * manages: transfers, mint-linked purchases, and multi-stage redemptions.
 * A record is created either by the platform's request path (status pending)
 * or autonomously by the engine for externally-initiated wallet-to-wallet
 * events; after creation it is only ever advanced through its state machine,
 * never deleted.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// RecordKind distinguishes the three persisted record shapes.
type RecordKind string

const (
	RecordTransfer   RecordKind = "transfer"
	RecordPurchase   RecordKind = "purchase"
	RecordRedemption RecordKind = "redemption"
)

// Record statuses. Transfers and purchases use pending/completed only;
// redemptions additionally pass through processing and may end cancelled.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Notification stages. One notification may be sent per (record, stage) pair.
const (
	StageCompleted  = "completed"
	StageProcessing = "processing"
	StageFulfilled  = "fulfilled"
	StageCancelled  = "cancelled"
)

// Record is the central persisted entity reconciled against chain events.
// It maps directly to the `records` table.
type Record struct {
	ID     uuid.UUID  `json:"id"`
	Kind   RecordKind `json:"kind"`
	Ledger Ledger     `json:"ledger"`
	Status string     `json:"status"`

	// UserID is the owning user, resolved by wallet-address lookup for
	// records the engine creates autonomously.
	UserID uuid.UUID `json:"user_id"`

	// TransactionRef is set once the confirming transaction is known. Nil for
	// request-path records that have not yet been observed on chain.
	TransactionRef *string `json:"transaction_ref,omitempty"`

	// RequestID is the ledger-assigned redemption request identifier. Nil
	// until a RedemptionRequested event fills it in.
	RequestID *uint64 `json:"request_id,omitempty"`

	ActorAddress        string `json:"actor_address"`
	CounterpartyAddress string `json:"counterparty_address,omitempty"`

	AssetKind string `json:"asset_kind"`
	Quantity  int64  `json:"quantity"` // smallest asset unit

	// NotificationStatus records which lifecycle stages have already produced
	// a delivered notification. A true flag means the transport was called
	// and did not report failure; it is never set speculatively.
	NotificationStatus map[string]bool `json:"notification_status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StageNotified reports whether a notification has already been delivered
// for the given lifecycle stage.
func (r *Record) StageNotified(stage string) bool {
	if r.NotificationStatus == nil {
		return false
	}
	return r.NotificationStatus[stage]
}

// IsTerminal reports whether the record has reached a terminal status.
func (r *Record) IsTerminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusCancelled
}

// Cursor is the persisted per-ledger ingestion position. A restart resumes
// from LastProcessedHeight rather than re-scanning from genesis.
type Cursor struct {
	Ledger              Ledger    `json:"ledger"`
	LastProcessedHeight uint64    `json:"last_processed_height"`
	UpdatedAt           time.Time `json:"updated_at"`
}
