/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the reconciliation engine and scheduler need. Every status-changing
 * method follows the "update only if current value matches" idiom and
 * reports whether the update was applied, so concurrent deliveries of the
 * same event (live subscription racing a backfill pass) can never
 * double-apply a transition.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: Record and user identifiers.
 * - internal/domain: The service's domain models.
 */

package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/aurum/reconciliation-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Record lookup
	FindRecordByTransactionRef(ctx context.Context, ledger domain.Ledger, transactionRef string) (*domain.Record, error)
	FindRecordByRequestID(ctx context.Context, ledger domain.Ledger, requestID uint64) (*domain.Record, error)

	// Record creation (engine-side autonomous creation; the request path
	// creates its pending records through its own service).
	CreateRecord(ctx context.Context, record *domain.Record) error

	// Conditional transitions. Each returns applied=false, with no error,
	// when the guard no longer holds — someone else already applied it.
	CompleteRecord(ctx context.Context, recordID uuid.UUID, transactionRef string) (applied bool, err error)
	TransitionRecordStatus(ctx context.Context, recordID uuid.UUID, fromStatus, toStatus string) (applied bool, err error)
	AssignRequestID(ctx context.Context, recordID uuid.UUID, requestID uint64) (applied bool, err error)

	// Notification bookkeeping. The stage flag is only ever set after the
	// transport reported success for that (record, stage) pair.
	MarkStageNotified(ctx context.Context, recordID uuid.UUID, stage string) error

	// Owning-user resolution for externally-initiated events.
	FindUserIDByWalletAddress(ctx context.Context, ledger domain.Ledger, address string) (uuid.UUID, error)

	// Ingestion cursors, one row per ledger.
	GetCursor(ctx context.Context, ledger domain.Ledger) (*domain.Cursor, error)
	UpsertCursor(ctx context.Context, ledger domain.Ledger, lastProcessedHeight uint64) error
}
