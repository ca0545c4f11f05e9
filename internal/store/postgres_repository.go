/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. All status-changing statements carry their guard in the WHERE
 * clause and report application through the affected-row count, which is
 * what makes replayed and concurrently delivered events safe without any
 * cross-process locking.
 *
 * @dependencies
 * - context, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver.
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aurum/reconciliation-service/internal/domain"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrUserNotFound   = errors.New("user not found")
	ErrCursorNotFound = errors.New("cursor not found")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const recordColumns = `
	id, kind, ledger, status, user_id, transaction_ref, request_id,
	actor_address, counterparty_address, asset_kind, quantity,
	notification_status, created_at, updated_at
`

func (r *PostgresRepository) scanRecord(row pgx.Row) (*domain.Record, error) {
	var record domain.Record
	var counterparty *string
	var requestID *int64
	err := row.Scan(
		&record.ID,
		&record.Kind,
		&record.Ledger,
		&record.Status,
		&record.UserID,
		&record.TransactionRef,
		&requestID,
		&record.ActorAddress,
		&counterparty,
		&record.AssetKind,
		&record.Quantity,
		&record.NotificationStatus,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	if counterparty != nil {
		record.CounterpartyAddress = *counterparty
	}
	if requestID != nil {
		v := uint64(*requestID)
		record.RequestID = &v
	}
	if record.NotificationStatus == nil {
		record.NotificationStatus = map[string]bool{}
	}
	return &record, nil
}

// FindRecordByTransactionRef retrieves the record correlated to a ledger
// transaction reference.
func (r *PostgresRepository) FindRecordByTransactionRef(ctx context.Context, ledger domain.Ledger, transactionRef string) (*domain.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE ledger = $1 AND transaction_ref = $2`
	return r.scanRecord(r.db.QueryRow(ctx, query, ledger, transactionRef))
}

// FindRecordByRequestID retrieves the redemption record correlated to a
// ledger-assigned request identifier.
func (r *PostgresRepository) FindRecordByRequestID(ctx context.Context, ledger domain.Ledger, requestID uint64) (*domain.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE ledger = $1 AND request_id = $2`
	return r.scanRecord(r.db.QueryRow(ctx, query, ledger, int64(requestID)))
}

// CreateRecord inserts a new record. Used by the engine for
// externally-initiated events with no prior request-path record.
func (r *PostgresRepository) CreateRecord(ctx context.Context, record *domain.Record) error {
	query := `
		INSERT INTO records (
			id, kind, ledger, status, user_id, transaction_ref, request_id,
			actor_address, counterparty_address, asset_kind, quantity,
			notification_status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
	`
	var counterparty *string
	if record.CounterpartyAddress != "" {
		counterparty = &record.CounterpartyAddress
	}
	notificationStatus := record.NotificationStatus
	if notificationStatus == nil {
		notificationStatus = map[string]bool{}
	}
	_, err := r.db.Exec(ctx, query,
		record.ID,
		record.Kind,
		record.Ledger,
		record.Status,
		record.UserID,
		record.TransactionRef,
		requestIDParam(record.RequestID),
		record.ActorAddress,
		counterparty,
		record.AssetKind,
		record.Quantity,
		notificationStatus,
	)
	return err
}

// CompleteRecord moves a pending record to completed and attaches the
// confirming transaction reference. Zero rows affected means another
// delivery got there first.
func (r *PostgresRepository) CompleteRecord(ctx context.Context, recordID uuid.UUID, transactionRef string) (bool, error) {
	query := `
		UPDATE records
		SET status = $2,
		    transaction_ref = COALESCE(transaction_ref, $3),
		    updated_at = NOW()
		WHERE id = $1 AND status = $4
	`
	tag, err := r.db.Exec(ctx, query, recordID, domain.StatusCompleted, transactionRef, domain.StatusPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// TransitionRecordStatus applies fromStatus -> toStatus only if the record
// is still in fromStatus.
func (r *PostgresRepository) TransitionRecordStatus(ctx context.Context, recordID uuid.UUID, fromStatus, toStatus string) (bool, error) {
	query := `
		UPDATE records
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	tag, err := r.db.Exec(ctx, query, recordID, fromStatus, toStatus)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AssignRequestID fills the ledger-assigned request id on a record created
// before the identifier existed. Only applies while the field is absent.
func (r *PostgresRepository) AssignRequestID(ctx context.Context, recordID uuid.UUID, requestID uint64) (bool, error) {
	query := `
		UPDATE records
		SET request_id = $2, updated_at = NOW()
		WHERE id = $1 AND request_id IS NULL
	`
	tag, err := r.db.Exec(ctx, query, recordID, int64(requestID))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkStageNotified sets the per-stage notified flag. Called only after the
// notification transport reported success for the stage.
func (r *PostgresRepository) MarkStageNotified(ctx context.Context, recordID uuid.UUID, stage string) error {
	query := `
		UPDATE records
		SET notification_status = notification_status || jsonb_build_object($2::text, true),
		    updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, recordID, stage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// FindUserIDByWalletAddress resolves the owning user of a chain address.
func (r *PostgresRepository) FindUserIDByWalletAddress(ctx context.Context, ledger domain.Ledger, address string) (uuid.UUID, error) {
	var userID uuid.UUID
	query := `
		SELECT user_id FROM wallet_addresses
		WHERE ledger = $1 AND lower(address) = lower($2)
	`
	err := r.db.QueryRow(ctx, query, ledger, address).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrUserNotFound
		}
		return uuid.Nil, err
	}
	return userID, nil
}

// GetCursor returns the persisted ingestion position for one ledger.
func (r *PostgresRepository) GetCursor(ctx context.Context, ledger domain.Ledger) (*domain.Cursor, error) {
	var cursor domain.Cursor
	var height int64
	query := `SELECT ledger, last_processed_height, updated_at FROM ledger_cursors WHERE ledger = $1`
	err := r.db.QueryRow(ctx, query, ledger).Scan(&cursor.Ledger, &height, &cursor.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCursorNotFound
		}
		return nil, err
	}
	cursor.LastProcessedHeight = uint64(height)
	return &cursor, nil
}

// UpsertCursor persists the last fully processed height for one ledger.
// The guard keeps a stale writer from moving the cursor backwards.
func (r *PostgresRepository) UpsertCursor(ctx context.Context, ledger domain.Ledger, lastProcessedHeight uint64) error {
	query := `
		INSERT INTO ledger_cursors (ledger, last_processed_height, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (ledger) DO UPDATE
		SET last_processed_height = EXCLUDED.last_processed_height, updated_at = NOW()
		WHERE ledger_cursors.last_processed_height < EXCLUDED.last_processed_height
	`
	_, err := r.db.Exec(ctx, query, ledger, int64(lastProcessedHeight))
	return err
}

func requestIDParam(requestID *uint64) *int64 {
	if requestID == nil {
		return nil
	}
	v := int64(*requestID)
	return &v
}
