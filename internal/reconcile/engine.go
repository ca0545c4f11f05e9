/**
 * @description
 * This file implements the correlation and reconciliation engine, the heart
 * of the service. Each DomainEvent is correlated to a persisted record,
 * the lifecycle state machine decides the transition, and accepted
 * transitions trigger at-most-one notification per (record, stage).
 *
 * @notes
 * - The out-of-band request path and the ledger confirmation race each
 *   other, so a missing record is retried on a short fixed budget before
 *   the engine concludes no pending record exists.
 * - Correctness under concurrent delivery (live subscription racing a
 *   backfill pass) rests entirely on the store's conditional updates; a
 *   guard that no longer holds means another delivery already applied the
 *   transition and is treated as a duplicate, never an error.
 * - The in-process memo only short-circuits repeat work within a session.
 *   An event is memoized after its handling fully succeeded, including the
 *   notification attempt, so a failed send stays retryable via redelivery.
 */

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aurum/reconciliation-service/internal/domain"
	"github.com/aurum/reconciliation-service/internal/lifecycle"
	"github.com/aurum/reconciliation-service/internal/metrics"
	"github.com/aurum/reconciliation-service/internal/notify"
	"github.com/aurum/reconciliation-service/internal/store"
	"github.com/aurum/reconciliation-service/pkg/retry"
)

// Outcome classifies what reconciling one event did.
type Outcome string

const (
	// OutcomeApplied means a state transition (or request-id fill) was applied.
	OutcomeApplied Outcome = "applied"
	// OutcomeCreated means a new record was created for an externally-initiated event.
	OutcomeCreated Outcome = "created"
	// OutcomeDuplicate means the event was already handled; at most a
	// notification retry was performed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeDeferred means a redemption stage event had no record to attach
	// to and was dropped for a later delivery to resolve.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeDropped means the event cannot be applied as delivered (no
	// resolvable owner, invalid transition) and was logged and discarded.
	// Dropped events are not memoized, so a reprocess after the blocking
	// data is fixed gets a fresh attempt.
	OutcomeDropped Outcome = "dropped"
)

// ErrNotificationFailed wraps a failed notification send. The state
// transition it followed is committed; callers must not treat the event's
// batch as failed, only leave the event unmemoized so a redelivery retries
// the send.
var ErrNotificationFailed = errors.New("notification send failed")

// Engine correlates DomainEvents to records and applies lifecycle transitions.
type Engine struct {
	repo       store.Repository
	dispatcher notify.Dispatcher

	// lookupRetry bounds the race-tolerant record lookup; the request path
	// is expected to land within low hundreds of milliseconds.
	lookupRetry retry.Policy
	// storeRetry bounds retries of plain store reads.
	storeRetry retry.Policy

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewEngine creates a reconciliation engine.
func NewEngine(repo store.Repository, dispatcher notify.Dispatcher, lookupRetry retry.Policy) *Engine {
	return &Engine{
		repo:        repo,
		dispatcher:  dispatcher,
		lookupRetry: lookupRetry,
		storeRetry:  retry.Fixed(3, lookupRetry.Delay),
		seen:        make(map[string]struct{}),
	}
}

// Reconcile processes one DomainEvent end to end. The returned error is
// reserved for store/transport failures that make the event worth
// redelivering; duplicates, misses and drops are outcomes, not errors.
func (e *Engine) Reconcile(ctx context.Context, event domain.DomainEvent) (Outcome, error) {
	// Redemption stages of one request share a correlation key, so the memo
	// is additionally scoped by kind: a handled Requested must not swallow
	// the later Fulfilled.
	key := string(event.Kind) + "|" + event.CorrelationKey()
	if e.alreadySeen(key) {
		metrics.ReconcileOutcomes.WithLabelValues(string(event.Kind), string(OutcomeDuplicate)).Inc()
		return OutcomeDuplicate, nil
	}

	var (
		outcome Outcome
		err     error
	)
	switch event.Kind {
	case domain.EventTransfer, domain.EventMint:
		outcome, err = e.reconcileMovement(ctx, event)
	case domain.EventRedemptionRequested:
		outcome, err = e.reconcileRedemptionRequested(ctx, event)
	case domain.EventRedemptionProcessing, domain.EventRedemptionFulfilled, domain.EventRedemptionCancelled:
		outcome, err = e.reconcileRedemptionStage(ctx, event)
	default:
		return OutcomeDropped, fmt.Errorf("unknown event kind %q", event.Kind)
	}

	if err == nil {
		metrics.ReconcileOutcomes.WithLabelValues(string(event.Kind), string(outcome)).Inc()
		// Deferred and dropped events are never memoized: a later delivery of
		// the same event, manual reprocess included, must get a fresh attempt
		// once whatever blocked it (missing record, unmapped wallet) is fixed.
		switch outcome {
		case OutcomeApplied, OutcomeCreated, OutcomeDuplicate:
			e.markSeen(key)
		}
	}
	return outcome, err
}

// reconcileMovement handles Transfer and Mint events (§ single-stage records).
func (e *Engine) reconcileMovement(ctx context.Context, event domain.DomainEvent) (Outcome, error) {
	record, err := e.lookupByRefWithBudget(ctx, event.Ledger, event.TransactionRef)
	if err != nil && !errors.Is(err, store.ErrRecordNotFound) {
		return OutcomeDropped, fmt.Errorf("lookup record: %w", err)
	}

	if record == nil {
		return e.createMovementRecord(ctx, event)
	}

	if record.Kind == domain.RecordRedemption {
		// A redemption request burns tokens, so its transaction also carries a
		// movement log. That movement belongs to the redemption's stage events
		// and must never complete the redemption record through this path.
		log.Printf("level=info component=reconcile msg=\"movement event matched redemption record; dropped\" ledger=%s tx=%s record=%s",
			event.Ledger, event.TransactionRef, record.ID)
		return OutcomeDropped, nil
	}

	if record.IsTerminal() {
		// Duplicate delivery. The transition already happened; the only
		// remaining work is a notification that previously failed.
		return OutcomeDuplicate, e.notifyStage(ctx, record, lifecycle.NotificationStage(record.Kind, record.Status))
	}

	applied, err := e.repo.CompleteRecord(ctx, record.ID, event.TransactionRef)
	if err != nil {
		return OutcomeDropped, fmt.Errorf("complete record %s: %w", record.ID, err)
	}
	if !applied {
		// A concurrent delivery won the conditional update. Refresh so the
		// notification check sees current flags.
		refreshed, ferr := e.repo.FindRecordByTransactionRef(ctx, event.Ledger, event.TransactionRef)
		if ferr != nil {
			return OutcomeDuplicate, fmt.Errorf("refresh record %s: %w", record.ID, ferr)
		}
		return OutcomeDuplicate, e.notifyStage(ctx, refreshed, lifecycle.NotificationStage(refreshed.Kind, refreshed.Status))
	}

	record.Status = domain.StatusCompleted
	record.TransactionRef = &event.TransactionRef
	return OutcomeApplied, e.notifyStage(ctx, record, lifecycle.NotificationStage(record.Kind, record.Status))
}

// createMovementRecord creates a completed record for an externally-initiated
// wallet-to-wallet event that never had a request-path record.
func (e *Engine) createMovementRecord(ctx context.Context, event domain.DomainEvent) (Outcome, error) {
	kind := domain.RecordTransfer
	ownerAddress := event.CounterpartyAddress
	if event.Kind == domain.EventMint {
		kind = domain.RecordPurchase
		ownerAddress = event.ActorAddress
	}

	userID, err := e.repo.FindUserIDByWalletAddress(ctx, event.Ledger, ownerAddress)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			log.Printf("level=warn component=reconcile msg=\"no owning user for external event; dropped\" ledger=%s tx=%s address=%s",
				event.Ledger, event.TransactionRef, ownerAddress)
			return OutcomeDropped, nil
		}
		return OutcomeDropped, fmt.Errorf("resolve owner: %w", err)
	}

	ref := event.TransactionRef
	record := &domain.Record{
		ID:                  uuid.New(),
		Kind:                kind,
		Ledger:              event.Ledger,
		Status:              domain.StatusCompleted,
		UserID:              userID,
		TransactionRef:      &ref,
		ActorAddress:        event.ActorAddress,
		CounterpartyAddress: event.CounterpartyAddress,
		AssetKind:           event.AssetKind,
		Quantity:            event.Quantity,
		NotificationStatus:  map[string]bool{},
	}

	if err := e.repo.CreateRecord(ctx, record); err != nil {
		if isUniqueViolation(err) {
			// A concurrent delivery created it first; fall through to the
			// duplicate path so a pending notification still gets retried.
			existing, ferr := e.repo.FindRecordByTransactionRef(ctx, event.Ledger, event.TransactionRef)
			if ferr != nil {
				return OutcomeDuplicate, fmt.Errorf("refetch after unique violation: %w", ferr)
			}
			return OutcomeDuplicate, e.notifyStage(ctx, existing, lifecycle.NotificationStage(existing.Kind, existing.Status))
		}
		return OutcomeDropped, fmt.Errorf("create record: %w", err)
	}

	return OutcomeCreated, e.notifyStage(ctx, record, lifecycle.NotificationStage(record.Kind, record.Status))
}

// reconcileRedemptionRequested attaches the ledger-assigned request id to the
// request-path record. It never fabricates a record: a Requested event with
// no match after the budget is deferred for redelivery.
func (e *Engine) reconcileRedemptionRequested(ctx context.Context, event domain.DomainEvent) (Outcome, error) {
	record, err := e.lookupRedemption(ctx, event, true)
	if err != nil && !errors.Is(err, store.ErrRecordNotFound) {
		return OutcomeDropped, fmt.Errorf("lookup redemption: %w", err)
	}
	if record == nil {
		log.Printf("level=warn component=reconcile msg=\"redemption requested with no record; deferred\" ledger=%s tx=%s request_id=%d",
			event.Ledger, event.TransactionRef, event.RequestID)
		return OutcomeDeferred, nil
	}

	if record.RequestID == nil && event.RequestID != 0 {
		applied, err := e.repo.AssignRequestID(ctx, record.ID, event.RequestID)
		if err != nil {
			return OutcomeDropped, fmt.Errorf("assign request id: %w", err)
		}
		if applied {
			id := event.RequestID
			record.RequestID = &id
			return OutcomeApplied, nil
		}
	}
	// Request id already present: replayed Requested event. Status is left
	// wherever the record has advanced to.
	return OutcomeDuplicate, nil
}

// reconcileRedemptionStage handles Processing, Fulfilled and Cancelled.
// These stages require the record to already exist.
func (e *Engine) reconcileRedemptionStage(ctx context.Context, event domain.DomainEvent) (Outcome, error) {
	record, err := e.lookupRedemption(ctx, event, false)
	if err != nil && !errors.Is(err, store.ErrRecordNotFound) {
		return OutcomeDropped, fmt.Errorf("lookup redemption: %w", err)
	}
	if record == nil {
		// Either severe delay in the originating request path or a genuinely
		// orphaned ledger event. Stages never fabricate records.
		log.Printf("level=warn component=reconcile msg=\"redemption stage with no record; deferred\" kind=%s ledger=%s request_id=%d",
			event.Kind, event.Ledger, event.RequestID)
		return OutcomeDeferred, nil
	}

	target := stageTargetStatus(event.Kind)
	decision, perr := lifecycle.Propose(record.Kind, record.Status, target)
	switch decision {
	case lifecycle.Invalid:
		log.Printf("level=warn component=reconcile msg=\"invalid transition dropped\" record=%s err=%v", record.ID, perr)
		return OutcomeDropped, nil

	case lifecycle.NoOp:
		// Replay or ordering anomaly. Retry the notification only when the
		// record sits exactly at the event's implied status: a stale
		// Processing replay on a completed record must not send anything.
		if record.Status == target {
			return OutcomeDuplicate, e.notifyStage(ctx, record, lifecycle.NotificationStage(record.Kind, target))
		}
		return OutcomeDuplicate, nil
	}

	applied, err := e.repo.TransitionRecordStatus(ctx, record.ID, record.Status, target)
	if err != nil {
		return OutcomeDropped, fmt.Errorf("transition record %s: %w", record.ID, err)
	}
	if !applied {
		refreshed, ferr := e.lookupRedemption(ctx, event, false)
		if ferr != nil || refreshed == nil {
			return OutcomeDuplicate, ferr
		}
		if refreshed.Status == target {
			return OutcomeDuplicate, e.notifyStage(ctx, refreshed, lifecycle.NotificationStage(refreshed.Kind, target))
		}
		return OutcomeDuplicate, nil
	}

	record.Status = target
	return OutcomeApplied, e.notifyStage(ctx, record, lifecycle.NotificationStage(record.Kind, target))
}

// notifyStage sends the stage notification unless it was already delivered.
// The notified flag is persisted only after the transport reports success;
// a send failure is returned so the event is not memoized, but callers never
// unwind the state transition over it.
func (e *Engine) notifyStage(ctx context.Context, record *domain.Record, stage string) error {
	if stage == "" || record == nil {
		return nil
	}
	if record.StageNotified(stage) {
		return nil
	}

	if err := e.dispatcher.Notify(ctx, record, stage); err != nil {
		metrics.NotificationSends.WithLabelValues(stage, "error").Inc()
		log.Printf("level=warn component=reconcile msg=\"notification failed; will retry on redelivery\" record=%s stage=%s err=%v",
			record.ID, stage, err)
		return fmt.Errorf("notify %s/%s: %w (%w)", record.ID, stage, err, ErrNotificationFailed)
	}
	metrics.NotificationSends.WithLabelValues(stage, "ok").Inc()

	if err := e.repo.MarkStageNotified(ctx, record.ID, stage); err != nil {
		// The send happened; a failed flag write risks one duplicate email on
		// replay, which is the documented trade-off.
		log.Printf("level=error component=reconcile msg=\"notified flag write failed\" record=%s stage=%s err=%v",
			record.ID, stage, err)
		return fmt.Errorf("mark notified %s/%s: %w (%w)", record.ID, stage, err, ErrNotificationFailed)
	}
	if record.NotificationStatus == nil {
		record.NotificationStatus = map[string]bool{}
	}
	record.NotificationStatus[stage] = true
	return nil
}

// lookupByRefWithBudget retries a transaction-ref lookup on the race budget.
func (e *Engine) lookupByRefWithBudget(ctx context.Context, l domain.Ledger, ref string) (*domain.Record, error) {
	var record *domain.Record
	err := retry.Do(ctx, e.lookupRetry, func(ctx context.Context) error {
		var lookupErr error
		record, lookupErr = e.repo.FindRecordByTransactionRef(ctx, l, ref)
		return lookupErr
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// lookupRedemption finds the redemption record for a stage event: first by
// the request transaction reference, then by request id. withBudget applies
// the race-tolerant retry (used for Requested, whose record may still be
// being written by the request path).
func (e *Engine) lookupRedemption(ctx context.Context, event domain.DomainEvent, withBudget bool) (*domain.Record, error) {
	lookup := func(ctx context.Context) (*domain.Record, error) {
		if event.TransactionRef != "" {
			record, err := e.repo.FindRecordByTransactionRef(ctx, event.Ledger, event.TransactionRef)
			if err == nil && record.Kind == domain.RecordRedemption {
				return record, nil
			}
			if err != nil && !errors.Is(err, store.ErrRecordNotFound) {
				return nil, err
			}
			// A movement record sharing the transaction reference is not a
			// match; fall through to the request-id lookup.
		}
		if event.RequestID != 0 {
			return e.repo.FindRecordByRequestID(ctx, event.Ledger, event.RequestID)
		}
		return nil, store.ErrRecordNotFound
	}

	policy := e.storeRetry
	if withBudget {
		policy = e.lookupRetry
	}
	var record *domain.Record
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		var lookupErr error
		record, lookupErr = lookup(ctx)
		return lookupErr
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func stageTargetStatus(kind domain.EventKind) string {
	switch kind {
	case domain.EventRedemptionProcessing:
		return domain.StatusProcessing
	case domain.EventRedemptionFulfilled:
		return domain.StatusCompleted
	case domain.EventRedemptionCancelled:
		return domain.StatusCancelled
	}
	return ""
}

func (e *Engine) alreadySeen(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.seen[key]
	return ok
}

func (e *Engine) markSeen(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen[key] = struct{}{}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
