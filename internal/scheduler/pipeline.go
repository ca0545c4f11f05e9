/**
 * @description
 * This file implements the per-ledger ingestion pipeline. A pipeline owns one
 * ledger adapter and drives two phases against it: a startup backfill that
 * walks the persisted cursor forward to the chain tip in bounded batches, and
 * a live phase that consumes the adapter's subscription while a periodic
 * sweep (scheduled by the supervisor) re-walks cursor-to-tip to recover
 * anything the subscription missed.
 *
 * A batch that still fails after its retry budget is never skipped silently:
 * it is logged at error level with the exact height range, counted in the
 * batch failure metric, and only then left behind so one poisoned range
 * cannot stall the ledger forever. The cursor advances past the failed range,
 * so no later tick revisits it on its own; recovery is operator-driven,
 * replaying the logged transactions through the admin reprocess endpoint.
 *
 * @dependencies
 * - log/slog: Structured pipeline logging.
 * - internal/ledger: The adapter contract.
 * - internal/normalize, internal/reconcile: Event decode and application.
 * - internal/store: Cursor persistence.
 */

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aurum/reconciliation-service/internal/domain"
	"github.com/aurum/reconciliation-service/internal/ledger"
	"github.com/aurum/reconciliation-service/internal/metrics"
	"github.com/aurum/reconciliation-service/internal/normalize"
	"github.com/aurum/reconciliation-service/internal/reconcile"
	"github.com/aurum/reconciliation-service/internal/store"
	"github.com/aurum/reconciliation-service/pkg/retry"
)

const (
	phaseBackfill = "backfill"
	phaseLive     = "live"
	phaseSweep    = "sweep"
)

// PipelineConfig carries the tunables for one ledger pipeline.
type PipelineConfig struct {
	// BatchSize bounds the height range of a single FetchLogs call.
	BatchSize uint64

	// StartHeight is where ingestion begins when no cursor has ever been
	// persisted for the ledger (typically the asset contract deployment
	// height).
	StartHeight uint64

	// BatchRetry is the retry budget applied to one batch before it is
	// declared failed.
	BatchRetry retry.Policy
}

// Pipeline drives ingestion for a single ledger.
type Pipeline struct {
	adapter    ledger.Adapter
	normalizer *normalize.Normalizer
	engine     *reconcile.Engine
	repo       store.Repository
	config     PipelineConfig
	logger     *slog.Logger
}

// NewPipeline wires a pipeline for the adapter's ledger.
func NewPipeline(adapter ledger.Adapter, normalizer *normalize.Normalizer, engine *reconcile.Engine, repo store.Repository, cfg PipelineConfig, logger *slog.Logger) *Pipeline {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}
	return &Pipeline{
		adapter:    adapter,
		normalizer: normalizer,
		engine:     engine,
		repo:       repo,
		config:     cfg,
		logger:     logger.With("ledger", string(adapter.Ledger())),
	}
}

// Ledger identifies which chain this pipeline ingests.
func (p *Pipeline) Ledger() domain.Ledger {
	return p.adapter.Ledger()
}

// Run executes the full pipeline lifecycle: backfill to the current tip, then
// live consumption until ctx is cancelled. The in-flight batch or transaction
// is always finished before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline starting")

	if err := p.CatchUp(ctx, phaseBackfill); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("backfill %s: %w", p.Ledger(), err)
	}

	return p.runLive(ctx)
}

// CatchUp walks the persisted cursor forward to the current tip in bounded
// batches. It is the startup backfill and, re-invoked by the supervisor's
// sweep schedule, the recovery net under the live subscription.
func (p *Pipeline) CatchUp(ctx context.Context, phase string) error {
	from, err := p.resumeHeight(ctx)
	if err != nil {
		return err
	}

	tip, err := p.tipWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("fetch tip: %w", err)
	}
	if from > tip {
		return nil
	}

	p.logger.Info("catch-up starting", "phase", phase, "from", from, "tip", tip)

	for from <= tip {
		if err := ctx.Err(); err != nil {
			return err
		}
		to := from + p.config.BatchSize - 1
		if to > tip {
			to = tip
		}

		if err := p.processBatch(ctx, from, to, phase); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// Exhausted retry budget. Record the exact range and move on so
			// one poisoned batch cannot stall the whole ledger.
			p.logger.Error("batch failed after retries; range skipped, replay via admin reprocess",
				"phase", phase, "from", from, "to", to, "error", err)
			metrics.BatchFailures.WithLabelValues(string(p.Ledger())).Inc()
		}

		if err := p.repo.UpsertCursor(ctx, p.Ledger(), to); err != nil {
			return fmt.Errorf("persist cursor at %d: %w", to, err)
		}
		from = to + 1
	}

	p.logger.Info("catch-up finished", "phase", phase, "tip", tip)
	return nil
}

// runLive consumes the adapter's best-effort subscription until ctx is
// cancelled. A closed channel (transport trouble) is answered by resubscribing
// after a short pause; the sweep covers whatever was missed in between.
func (p *Pipeline) runLive(ctx context.Context) error {
	for {
		events, err := p.adapter.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("subscribe failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				continue
			}
		}

		p.logger.Info("live subscription established")
		for tx := range events {
			p.handleLiveTransaction(ctx, tx)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("live subscription closed, resubscribing")
	}
}

func (p *Pipeline) handleLiveTransaction(ctx context.Context, tx ledger.RawTransaction) {
	if err := p.processTransaction(ctx, tx, phaseLive); err != nil {
		p.logger.Error("live transaction failed; sweep will retry it",
			"tx", tx.Ref, "height", tx.Height, "error", err)
		metrics.BatchFailures.WithLabelValues(string(p.Ledger())).Inc()
		return
	}
	// The store enforces cursor monotonicity, so out-of-order live heights
	// are harmless here.
	if err := p.repo.UpsertCursor(ctx, p.Ledger(), tx.Height); err != nil {
		p.logger.Error("cursor update failed", "height", tx.Height, "error", err)
	}
}

// processBatch fetches and applies one bounded height range, retried as a
// unit under the batch retry budget.
func (p *Pipeline) processBatch(ctx context.Context, from, to uint64, phase string) error {
	started := time.Now()
	defer func() {
		metrics.BatchDuration.WithLabelValues(string(p.Ledger())).Observe(time.Since(started).Seconds())
	}()

	return retry.Do(ctx, p.config.BatchRetry, func(ctx context.Context) error {
		txs, err := p.adapter.FetchLogs(ctx, from, to)
		if err != nil {
			return fmt.Errorf("fetch logs [%d,%d]: %w", from, to, err)
		}
		for _, tx := range txs {
			if err := p.processTransaction(ctx, tx, phase); err != nil {
				return err
			}
		}
		return nil
	})
}

// processTransaction normalizes one raw transaction and reconciles each of
// its events. A failed notification send is logged and counted but does not
// fail the transaction: the transition beneath it is already committed and
// the send retries on the next duplicate delivery.
func (p *Pipeline) processTransaction(ctx context.Context, tx ledger.RawTransaction, phase string) error {
	events, err := p.normalizer.Normalize(tx)
	if err != nil {
		return fmt.Errorf("normalize %s: %w", tx.Ref, err)
	}
	if len(events) > 0 {
		metrics.TransactionsIngested.WithLabelValues(string(p.Ledger()), phase).Inc()
	}

	for _, event := range events {
		outcome, err := p.engine.Reconcile(ctx, event)
		if err != nil {
			if errors.Is(err, reconcile.ErrNotificationFailed) {
				p.logger.Warn("notification send failed, will retry on redelivery",
					"tx", tx.Ref, "kind", string(event.Kind), "error", err)
				continue
			}
			return fmt.Errorf("reconcile %s %s: %w", event.Kind, tx.Ref, err)
		}
		if outcome == reconcile.OutcomeDeferred {
			p.logger.Warn("event deferred, awaiting record",
				"tx", tx.Ref, "kind", string(event.Kind), "request_id", event.RequestID)
		}
	}
	return nil
}

// resumeHeight returns the height ingestion should resume from.
func (p *Pipeline) resumeHeight(ctx context.Context) (uint64, error) {
	cursor, err := p.repo.GetCursor(ctx, p.Ledger())
	if err != nil {
		if errors.Is(err, store.ErrCursorNotFound) {
			p.logger.Info("no cursor yet, starting from configured height", "height", p.config.StartHeight)
			return p.config.StartHeight, nil
		}
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	return cursor.LastProcessedHeight + 1, nil
}

func (p *Pipeline) tipWithRetry(ctx context.Context) (uint64, error) {
	var tip uint64
	err := retry.Do(ctx, p.config.BatchRetry, func(ctx context.Context) error {
		var err error
		tip, err = p.adapter.Tip(ctx)
		return err
	})
	return tip, err
}
