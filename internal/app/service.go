/**
 * @description
 * This file contains the admin-facing orchestration logic for the
 * reconciliation-service. The `Service` struct backs the internal API: it can
 * refetch a single confirmed transaction from either ledger and push it back
 * through normalization and reconciliation, and it can restart a ledger's
 * ingestion pipeline from its persisted cursor.
 *
 * Reprocessing is safe to repeat because the engine is idempotent: replaying
 * an already-applied transaction reports duplicate outcomes and at most
 * retries a notification that previously failed to send.
 *
 * @dependencies
 * - internal/ledger: Per-ledger transaction fetch.
 * - internal/normalize, internal/reconcile: Decode and application.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aurum/reconciliation-service/internal/domain"
	"github.com/aurum/reconciliation-service/internal/ledger"
	"github.com/aurum/reconciliation-service/internal/normalize"
	"github.com/aurum/reconciliation-service/internal/reconcile"
)

var (
	// ErrUnknownLedger is returned when a request names a ledger the service
	// has no adapter for.
	ErrUnknownLedger = errors.New("unknown ledger")

	// ErrTransactionNotFound is returned when the ledger does not know the
	// requested transaction reference.
	ErrTransactionNotFound = errors.New("transaction not found on ledger")
)

// PipelineController restarts ledger pipelines. Implemented by the scheduler
// supervisor.
type PipelineController interface {
	Restart(l domain.Ledger) error
}

// EventOutcome reports what reconciling one decoded event did, for the admin
// response body.
type EventOutcome struct {
	Kind    domain.EventKind  `json:"kind"`
	Outcome reconcile.Outcome `json:"outcome"`
	Error   string            `json:"error,omitempty"`
}

// Service provides the admin orchestration logic.
type Service struct {
	adapters   map[domain.Ledger]ledger.Adapter
	normalizer *normalize.Normalizer
	engine     *reconcile.Engine
	pipelines  PipelineController
}

// NewService creates a new admin service instance.
func NewService(adapters []ledger.Adapter, normalizer *normalize.Normalizer, engine *reconcile.Engine, pipelines PipelineController) *Service {
	byLedger := make(map[domain.Ledger]ledger.Adapter, len(adapters))
	for _, a := range adapters {
		byLedger[a.Ledger()] = a
	}
	return &Service{
		adapters:   byLedger,
		normalizer: normalizer,
		engine:     engine,
		pipelines:  pipelines,
	}
}

// ReprocessTransaction refetches one confirmed transaction by reference and
// replays it through the engine. It returns the per-event outcomes so the
// operator can see what the replay did.
func (s *Service) ReprocessTransaction(ctx context.Context, l domain.Ledger, ref string) ([]EventOutcome, error) {
	adapter, ok := s.adapters[l]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLedger, l)
	}

	tx, err := adapter.FetchTransaction(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("fetch transaction %s: %w", ref, err)
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: %s on %s", ErrTransactionNotFound, ref, l)
	}

	events, err := s.normalizer.Normalize(*tx)
	if err != nil {
		return nil, fmt.Errorf("normalize %s: %w", ref, err)
	}

	log.Printf("level=info component=app msg=\"reprocessing transaction\" ledger=%s tx=%s events=%d", l, ref, len(events))

	outcomes := make([]EventOutcome, 0, len(events))
	for _, event := range events {
		outcome, rerr := s.engine.Reconcile(ctx, event)
		result := EventOutcome{Kind: event.Kind, Outcome: outcome}
		if rerr != nil {
			result.Error = rerr.Error()
		}
		outcomes = append(outcomes, result)
	}
	return outcomes, nil
}

// RestartPipeline restarts the named ledger's ingestion pipeline from its
// persisted cursor.
func (s *Service) RestartPipeline(l domain.Ledger) error {
	if _, ok := s.adapters[l]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLedger, l)
	}
	log.Printf("level=info component=app msg=\"pipeline restart requested\" ledger=%s", l)
	return s.pipelines.Restart(l)
}
