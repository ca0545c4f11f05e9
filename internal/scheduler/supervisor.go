/**
 * @description
 * This file implements the supervisor that owns the per-ledger pipelines. It
 * starts each pipeline (backfill then live), registers a cron sweep per
 * ledger that re-walks cursor-to-tip to catch anything the live subscription
 * dropped, and exposes Restart for the admin pipeline-restart endpoint.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: Sweep scheduling with panic recovery.
 * - log/slog: Structured logging.
 */

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/aurum/reconciliation-service/internal/domain"
)

// Supervisor runs one pipeline per ledger and the periodic sweep over each.
type Supervisor struct {
	pipelines     map[domain.Ledger]*Pipeline
	sweepSchedule string
	logger        *slog.Logger
	cron          *cron.Cron

	mu      sync.Mutex
	baseCtx context.Context
	running map[domain.Ledger]*pipelineHandle
	wg      sync.WaitGroup
}

type pipelineHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor builds a supervisor over the given pipelines. sweepSchedule
// is a cron expression shared by every ledger's sweep.
func NewSupervisor(pipelines []*Pipeline, sweepSchedule string, logger *slog.Logger) *Supervisor {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	byLedger := make(map[domain.Ledger]*Pipeline, len(pipelines))
	for _, p := range pipelines {
		byLedger[p.Ledger()] = p
	}
	return &Supervisor{
		pipelines:     byLedger,
		sweepSchedule: sweepSchedule,
		logger:        logger,
		cron:          cron.New(cron.WithChain(cron.Recover(cronLogger))),
		running:       make(map[domain.Ledger]*pipelineHandle),
	}
}

// Start launches every pipeline and the sweep schedule. ctx bounds the whole
// supervisor; cancelling it stops all pipelines.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	for l := range s.pipelines {
		if err := s.startPipeline(l); err != nil {
			return err
		}
	}

	for l, p := range s.pipelines {
		pipeline := p
		ledgerName := string(l)
		if _, err := s.cron.AddFunc(s.sweepSchedule, func() { s.runSweep(pipeline) }); err != nil {
			return fmt.Errorf("schedule sweep for %s: %w", ledgerName, err)
		}
		s.logger.Info("scheduled ingestion sweep", "ledger", ledgerName, "schedule", s.sweepSchedule)
	}
	s.cron.Start()
	return nil
}

// Restart stops the named ledger's pipeline, waits for its in-flight work to
// finish, and starts it again from the persisted cursor. It backs the admin
// pipeline-restart endpoint.
func (s *Supervisor) Restart(ledger domain.Ledger) error {
	s.mu.Lock()
	handle, ok := s.running[ledger]
	if !ok {
		if _, known := s.pipelines[ledger]; !known {
			s.mu.Unlock()
			return fmt.Errorf("unknown ledger %q", ledger)
		}
	}
	s.mu.Unlock()

	if handle != nil {
		s.logger.Info("restarting pipeline", "ledger", string(ledger))
		handle.cancel()
		<-handle.done
	}
	return s.startPipeline(ledger)
}

// Stop cancels the sweep schedule and waits for every pipeline to finish its
// in-flight batch.
func (s *Supervisor) Stop() {
	cronCtx := s.cron.Stop()

	s.mu.Lock()
	for _, handle := range s.running {
		handle.cancel()
	}
	s.mu.Unlock()

	<-cronCtx.Done()
	s.wg.Wait()
	s.logger.Info("all pipelines stopped")
}

func (s *Supervisor) startPipeline(l domain.Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pipeline, ok := s.pipelines[l]
	if !ok {
		return fmt.Errorf("unknown ledger %q", l)
	}
	if s.baseCtx == nil {
		return fmt.Errorf("supervisor not started")
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	handle := &pipelineHandle{cancel: cancel, done: make(chan struct{})}
	s.running[l] = handle

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(handle.done)
		if err := pipeline.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("pipeline exited", "ledger", string(l), "error", err)
		}
	}()
	return nil
}

func (s *Supervisor) runSweep(p *Pipeline) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if err := p.CatchUp(ctx, phaseSweep); err != nil && ctx.Err() == nil {
		s.logger.Error("sweep failed", "ledger", string(p.Ledger()), "error", err)
	}
}
