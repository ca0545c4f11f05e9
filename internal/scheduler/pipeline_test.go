package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/aurum/reconciliation-service/internal/domain"
	"github.com/aurum/reconciliation-service/internal/ledger"
	"github.com/aurum/reconciliation-service/internal/normalize"
	"github.com/aurum/reconciliation-service/internal/reconcile"
	"github.com/aurum/reconciliation-service/internal/store"
	"github.com/aurum/reconciliation-service/pkg/retry"
)

const (
	testContract = "0x1111111111111111111111111111111111111111"
	transferSig  = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
)

type adapterStub struct {
	tip   uint64
	fetch func(from, to uint64) ([]ledger.RawTransaction, error)

	mu     sync.Mutex
	ranges [][2]uint64
}

func (a *adapterStub) Ledger() domain.Ledger { return domain.LedgerEVM }

func (a *adapterStub) Tip(ctx context.Context) (uint64, error) { return a.tip, nil }

func (a *adapterStub) FetchLogs(ctx context.Context, from, to uint64) ([]ledger.RawTransaction, error) {
	a.mu.Lock()
	a.ranges = append(a.ranges, [2]uint64{from, to})
	a.mu.Unlock()
	if a.fetch == nil {
		return nil, nil
	}
	return a.fetch(from, to)
}

func (a *adapterStub) FetchTransaction(ctx context.Context, ref string) (*ledger.RawTransaction, error) {
	return nil, nil
}

func (a *adapterStub) Subscribe(ctx context.Context) (<-chan ledger.RawTransaction, error) {
	ch := make(chan ledger.RawTransaction)
	close(ch)
	return ch, nil
}

func (a *adapterStub) fetchedRanges() [][2]uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][2]uint64(nil), a.ranges...)
}

type pipelineRepoStub struct {
	store.Repository

	mu           sync.Mutex
	cursor       *domain.Cursor
	record       *domain.Record
	cursorWrites []uint64
}

func (s *pipelineRepoStub) GetCursor(ctx context.Context, l domain.Ledger) (*domain.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor == nil {
		return nil, store.ErrCursorNotFound
	}
	dup := *s.cursor
	return &dup, nil
}

func (s *pipelineRepoStub) UpsertCursor(ctx context.Context, l domain.Ledger, height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursorWrites = append(s.cursorWrites, height)
	if s.cursor != nil && s.cursor.LastProcessedHeight >= height {
		return nil
	}
	s.cursor = &domain.Cursor{Ledger: l, LastProcessedHeight: height}
	return nil
}

func (s *pipelineRepoStub) FindRecordByTransactionRef(ctx context.Context, l domain.Ledger, ref string) (*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record != nil && s.record.TransactionRef != nil && *s.record.TransactionRef == ref {
		dup := *s.record
		return &dup, nil
	}
	return nil, store.ErrRecordNotFound
}

func (s *pipelineRepoStub) CompleteRecord(ctx context.Context, recordID uuid.UUID, ref string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil || s.record.ID != recordID || s.record.Status != domain.StatusPending {
		return false, nil
	}
	s.record.Status = domain.StatusCompleted
	return true, nil
}

func (s *pipelineRepoStub) MarkStageNotified(ctx context.Context, recordID uuid.UUID, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil || s.record.ID != recordID {
		return store.ErrRecordNotFound
	}
	s.record.NotificationStatus[stage] = true
	return nil
}

type sendCounter struct {
	mu    sync.Mutex
	sends int
}

func (c *sendCounter) Notify(ctx context.Context, record *domain.Record, stage string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends++
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPipeline(adapter *adapterStub, repo *pipelineRepoStub, dispatcher *sendCounter, cfg PipelineConfig) *Pipeline {
	normalizer := normalize.NewNormalizer(normalize.AssetTable{
		domain.LedgerEVM: {testContract: "GOLD"},
	})
	engine := reconcile.NewEngine(repo, dispatcher, retry.Fixed(1, 0))
	return NewPipeline(adapter, normalizer, engine, repo, cfg, testLogger())
}

// transferLog builds the raw log shape the bullion contract emits for an
// ERC20 Transfer.
func transferLog(from, to string, amount int64) ledger.RawEvent {
	word := make([]byte, 32)
	big.NewInt(amount).FillBytes(word)
	return ledger.RawEvent{
		Source: testContract,
		Topics: []string{transferSig, paddedAddressTopic(from), paddedAddressTopic(to)},
		Data:   word,
	}
}

func paddedAddressTopic(address string) string {
	return "0x" + strings.Repeat("0", 24) + strings.TrimPrefix(address, "0x")
}

func TestCatchUp_WalksToTipInBatches(t *testing.T) {
	adapter := &adapterStub{tip: 350}
	repo := &pipelineRepoStub{}
	p := testPipeline(adapter, repo, &sendCounter{}, PipelineConfig{
		BatchSize:   100,
		StartHeight: 100,
		BatchRetry:  retry.Fixed(1, 0),
	})

	if err := p.CatchUp(context.Background(), phaseBackfill); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	want := [][2]uint64{{100, 199}, {200, 299}, {300, 350}}
	got := adapter.fetchedRanges()
	if len(got) != len(want) {
		t.Fatalf("expected %d batches, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("batch %d: expected %v, got %v", i, want[i], got[i])
		}
	}
	if repo.cursor == nil || repo.cursor.LastProcessedHeight != 350 {
		t.Fatalf("expected cursor at tip, got %+v", repo.cursor)
	}
}

func TestCatchUp_ResumesFromPersistedCursor(t *testing.T) {
	adapter := &adapterStub{tip: 250}
	repo := &pipelineRepoStub{cursor: &domain.Cursor{Ledger: domain.LedgerEVM, LastProcessedHeight: 199}}
	p := testPipeline(adapter, repo, &sendCounter{}, PipelineConfig{
		BatchSize:   100,
		StartHeight: 100,
		BatchRetry:  retry.Fixed(1, 0),
	})

	if err := p.CatchUp(context.Background(), phaseSweep); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	ranges := adapter.fetchedRanges()
	if len(ranges) == 0 || ranges[0][0] != 200 {
		t.Fatalf("expected resume at 200, got %v", ranges)
	}
}

func TestCatchUp_NothingToDoAtTip(t *testing.T) {
	adapter := &adapterStub{tip: 300}
	repo := &pipelineRepoStub{cursor: &domain.Cursor{Ledger: domain.LedgerEVM, LastProcessedHeight: 300}}
	p := testPipeline(adapter, repo, &sendCounter{}, PipelineConfig{
		BatchSize:  100,
		BatchRetry: retry.Fixed(1, 0),
	})

	if err := p.CatchUp(context.Background(), phaseSweep); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(adapter.fetchedRanges()) != 0 {
		t.Fatalf("expected no fetches at tip, got %v", adapter.fetchedRanges())
	}
}

func TestCatchUp_PoisonedBatchIsSkippedNotStalledOn(t *testing.T) {
	adapter := &adapterStub{tip: 299}
	adapter.fetch = func(from, to uint64) ([]ledger.RawTransaction, error) {
		if from == 100 {
			return nil, errors.New("provider error")
		}
		return nil, nil
	}
	repo := &pipelineRepoStub{}
	p := testPipeline(adapter, repo, &sendCounter{}, PipelineConfig{
		BatchSize:   100,
		StartHeight: 100,
		BatchRetry:  retry.Fixed(2, 0),
	})

	if err := p.CatchUp(context.Background(), phaseBackfill); err != nil {
		t.Fatalf("a failed batch must not abort the walk, got %v", err)
	}

	// The failing range was attempted twice, then the walk moved on.
	attempts := 0
	for _, r := range adapter.fetchedRanges() {
		if r[0] == 100 {
			attempts++
		}
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts at the failing batch, got %d", attempts)
	}
	if repo.cursor == nil || repo.cursor.LastProcessedHeight != 299 {
		t.Fatalf("expected cursor past the skipped range, got %+v", repo.cursor)
	}
}

func TestCatchUp_AppliesDecodedEvents(t *testing.T) {
	ref := "0xabc"
	adapter := &adapterStub{tip: 150}
	adapter.fetch = func(from, to uint64) ([]ledger.RawTransaction, error) {
		return []ledger.RawTransaction{{
			Ledger: domain.LedgerEVM,
			Ref:    ref,
			Height: 120,
			Events: []ledger.RawEvent{transferLog(
				"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
				"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
				1000,
			)},
		}}, nil
	}
	repo := &pipelineRepoStub{record: &domain.Record{
		ID:                 uuid.New(),
		Kind:               domain.RecordTransfer,
		Ledger:             domain.LedgerEVM,
		Status:             domain.StatusPending,
		TransactionRef:     &ref,
		AssetKind:          "GOLD",
		Quantity:           1000,
		NotificationStatus: map[string]bool{},
	}}
	dispatcher := &sendCounter{}
	p := testPipeline(adapter, repo, dispatcher, PipelineConfig{
		BatchSize:   100,
		StartHeight: 100,
		BatchRetry:  retry.Fixed(1, 0),
	})

	if err := p.CatchUp(context.Background(), phaseBackfill); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.record.Status != domain.StatusCompleted {
		t.Fatalf("expected completed record, got %s", repo.record.Status)
	}
	if dispatcher.sends != 1 {
		t.Fatalf("expected 1 notification, got %d", dispatcher.sends)
	}
}
