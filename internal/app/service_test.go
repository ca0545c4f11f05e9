package app

import (
	"context"
	"errors"
	"math/big"
	"strings"
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
	testContract = "0x2222222222222222222222222222222222222222"
	transferSig  = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
)

type adapterStub struct {
	l  domain.Ledger
	tx *ledger.RawTransaction
}

func (a *adapterStub) Ledger() domain.Ledger                     { return a.l }
func (a *adapterStub) Tip(ctx context.Context) (uint64, error)   { return 0, nil }
func (a *adapterStub) FetchLogs(ctx context.Context, from, to uint64) ([]ledger.RawTransaction, error) {
	return nil, nil
}
func (a *adapterStub) Subscribe(ctx context.Context) (<-chan ledger.RawTransaction, error) {
	ch := make(chan ledger.RawTransaction)
	close(ch)
	return ch, nil
}

func (a *adapterStub) FetchTransaction(ctx context.Context, ref string) (*ledger.RawTransaction, error) {
	if a.tx != nil && a.tx.Ref == ref {
		return a.tx, nil
	}
	return nil, nil
}

type serviceRepoStub struct {
	store.Repository

	record *domain.Record
}

func (s *serviceRepoStub) FindRecordByTransactionRef(ctx context.Context, l domain.Ledger, ref string) (*domain.Record, error) {
	if s.record != nil && s.record.TransactionRef != nil && *s.record.TransactionRef == ref {
		dup := *s.record
		return &dup, nil
	}
	return nil, store.ErrRecordNotFound
}

func (s *serviceRepoStub) CompleteRecord(ctx context.Context, recordID uuid.UUID, ref string) (bool, error) {
	if s.record == nil || s.record.Status != domain.StatusPending {
		return false, nil
	}
	s.record.Status = domain.StatusCompleted
	return true, nil
}

func (s *serviceRepoStub) MarkStageNotified(ctx context.Context, recordID uuid.UUID, stage string) error {
	s.record.NotificationStatus[stage] = true
	return nil
}

type noopDispatcher struct{}

func (noopDispatcher) Notify(ctx context.Context, record *domain.Record, stage string) error {
	return nil
}

type controllerStub struct {
	restarted []domain.Ledger
}

func (c *controllerStub) Restart(l domain.Ledger) error {
	c.restarted = append(c.restarted, l)
	return nil
}

func testService(adapter *adapterStub, repo *serviceRepoStub, controller *controllerStub) *Service {
	normalizer := normalize.NewNormalizer(normalize.AssetTable{
		domain.LedgerEVM: {testContract: "GOLD"},
	})
	engine := reconcile.NewEngine(repo, noopDispatcher{}, retry.Fixed(1, 0))
	return NewService([]ledger.Adapter{adapter}, normalizer, engine, controller)
}

func transferTx(ref string) *ledger.RawTransaction {
	word := make([]byte, 32)
	big.NewInt(500).FillBytes(word)
	pad := func(address string) string {
		return "0x" + strings.Repeat("0", 24) + strings.TrimPrefix(address, "0x")
	}
	return &ledger.RawTransaction{
		Ledger: domain.LedgerEVM,
		Ref:    ref,
		Height: 77,
		Events: []ledger.RawEvent{{
			Source: testContract,
			Topics: []string{
				transferSig,
				pad("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
				pad("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
			},
			Data: word,
		}},
	}
}

func TestReprocessTransaction_ReplaysDecodedEvents(t *testing.T) {
	ref := "0xdeadbeef"
	adapter := &adapterStub{l: domain.LedgerEVM, tx: transferTx(ref)}
	repo := &serviceRepoStub{record: &domain.Record{
		ID:                 uuid.New(),
		Kind:               domain.RecordTransfer,
		Ledger:             domain.LedgerEVM,
		Status:             domain.StatusPending,
		TransactionRef:     &ref,
		AssetKind:          "GOLD",
		Quantity:           500,
		NotificationStatus: map[string]bool{},
	}}

	outcomes, err := testService(adapter, repo, &controllerStub{}).ReprocessTransaction(context.Background(), domain.LedgerEVM, ref)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(outcomes))
	}
	if outcomes[0].Kind != domain.EventTransfer || outcomes[0].Outcome != reconcile.OutcomeApplied {
		t.Fatalf("unexpected outcome: %+v", outcomes[0])
	}
	if repo.record.Status != domain.StatusCompleted {
		t.Fatalf("expected completed record, got %s", repo.record.Status)
	}
}

func TestReprocessTransaction_UnknownLedger(t *testing.T) {
	adapter := &adapterStub{l: domain.LedgerEVM}
	svc := testService(adapter, &serviceRepoStub{}, &controllerStub{})

	_, err := svc.ReprocessTransaction(context.Background(), domain.LedgerSolana, "sig")
	if !errors.Is(err, ErrUnknownLedger) {
		t.Fatalf("expected ErrUnknownLedger, got %v", err)
	}
}

func TestReprocessTransaction_UnknownReference(t *testing.T) {
	adapter := &adapterStub{l: domain.LedgerEVM}
	svc := testService(adapter, &serviceRepoStub{}, &controllerStub{})

	_, err := svc.ReprocessTransaction(context.Background(), domain.LedgerEVM, "0xmissing")
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestRestartPipeline(t *testing.T) {
	adapter := &adapterStub{l: domain.LedgerEVM}
	controller := &controllerStub{}
	svc := testService(adapter, &serviceRepoStub{}, controller)

	if err := svc.RestartPipeline(domain.LedgerEVM); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(controller.restarted) != 1 || controller.restarted[0] != domain.LedgerEVM {
		t.Fatalf("expected evm restart, got %v", controller.restarted)
	}
	if err := svc.RestartPipeline(domain.LedgerSolana); !errors.Is(err, ErrUnknownLedger) {
		t.Fatalf("expected ErrUnknownLedger, got %v", err)
	}
}
