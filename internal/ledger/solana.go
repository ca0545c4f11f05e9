/**
 * @description
 * Solana-family adapter. Wraps the pkg/solanarpc client. Historical fetches
 * walk the confirmed block list for a slot range and keep only transactions
 * invoking a watched program; live delivery polls getSignaturesForAddress
 * per program and hydrates new signatures. Failed transactions are skipped
 * at this layer so the normalizer only ever sees committed state changes.
 */

package ledger

import (
	"context"
	"log"
	"time"

	"github.com/mr-tron/base58"

	"github.com/aurum/reconciliation-service/internal/domain"
	"github.com/aurum/reconciliation-service/pkg/retry"
	"github.com/aurum/reconciliation-service/pkg/solanarpc"
)

// SolanaAdapter ingests from a Solana-family chain.
type SolanaAdapter struct {
	client    *solanarpc.Client
	programs  []string
	rpcRetry  retry.Policy
	liveEvery time.Duration
	liveLimit int
}

// NewSolanaAdapter creates an adapter watching the given program addresses.
func NewSolanaAdapter(client *solanarpc.Client, programs []string, rpcRetry retry.Policy, liveEvery time.Duration) *SolanaAdapter {
	if liveEvery <= 0 {
		liveEvery = 2 * time.Second
	}
	return &SolanaAdapter{
		client:    client,
		programs:  programs,
		rpcRetry:  rpcRetry,
		liveEvery: liveEvery,
		liveLimit: 100,
	}
}

func (a *SolanaAdapter) Ledger() domain.Ledger { return domain.LedgerSolana }

func (a *SolanaAdapter) Tip(ctx context.Context) (uint64, error) {
	var tip uint64
	err := retry.Do(ctx, a.rpcRetry, func(ctx context.Context) error {
		var callErr error
		tip, callErr = a.client.GetSlot(ctx)
		return callErr
	})
	return tip, err
}

func (a *SolanaAdapter) FetchLogs(ctx context.Context, from, to uint64) ([]RawTransaction, error) {
	var slots []uint64
	err := retry.Do(ctx, a.rpcRetry, func(ctx context.Context) error {
		var callErr error
		slots, callErr = a.client.GetBlocks(ctx, from, to)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	var txs []RawTransaction
	for _, slot := range slots {
		var blockTxs []solanarpc.BlockTransaction
		err := retry.Do(ctx, a.rpcRetry, func(ctx context.Context) error {
			var callErr error
			blockTxs, callErr = a.client.GetBlockTransactions(ctx, slot)
			return callErr
		})
		if err != nil {
			return nil, err
		}
		for _, blockTx := range blockTxs {
			if raw := a.rawTransaction(blockTx); raw != nil {
				txs = append(txs, *raw)
			}
		}
	}
	return txs, nil
}

func (a *SolanaAdapter) FetchTransaction(ctx context.Context, ref string) (*RawTransaction, error) {
	var tx *solanarpc.BlockTransaction
	err := retry.Do(ctx, a.rpcRetry, func(ctx context.Context) error {
		var callErr error
		tx, callErr = a.client.GetTransaction(ctx, ref)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, nil
	}
	return a.rawTransaction(*tx), nil
}

func (a *SolanaAdapter) Subscribe(ctx context.Context) (<-chan RawTransaction, error) {
	out := make(chan RawTransaction)
	go func() {
		defer close(out)
		// Last seen signature per watched program; polling stops at it.
		lastSeen := make(map[string]string)
		ticker := time.NewTicker(a.liveEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, program := range a.programs {
					if !a.pollProgram(ctx, program, lastSeen, out) {
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// pollProgram drains new confirmed signatures for one program into out.
// Returns false when ctx is done.
func (a *SolanaAdapter) pollProgram(ctx context.Context, program string, lastSeen map[string]string, out chan<- RawTransaction) bool {
	infos, err := a.client.GetSignaturesForAddress(ctx, program, lastSeen[program], a.liveLimit)
	if err != nil {
		log.Printf("level=warn component=solana_adapter msg=\"signature poll failed\" program=%s err=%v", program, err)
		return true
	}
	if len(infos) == 0 {
		return true
	}
	lastSeen[program] = infos[0].Signature

	// Newest first from the RPC; deliver oldest first.
	for i := len(infos) - 1; i >= 0; i-- {
		info := infos[i]
		if info.Err != nil {
			continue
		}
		tx, err := a.client.GetTransaction(ctx, info.Signature)
		if err != nil {
			log.Printf("level=warn component=solana_adapter msg=\"transaction hydrate failed\" signature=%s err=%v", info.Signature, err)
			continue
		}
		if tx == nil {
			continue
		}
		raw := a.rawTransaction(*tx)
		if raw == nil {
			continue
		}
		select {
		case out <- *raw:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// rawTransaction filters a block transaction down to watched-program
// instructions. Returns nil when nothing relevant remains.
func (a *SolanaAdapter) rawTransaction(tx solanarpc.BlockTransaction) *RawTransaction {
	if tx.Failed {
		return nil
	}
	raw := &RawTransaction{
		Ledger: domain.LedgerSolana,
		Ref:    tx.Signature,
		Height: tx.Slot,
	}
	for _, ins := range tx.Instructions {
		if !a.watches(ins.ProgramID) {
			continue
		}
		// The json encoding renders instruction data as base58.
		data, err := base58.Decode(ins.Data)
		if err != nil {
			log.Printf("level=warn component=solana_adapter msg=\"instruction data not base58; dropped\" signature=%s err=%v", tx.Signature, err)
			continue
		}
		raw.Events = append(raw.Events, RawEvent{
			Source: ins.ProgramID,
			Data:   data,
		})
	}
	if len(raw.Events) == 0 {
		return nil
	}
	return raw
}

func (a *SolanaAdapter) watches(program string) bool {
	for _, watched := range a.programs {
		if watched == program {
			return true
		}
	}
	return false
}
