/**
 * @description
 * EVM-family adapter. Wraps the pkg/evmrpc client, groups contract logs by
 * transaction hash, and retries transient RPC failures with the shared
 * bounded-backoff helper. Live delivery uses a server-side log filter
 * drained on a fixed interval; this is best-effort and the poll sweep
 * covers anything the filter drops.
 */

package ledger

import (
	"context"
	"encoding/hex"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/aurum/reconciliation-service/internal/domain"
	"github.com/aurum/reconciliation-service/pkg/evmrpc"
	"github.com/aurum/reconciliation-service/pkg/retry"
)

// EVMAdapter ingests from an EVM-family chain.
type EVMAdapter struct {
	client    *evmrpc.Client
	addresses []string
	rpcRetry  retry.Policy
	liveEvery time.Duration
}

// NewEVMAdapter creates an adapter watching the given contract addresses.
func NewEVMAdapter(client *evmrpc.Client, addresses []string, rpcRetry retry.Policy, liveEvery time.Duration) *EVMAdapter {
	if liveEvery <= 0 {
		liveEvery = 3 * time.Second
	}
	return &EVMAdapter{
		client:    client,
		addresses: addresses,
		rpcRetry:  rpcRetry,
		liveEvery: liveEvery,
	}
}

func (a *EVMAdapter) Ledger() domain.Ledger { return domain.LedgerEVM }

func (a *EVMAdapter) Tip(ctx context.Context) (uint64, error) {
	var tip uint64
	err := retry.Do(ctx, a.rpcRetry, func(ctx context.Context) error {
		var callErr error
		tip, callErr = a.client.BlockNumber(ctx)
		return callErr
	})
	return tip, err
}

func (a *EVMAdapter) FetchLogs(ctx context.Context, from, to uint64) ([]RawTransaction, error) {
	var logs []evmrpc.Log
	err := retry.Do(ctx, a.rpcRetry, func(ctx context.Context) error {
		var callErr error
		logs, callErr = a.client.GetLogs(ctx, from, to, a.addresses)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return a.groupLogs(logs), nil
}

func (a *EVMAdapter) FetchTransaction(ctx context.Context, ref string) (*RawTransaction, error) {
	var (
		logs   []evmrpc.Log
		height uint64
	)
	err := retry.Do(ctx, a.rpcRetry, func(ctx context.Context) error {
		var callErr error
		logs, height, callErr = a.client.TransactionLogs(ctx, ref)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if logs == nil {
		return nil, nil
	}

	tx := &RawTransaction{
		Ledger: domain.LedgerEVM,
		Ref:    ref,
		Height: height,
	}
	for _, l := range logs {
		if !a.watches(l.Address) {
			continue
		}
		tx.Events = append(tx.Events, rawEventFromLog(l))
	}
	return tx, nil
}

func (a *EVMAdapter) Subscribe(ctx context.Context) (<-chan RawTransaction, error) {
	filterID, err := a.client.NewLogFilter(ctx, a.addresses)
	if err != nil {
		return nil, err
	}

	out := make(chan RawTransaction)
	go func() {
		defer close(out)
		ticker := time.NewTicker(a.liveEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logs, err := a.client.FilterChanges(ctx, filterID)
				if err != nil {
					log.Printf("level=warn component=evm_adapter msg=\"filter drain failed\" err=%v", err)
					// Filters expire server-side after inactivity; reinstall.
					if newID, ferr := a.client.NewLogFilter(ctx, a.addresses); ferr == nil {
						filterID = newID
					}
					continue
				}
				for _, tx := range a.groupLogs(logs) {
					select {
					case out <- tx:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// groupLogs folds a flat log list into per-transaction batches, preserving
// height order so the scheduler can advance the cursor monotonically.
func (a *EVMAdapter) groupLogs(logs []evmrpc.Log) []RawTransaction {
	byTx := make(map[string]*RawTransaction)
	order := make([]string, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		height, err := evmrpc.ParseHexUint(l.BlockNumber)
		if err != nil {
			log.Printf("level=warn component=evm_adapter msg=\"log with bad block number dropped\" tx=%s err=%v", l.TransactionHash, err)
			continue
		}
		tx, ok := byTx[l.TransactionHash]
		if !ok {
			tx = &RawTransaction{
				Ledger: domain.LedgerEVM,
				Ref:    l.TransactionHash,
				Height: height,
			}
			byTx[l.TransactionHash] = tx
			order = append(order, l.TransactionHash)
		}
		tx.Events = append(tx.Events, rawEventFromLog(l))
	}

	txs := make([]RawTransaction, 0, len(order))
	for _, ref := range order {
		txs = append(txs, *byTx[ref])
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Height < txs[j].Height })
	return txs
}

func (a *EVMAdapter) watches(address string) bool {
	for _, watched := range a.addresses {
		if strings.EqualFold(watched, address) {
			return true
		}
	}
	return false
}

func rawEventFromLog(l evmrpc.Log) RawEvent {
	data, err := hex.DecodeString(strings.TrimPrefix(l.Data, "0x"))
	if err != nil {
		// Malformed data still reaches the normalizer, which reports the
		// decode failure with the full context.
		data = nil
	}
	return RawEvent{
		Source: l.Address,
		Topics: l.Topics,
		Data:   data,
	}
}
