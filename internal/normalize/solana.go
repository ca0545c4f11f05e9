/**
 * @description
 * Solana-side decoding. Instruction data begins with a fixed 8-byte event
 * tag; the remainder is a borsh-style little-endian layout. Pubkeys are
 * 32 raw bytes rendered as base58 for address matching.
 *
 * Instruction layouts (after the 8-byte tag):
 *   transfer:              from[32] to[32] amount[u64]
 *   redemption_requested:  redeemer[32] request_id[u64] amount[u64]
 *   redemption_processing: request_id[u64]
 *   redemption_fulfilled:  request_id[u64]
 *   redemption_cancelled:  request_id[u64]
 */

package normalize

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/aurum/reconciliation-service/internal/domain"
	"github.com/aurum/reconciliation-service/internal/ledger"
)

// SolanaNullAddress is the all-zero pubkey the bullion program reports as
// the source of freshly minted supply.
const SolanaNullAddress = "11111111111111111111111111111111"

// 8-byte instruction tags of the bullion program.
var (
	solTagTransfer             = [8]byte{0xa9, 0x05, 0x9d, 0xbb, 0x4f, 0x12, 0xc3, 0x7e}
	solTagRedemptionRequested  = [8]byte{0x1e, 0x6f, 0x42, 0xd8, 0x90, 0x2b, 0x5a, 0xc1}
	solTagRedemptionProcessing = [8]byte{0x74, 0xb3, 0x08, 0xe5, 0x2d, 0xf9, 0x61, 0x0a}
	solTagRedemptionFulfilled  = [8]byte{0xc8, 0x27, 0x9e, 0x13, 0x6b, 0x40, 0xd5, 0xf2}
	solTagRedemptionCancelled  = [8]byte{0x3b, 0xe1, 0x50, 0xa7, 0x8c, 0x94, 0x26, 0xdd}
)

type solDecoder func(n *Normalizer, tx ledger.RawTransaction, raw ledger.RawEvent, payload []byte) (*domain.DomainEvent, error)

type solDispatch struct {
	tag     [8]byte
	decoder solDecoder
}

// solDecoders is the fixed tag dispatch table.
var solDecoders = []solDispatch{
	{solTagTransfer, decodeSolanaTransfer},
	{solTagRedemptionRequested, decodeSolanaRedemptionRequested},
	{solTagRedemptionProcessing, solanaStageDecoder(domain.EventRedemptionProcessing)},
	{solTagRedemptionFulfilled, solanaStageDecoder(domain.EventRedemptionFulfilled)},
	{solTagRedemptionCancelled, solanaStageDecoder(domain.EventRedemptionCancelled)},
}

func (n *Normalizer) decodeSolanaEvent(tx ledger.RawTransaction, raw ledger.RawEvent) (*domain.DomainEvent, error) {
	if len(raw.Data) < 8 {
		return nil, fmt.Errorf("instruction data too short for tag: %d bytes", len(raw.Data))
	}
	for _, entry := range solDecoders {
		if bytes.Equal(raw.Data[:8], entry.tag[:]) {
			return entry.decoder(n, tx, raw, raw.Data[8:])
		}
	}
	// Not an error: the program has instructions outside our model.
	return nil, nil
}

func decodeSolanaTransfer(n *Normalizer, tx ledger.RawTransaction, raw ledger.RawEvent, payload []byte) (*domain.DomainEvent, error) {
	if len(payload) != 72 {
		return nil, fmt.Errorf("transfer payload is %d bytes, want 72", len(payload))
	}
	from := base58.Encode(payload[:32])
	to := base58.Encode(payload[32:64])
	amount := binary.LittleEndian.Uint64(payload[64:72])
	if amount > 1<<62 {
		return nil, fmt.Errorf("transfer amount %d exceeds int64 range", amount)
	}
	asset := n.assets.Asset(domain.LedgerSolana, raw.Source)
	if asset == "" {
		return nil, fmt.Errorf("no asset mapping for program %s", raw.Source)
	}

	event := &domain.DomainEvent{
		Kind:                domain.EventTransfer,
		Ledger:              domain.LedgerSolana,
		TransactionRef:      tx.Ref,
		ActorAddress:        from,
		CounterpartyAddress: to,
		AssetKind:           asset,
		Quantity:            int64(amount),
		ObservedAt:          tx.Height,
	}
	reclassifyMint(event, SolanaNullAddress)
	return event, nil
}

func decodeSolanaRedemptionRequested(n *Normalizer, tx ledger.RawTransaction, raw ledger.RawEvent, payload []byte) (*domain.DomainEvent, error) {
	if len(payload) != 48 {
		return nil, fmt.Errorf("redemption requested payload is %d bytes, want 48", len(payload))
	}
	redeemer := base58.Encode(payload[:32])
	requestID := binary.LittleEndian.Uint64(payload[32:40])
	amount := binary.LittleEndian.Uint64(payload[40:48])
	if amount > 1<<62 {
		return nil, fmt.Errorf("redemption amount %d exceeds int64 range", amount)
	}
	asset := n.assets.Asset(domain.LedgerSolana, raw.Source)
	if asset == "" {
		return nil, fmt.Errorf("no asset mapping for program %s", raw.Source)
	}

	return &domain.DomainEvent{
		Kind:           domain.EventRedemptionRequested,
		Ledger:         domain.LedgerSolana,
		TransactionRef: tx.Ref,
		RequestID:      requestID,
		ActorAddress:   redeemer,
		AssetKind:      asset,
		Quantity:       int64(amount),
		ObservedAt:     tx.Height,
	}, nil
}

func solanaStageDecoder(kind domain.EventKind) solDecoder {
	return func(n *Normalizer, tx ledger.RawTransaction, raw ledger.RawEvent, payload []byte) (*domain.DomainEvent, error) {
		if len(payload) != 8 {
			return nil, fmt.Errorf("%s payload is %d bytes, want 8", kind, len(payload))
		}
		return &domain.DomainEvent{
			Kind:           kind,
			Ledger:         domain.LedgerSolana,
			TransactionRef: tx.Ref,
			RequestID:      binary.LittleEndian.Uint64(payload),
			AssetKind:      n.assets.Asset(domain.LedgerSolana, raw.Source),
			ObservedAt:     tx.Height,
		}, nil
	}
}
