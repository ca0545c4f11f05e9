/**
 * @description
 * EVM-side decoding. Events are dispatched on topic0; decoding per topic is
 * bit-exact against the indexed-topic/data layout the bullion contracts emit.
 *
 * Event layouts:
 *   Transfer(address indexed from, address indexed to, uint256 value)
 *   RedemptionRequested(address indexed redeemer, uint256 indexed requestId, uint256 amount)
 *   RedemptionProcessing(uint256 indexed requestId)
 *   RedemptionFulfilled(uint256 indexed requestId)
 *   RedemptionCancelled(uint256 indexed requestId)
 */

package normalize

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/aurum/reconciliation-service/internal/domain"
	"github.com/aurum/reconciliation-service/internal/ledger"
)

// EVMNullAddress is the designated null/burn source for EVM mints.
const EVMNullAddress = "0x0000000000000000000000000000000000000000"

// topic0 values of the bullion contract events. Transfer is the standard
// ERC-20 topic; the redemption topics are pinned to the deployed contracts.
const (
	evmTopicTransfer             = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
	evmTopicRedemptionRequested  = "0x6b7a2f3c9d4e8b1a5c0f7d2e9a4b8c3d6e1f5a0b7c2d9e4f8a3b6c1d0e7f5a2b"
	evmTopicRedemptionProcessing = "0x1c8e5b2a7f4d0c9e3b6a1d8f5c2e7b4a0d9c6f3e8b5a2d7c4f1e0b9a6d3c8e5f"
	evmTopicRedemptionFulfilled  = "0x9d4b7e2c5a8f1d0b3c6e9a4d7f2b5c8e1a0d3f6c9b4e7a2d5c8f1b0e3a6d9c4f"
	evmTopicRedemptionCancelled  = "0x3f6c9b2e5d8a1f4c7b0e3d6a9c2f5b8e1d4a7c0f3b6e9d2a5c8f1e4b7a0d3c6e"
)

type evmDecoder func(n *Normalizer, tx ledger.RawTransaction, raw ledger.RawEvent) (*domain.DomainEvent, error)

// evmDecoders is the fixed topic0 dispatch table.
var evmDecoders = map[string]evmDecoder{
	evmTopicTransfer:             decodeEVMTransfer,
	evmTopicRedemptionRequested:  decodeEVMRedemptionRequested,
	evmTopicRedemptionProcessing: redemptionStageDecoder(domain.EventRedemptionProcessing),
	evmTopicRedemptionFulfilled:  redemptionStageDecoder(domain.EventRedemptionFulfilled),
	evmTopicRedemptionCancelled:  redemptionStageDecoder(domain.EventRedemptionCancelled),
}

func (n *Normalizer) decodeEVMEvent(tx ledger.RawTransaction, raw ledger.RawEvent) (*domain.DomainEvent, error) {
	if len(raw.Topics) == 0 {
		return nil, fmt.Errorf("log without topics from %s", raw.Source)
	}
	decoder, ok := evmDecoders[strings.ToLower(raw.Topics[0])]
	if !ok {
		// Not an error: watched contracts emit events outside our model.
		return nil, nil
	}
	return decoder(n, tx, raw)
}

func decodeEVMTransfer(n *Normalizer, tx ledger.RawTransaction, raw ledger.RawEvent) (*domain.DomainEvent, error) {
	if len(raw.Topics) != 3 {
		return nil, fmt.Errorf("transfer log expects 3 topics, got %d", len(raw.Topics))
	}
	from, err := addressFromTopic(raw.Topics[1])
	if err != nil {
		return nil, fmt.Errorf("transfer from: %w", err)
	}
	to, err := addressFromTopic(raw.Topics[2])
	if err != nil {
		return nil, fmt.Errorf("transfer to: %w", err)
	}
	amount, err := amountFromWord(raw.Data, 0)
	if err != nil {
		return nil, fmt.Errorf("transfer amount: %w", err)
	}
	asset := n.assets.Asset(domain.LedgerEVM, raw.Source)
	if asset == "" {
		return nil, fmt.Errorf("no asset mapping for contract %s", raw.Source)
	}

	event := &domain.DomainEvent{
		Kind:                domain.EventTransfer,
		Ledger:              domain.LedgerEVM,
		TransactionRef:      tx.Ref,
		ActorAddress:        from,
		CounterpartyAddress: to,
		AssetKind:           asset,
		Quantity:            amount,
		ObservedAt:          tx.Height,
	}
	reclassifyMint(event, EVMNullAddress)
	return event, nil
}

func decodeEVMRedemptionRequested(n *Normalizer, tx ledger.RawTransaction, raw ledger.RawEvent) (*domain.DomainEvent, error) {
	if len(raw.Topics) != 3 {
		return nil, fmt.Errorf("redemption requested log expects 3 topics, got %d", len(raw.Topics))
	}
	redeemer, err := addressFromTopic(raw.Topics[1])
	if err != nil {
		return nil, fmt.Errorf("redeemer: %w", err)
	}
	requestID, err := uint64FromTopic(raw.Topics[2])
	if err != nil {
		return nil, fmt.Errorf("request id: %w", err)
	}
	amount, err := amountFromWord(raw.Data, 0)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	asset := n.assets.Asset(domain.LedgerEVM, raw.Source)
	if asset == "" {
		return nil, fmt.Errorf("no asset mapping for contract %s", raw.Source)
	}

	return &domain.DomainEvent{
		Kind:           domain.EventRedemptionRequested,
		Ledger:         domain.LedgerEVM,
		TransactionRef: tx.Ref,
		RequestID:      requestID,
		ActorAddress:   redeemer,
		AssetKind:      asset,
		Quantity:       amount,
		ObservedAt:     tx.Height,
	}, nil
}

// redemptionStageDecoder builds the decoder shared by the three stage events
// that carry nothing but the request id.
func redemptionStageDecoder(kind domain.EventKind) evmDecoder {
	return func(n *Normalizer, tx ledger.RawTransaction, raw ledger.RawEvent) (*domain.DomainEvent, error) {
		if len(raw.Topics) != 2 {
			return nil, fmt.Errorf("%s log expects 2 topics, got %d", kind, len(raw.Topics))
		}
		requestID, err := uint64FromTopic(raw.Topics[1])
		if err != nil {
			return nil, fmt.Errorf("request id: %w", err)
		}
		return &domain.DomainEvent{
			Kind:           kind,
			Ledger:         domain.LedgerEVM,
			TransactionRef: tx.Ref,
			RequestID:      requestID,
			AssetKind:      n.assets.Asset(domain.LedgerEVM, raw.Source),
			ObservedAt:     tx.Height,
		}, nil
	}
}

// addressFromTopic extracts the 20-byte address from a 32-byte indexed topic.
func addressFromTopic(topic string) (string, error) {
	raw, err := topicBytes(topic)
	if err != nil {
		return "", err
	}
	for _, b := range raw[:12] {
		if b != 0 {
			return "", fmt.Errorf("topic %s is not a padded address", topic)
		}
	}
	return "0x" + hex.EncodeToString(raw[12:]), nil
}

// uint64FromTopic extracts a small uint from a 32-byte indexed topic.
func uint64FromTopic(topic string) (uint64, error) {
	raw, err := topicBytes(topic)
	if err != nil {
		return 0, err
	}
	v := new(big.Int).SetBytes(raw)
	if !v.IsUint64() {
		return 0, fmt.Errorf("topic %s exceeds uint64", topic)
	}
	return v.Uint64(), nil
}

// amountFromWord reads the 32-byte big-endian quantity at word index i.
func amountFromWord(data []byte, i int) (int64, error) {
	start := i * 32
	if len(data) < start+32 {
		return 0, fmt.Errorf("data too short for word %d: %d bytes", i, len(data))
	}
	v := new(big.Int).SetBytes(data[start : start+32])
	if !v.IsInt64() {
		return 0, fmt.Errorf("quantity exceeds int64: %s", v)
	}
	return v.Int64(), nil
}

func topicBytes(topic string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(topic), "0x"))
	if err != nil {
		return nil, fmt.Errorf("topic %s is not hex: %w", topic, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("topic %s is %d bytes, want 32", topic, len(raw))
	}
	return raw, nil
}
