package normalize

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/mr-tron/base58"

	"github.com/aurum/reconciliation-service/internal/domain"
	"github.com/aurum/reconciliation-service/internal/ledger"
)

const (
	testGoldContract = "0xaaaa00000000000000000000000000000000aaaa"
	testGoldProgram  = "GoLdPrgrm1111111111111111111111111111111111"
)

func testNormalizer() *Normalizer {
	return NewNormalizer(AssetTable{
		domain.LedgerEVM:    {testGoldContract: "GOLD"},
		domain.LedgerSolana: {testGoldProgram: "GOLD"},
	})
}

func evmAddressTopic(address string) string {
	return "0x" + strings.Repeat("00", 12) + strings.TrimPrefix(address, "0x")
}

func evmUintTopic(v uint64) string {
	var word [32]byte
	binary.BigEndian.PutUint64(word[24:], v)
	return "0x" + hex.EncodeToString(word[:])
}

func evmAmountData(v uint64) []byte {
	var word [32]byte
	binary.BigEndian.PutUint64(word[24:], v)
	return word[:]
}

func TestNormalize_EVMTransfer(t *testing.T) {
	sender := "0x1111111111111111111111111111111111111111"
	receiver := "0x2222222222222222222222222222222222222222"
	tx := ledger.RawTransaction{
		Ledger: domain.LedgerEVM,
		Ref:    "0xtx1",
		Height: 120,
		Events: []ledger.RawEvent{{
			Source: testGoldContract,
			Topics: []string{evmTopicTransfer, evmAddressTopic(sender), evmAddressTopic(receiver)},
			Data:   evmAmountData(5000),
		}},
	}

	events, err := testNormalizer().Normalize(tx)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	event := events[0]
	if event.Kind != domain.EventTransfer {
		t.Fatalf("expected transfer, got %s", event.Kind)
	}
	if event.ActorAddress != sender || event.CounterpartyAddress != receiver {
		t.Fatalf("unexpected addresses: %s -> %s", event.ActorAddress, event.CounterpartyAddress)
	}
	if event.Quantity != 5000 || event.AssetKind != "GOLD" || event.ObservedAt != 120 {
		t.Fatalf("unexpected payload: %+v", event)
	}
}

func TestNormalize_EVMNullSourceBecomesMint(t *testing.T) {
	receiver := "0x2222222222222222222222222222222222222222"
	tx := ledger.RawTransaction{
		Ledger: domain.LedgerEVM,
		Ref:    "0xtx2",
		Height: 121,
		Events: []ledger.RawEvent{{
			Source: testGoldContract,
			Topics: []string{evmTopicTransfer, evmAddressTopic(EVMNullAddress), evmAddressTopic(receiver)},
			Data:   evmAmountData(750),
		}},
	}

	events, err := testNormalizer().Normalize(tx)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != domain.EventMint {
		t.Fatalf("expected mint, got %s", events[0].Kind)
	}
	if events[0].ActorAddress != receiver {
		t.Fatalf("expected mint actor to be the recipient, got %s", events[0].ActorAddress)
	}
	if events[0].CounterpartyAddress != "" {
		t.Fatalf("expected no counterparty on mint, got %s", events[0].CounterpartyAddress)
	}
}

func TestNormalize_EVMRedemptionRequested(t *testing.T) {
	redeemer := "0x3333333333333333333333333333333333333333"
	tx := ledger.RawTransaction{
		Ledger: domain.LedgerEVM,
		Ref:    "0xtx3",
		Height: 122,
		Events: []ledger.RawEvent{{
			Source: testGoldContract,
			Topics: []string{evmTopicRedemptionRequested, evmAddressTopic(redeemer), evmUintTopic(42)},
			Data:   evmAmountData(100),
		}},
	}

	events, err := testNormalizer().Normalize(tx)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	event := events[0]
	if event.Kind != domain.EventRedemptionRequested || event.RequestID != 42 || event.Quantity != 100 {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.CorrelationKey() != "evm:req:42" {
		t.Fatalf("unexpected correlation key %s", event.CorrelationKey())
	}
}

func TestNormalize_EVMUnknownTopicDropped(t *testing.T) {
	tx := ledger.RawTransaction{
		Ledger: domain.LedgerEVM,
		Ref:    "0xtx4",
		Events: []ledger.RawEvent{{
			Source: testGoldContract,
			Topics: []string{"0x" + strings.Repeat("ab", 32)},
		}},
	}

	events, err := testNormalizer().Normalize(tx)
	if err != nil {
		t.Fatalf("unknown discriminator must not be an error, got %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestNormalize_EVMMalformedEventDroppedOthersSurvive(t *testing.T) {
	receiver := "0x2222222222222222222222222222222222222222"
	tx := ledger.RawTransaction{
		Ledger: domain.LedgerEVM,
		Ref:    "0xtx5",
		Events: []ledger.RawEvent{
			{
				Source: testGoldContract,
				Topics: []string{evmTopicTransfer, evmAddressTopic(receiver)}, // missing topic
			},
			{
				Source: testGoldContract,
				Topics: []string{evmTopicRedemptionFulfilled, evmUintTopic(7)},
			},
		},
	}

	events, err := testNormalizer().Normalize(tx)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected the well-formed event to survive, got %d", len(events))
	}
	if events[0].Kind != domain.EventRedemptionFulfilled || events[0].RequestID != 7 {
		t.Fatalf("unexpected surviving event: %+v", events[0])
	}
}

func solTransferData(tag [8]byte, from, to string, amount uint64) []byte {
	fromRaw, _ := base58.Decode(from)
	toRaw, _ := base58.Decode(to)
	data := append([]byte{}, tag[:]...)
	data = append(data, pad32(fromRaw)...)
	data = append(data, pad32(toRaw)...)
	var amt [8]byte
	binary.LittleEndian.PutUint64(amt[:], amount)
	return append(data, amt[:]...)
}

func pad32(b []byte) []byte {
	if len(b) >= 32 {
		return b[:32]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

func TestNormalize_SolanaNullSourceBecomesMint(t *testing.T) {
	receiverRaw := make([]byte, 32)
	for i := range receiverRaw {
		receiverRaw[i] = 7
	}
	receiver := base58.Encode(receiverRaw)

	tx := ledger.RawTransaction{
		Ledger: domain.LedgerSolana,
		Ref:    "sig1",
		Height: 999,
		Events: []ledger.RawEvent{{
			Source: testGoldProgram,
			Data:   solTransferData(solTagTransfer, SolanaNullAddress, receiver, 300),
		}},
	}

	events, err := testNormalizer().Normalize(tx)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != domain.EventMint {
		t.Fatalf("expected mint for null-source transfer, got %s", events[0].Kind)
	}
	if events[0].ActorAddress != receiver || events[0].Quantity != 300 {
		t.Fatalf("unexpected mint payload: %+v", events[0])
	}
}

func TestNormalize_SolanaRedemptionStage(t *testing.T) {
	payload := append([]byte{}, solTagRedemptionProcessing[:]...)
	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], 42)
	payload = append(payload, id[:]...)

	tx := ledger.RawTransaction{
		Ledger: domain.LedgerSolana,
		Ref:    "sig2",
		Height: 1000,
		Events: []ledger.RawEvent{{Source: testGoldProgram, Data: payload}},
	}

	events, err := testNormalizer().Normalize(tx)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != domain.EventRedemptionProcessing || events[0].RequestID != 42 {
		t.Fatalf("unexpected event: %+v", events[0])
	}
	if events[0].CorrelationKey() != "solana:req:42" {
		t.Fatalf("unexpected correlation key %s", events[0].CorrelationKey())
	}
}

func TestNormalize_SolanaUnknownTagDropped(t *testing.T) {
	tx := ledger.RawTransaction{
		Ledger: domain.LedgerSolana,
		Ref:    "sig3",
		Events: []ledger.RawEvent{{
			Source: testGoldProgram,
			Data:   []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x11, 0x22, 0x33, 0x44},
		}},
	}

	events, err := testNormalizer().Normalize(tx)
	if err != nil {
		t.Fatalf("unknown tag must not be an error, got %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestNormalize_UnmappedAssetDropped(t *testing.T) {
	sender := "0x1111111111111111111111111111111111111111"
	receiver := "0x2222222222222222222222222222222222222222"
	tx := ledger.RawTransaction{
		Ledger: domain.LedgerEVM,
		Ref:    "0xtx6",
		Events: []ledger.RawEvent{{
			Source: "0xffff00000000000000000000000000000000ffff",
			Topics: []string{evmTopicTransfer, evmAddressTopic(sender), evmAddressTopic(receiver)},
			Data:   evmAmountData(1),
		}},
	}

	events, err := testNormalizer().Normalize(tx)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected unmapped contract event to be dropped, got %d", len(events))
	}
}
