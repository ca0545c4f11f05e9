/**
 * @description
 * This package decodes ledger-specific raw transaction payloads into the
 * closed set of canonical DomainEvents. Decoding is table-driven off fixed
 * discriminators: the EVM side keys on the 32-byte topic0 event signature,
 * the Solana side on the 8-byte instruction tag. Payload shape is never
 * guessed from length alone.
 *
 * @notes
 * - A Transfer whose source is the ledger's null/burn address is always
 *   reclassified as Mint. Mints have no counterparty record to update;
 *   transfers do, so conflating the two corrupts downstream handling.
 * - Unrecognized discriminators are dropped with a diagnostic, not errors:
 *   watched contracts emit housekeeping events this service does not model.
 * - Which asset an address maps to is configuration (AssetTable), not
 *   inferred control flow.
 */

package normalize

import (
	"fmt"
	"log"
	"strings"

	"github.com/aurum/reconciliation-service/internal/domain"
	"github.com/aurum/reconciliation-service/internal/ledger"
)

// AssetTable maps, per ledger, a contract/program address to the asset kind
// it carries (e.g. GOLD, SILVER). EVM keys are stored lowercase since hex
// addresses are case-insensitive; base58 Solana addresses are case-sensitive
// and stored verbatim.
type AssetTable map[domain.Ledger]map[string]string

// Asset resolves the asset kind for an emitting address. Empty when unmapped.
func (t AssetTable) Asset(l domain.Ledger, address string) string {
	byAddress, ok := t[l]
	if !ok {
		return ""
	}
	if l == domain.LedgerEVM {
		address = strings.ToLower(address)
	}
	return byAddress[address]
}

// Normalizer converts raw transactions into DomainEvents.
type Normalizer struct {
	assets AssetTable
}

// NewNormalizer creates a normalizer with the given asset configuration.
func NewNormalizer(assets AssetTable) *Normalizer {
	return &Normalizer{assets: assets}
}

// Normalize decodes every recognized event in one raw transaction. A single
// transaction may emit several DomainEvents (e.g. a gift that both transfers
// tokens and updates a redemption). Individual undecodable events are
// dropped with a diagnostic; an error is returned only when the transaction
// itself is unusable.
func (n *Normalizer) Normalize(tx ledger.RawTransaction) ([]domain.DomainEvent, error) {
	if tx.Ref == "" {
		return nil, fmt.Errorf("raw transaction without reference on %s", tx.Ledger)
	}

	var events []domain.DomainEvent
	for _, raw := range tx.Events {
		var (
			event *domain.DomainEvent
			err   error
		)
		switch tx.Ledger {
		case domain.LedgerEVM:
			event, err = n.decodeEVMEvent(tx, raw)
		case domain.LedgerSolana:
			event, err = n.decodeSolanaEvent(tx, raw)
		default:
			return nil, fmt.Errorf("unknown ledger %q", tx.Ledger)
		}
		if err != nil {
			log.Printf("level=warn component=normalizer msg=\"event dropped\" ledger=%s tx=%s err=%v", tx.Ledger, tx.Ref, err)
			continue
		}
		if event == nil {
			continue // unrecognized discriminator, already logged
		}
		events = append(events, *event)
	}
	return events, nil
}

// reclassifyMint applies the hard null-source rule for both ledger families.
func reclassifyMint(event *domain.DomainEvent, nullAddress string) {
	if event.Kind != domain.EventTransfer {
		return
	}
	if strings.EqualFold(event.ActorAddress, nullAddress) {
		event.Kind = domain.EventMint
		// The recipient of freshly minted supply is the acting party.
		event.ActorAddress = event.CounterpartyAddress
		event.CounterpartyAddress = ""
	}
}
