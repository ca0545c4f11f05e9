/**
 * @description
 * This file implements the per-record-kind lifecycle state machine. The
 * reconciliation engine proposes a target status for a record and the machine
 * decides whether the transition is applied, silently absorbed (duplicate or
 * out-of-order delivery), or rejected as invalid.
 *
 * @notes
 * - Transition application is idempotent: proposing the current status, or
 *   any status at or below the record's progress, is a no-op rather than an
 *   error. Terminal statuses absorb everything.
 * - Transfers and purchases only ever move pending -> completed; a confirmed
 *   on-chain movement cannot be rolled back by this system, so there is no
 *   cancelled state for them.
 */

package lifecycle

import (
	"fmt"

	"github.com/aurum/reconciliation-service/internal/domain"
)

// Decision is the outcome of proposing a transition.
type Decision int

const (
	// Applied means the record should move to the proposed status.
	Applied Decision = iota
	// NoOp means the proposal is a duplicate or out-of-order replay and the
	// record must be left unchanged.
	NoOp
	// Invalid means the proposal is not in the record kind's transition set.
	Invalid
)

// statusRank orders statuses by lifecycle progress. Terminal statuses share
// the top rank so neither can replace the other.
var statusRank = map[string]int{
	domain.StatusPending:    0,
	domain.StatusProcessing: 1,
	domain.StatusCompleted:  2,
	domain.StatusCancelled:  2,
}

// transitions lists the valid (from, to) pairs per record kind.
var transitions = map[domain.RecordKind]map[string][]string{
	domain.RecordTransfer: {
		domain.StatusPending: {domain.StatusCompleted},
	},
	domain.RecordPurchase: {
		domain.StatusPending: {domain.StatusCompleted},
	},
	domain.RecordRedemption: {
		domain.StatusPending:    {domain.StatusProcessing, domain.StatusCompleted, domain.StatusCancelled},
		domain.StatusProcessing: {domain.StatusCompleted, domain.StatusCancelled},
	},
}

// Propose evaluates moving a record of the given kind from its current status
// to the target status.
func Propose(kind domain.RecordKind, current, target string) (Decision, error) {
	currentRank, ok := statusRank[current]
	if !ok {
		return Invalid, fmt.Errorf("unknown current status %q", current)
	}
	targetRank, ok := statusRank[target]
	if !ok {
		return Invalid, fmt.Errorf("unknown target status %q", target)
	}

	// Duplicate delivery or an ordering anomaly proposing a regression:
	// leave the record at its more advanced status.
	if targetRank <= currentRank {
		return NoOp, nil
	}

	kindTransitions, ok := transitions[kind]
	if !ok {
		return Invalid, fmt.Errorf("unknown record kind %q", kind)
	}
	for _, allowed := range kindTransitions[current] {
		if allowed == target {
			return Applied, nil
		}
	}
	return Invalid, fmt.Errorf("no transition %s -> %s for %s records", current, target, kind)
}

// NotificationStage maps an applied status to the notification stage that the
// transition should trigger. Redemption completion is reported as "fulfilled"
// to distinguish it from transfer/purchase completion downstream.
func NotificationStage(kind domain.RecordKind, status string) string {
	switch status {
	case domain.StatusProcessing:
		return domain.StageProcessing
	case domain.StatusCancelled:
		return domain.StageCancelled
	case domain.StatusCompleted:
		if kind == domain.RecordRedemption {
			return domain.StageFulfilled
		}
		return domain.StageCompleted
	}
	return ""
}
