/**
 * @description
 * This file implements the notification dispatcher. One notification may be
 * sent per (record, lifecycle stage) pair; the dispatcher publishes the
 * stage event to RabbitMQ, where the platform's email service consumes it
 * and performs the actual send.
 *
 * @notes
 * - The dispatcher reports success or failure to the engine and nothing
 *   else. The engine owns the notified-flag bookkeeping: the flag is only
 *   persisted after Notify returns nil, so a failed publish is retried by
 *   the next duplicate delivery of the same event.
 */

package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/aurum/reconciliation-service/internal/domain"
	"github.com/aurum/reconciliation-service/pkg/rabbitmq"
)

// Exchange is the topic exchange lifecycle notifications are published to.
const Exchange = "reconciliation_events"

// Dispatcher sends exactly-one notification per (record, stage) on success.
type Dispatcher interface {
	Notify(ctx context.Context, record *domain.Record, stage string) error
}

// StageNotification is the payload the email service consumes.
type StageNotification struct {
	RecordID       uuid.UUID         `json:"record_id"`
	RecordKind     domain.RecordKind `json:"record_kind"`
	Stage          string            `json:"stage"`
	UserID         uuid.UUID         `json:"user_id"`
	Ledger         domain.Ledger     `json:"ledger"`
	RecipientAddr  string            `json:"recipient_address"`
	AssetKind      string            `json:"asset_kind"`
	Quantity       int64             `json:"quantity"`
	TransactionRef string            `json:"transaction_ref,omitempty"`
	RequestID      *uint64           `json:"request_id,omitempty"`
}

// AMQPDispatcher publishes stage notifications through RabbitMQ.
type AMQPDispatcher struct {
	producer rabbitmq.Publisher
}

// NewAMQPDispatcher creates a dispatcher backed by the given producer.
func NewAMQPDispatcher(producer rabbitmq.Publisher) *AMQPDispatcher {
	return &AMQPDispatcher{producer: producer}
}

// Notify publishes the stage event. Routing key shape:
// notification.<kind>.<stage>, e.g. notification.redemption.fulfilled.
func (d *AMQPDispatcher) Notify(ctx context.Context, record *domain.Record, stage string) error {
	if d.producer == nil {
		return fmt.Errorf("notification producer unavailable")
	}

	payload := StageNotification{
		RecordID:      record.ID,
		RecordKind:    record.Kind,
		Stage:         stage,
		UserID:        record.UserID,
		Ledger:        record.Ledger,
		RecipientAddr: record.ActorAddress,
		AssetKind:     record.AssetKind,
		Quantity:      record.Quantity,
		RequestID:     record.RequestID,
	}
	if record.TransactionRef != nil {
		payload.TransactionRef = *record.TransactionRef
	}

	routingKey := fmt.Sprintf("notification.%s.%s", record.Kind, stage)
	return d.producer.Publish(ctx, Exchange, routingKey, payload)
}
