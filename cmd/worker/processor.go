package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/imrishuroy/restaurant-orderflow/internal/observability"
	"github.com/imrishuroy/restaurant-orderflow/internal/orders"
)

// errPoison marks a message that can never succeed; it is acknowledged and logged.
var errPoison = errors.New("poison message")

type statusUpdater interface {
	UpdateStatus(ctx context.Context, tenantID, orderID string, target orders.Status, actor orders.Actor) (*orders.Order, error)
}

// Processor applies status commands from SQS through the orders service.
type Processor struct {
	orders statusUpdater
	logger *zap.Logger
}

// NewProcessor creates a new worker processor.
func NewProcessor(svc statusUpdater, logger *zap.Logger) *Processor {
	return &Processor{orders: svc, logger: observability.OrNop(logger).Named("worker")}
}

// Handle processes a batch and reports only the messages worth retrying. Typed rejections and
// malformed bodies are acknowledged; infrastructure errors go back to the queue.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		log := p.logger.With(zap.String("message_id", rec.MessageId))
		err := p.processMessage(observability.WithLogger(ctx, log), rec)
		switch {
		case err == nil:
		case errors.Is(err, errPoison):
			log.Error("worker.message.dropped", zap.Error(err))
		case orders.IsRejection(err):
			log.Warn("worker.command.rejected", zap.Error(err))
		default:
			log.Error("worker.command.retry", zap.Error(err))
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var cmd StatusCommand
	if err := json.Unmarshal([]byte(rec.Body), &cmd); err != nil {
		return fmt.Errorf("%w: invalid message body: %v", errPoison, err)
	}
	if cmd.TenantID == "" || cmd.OrderID == "" {
		return fmt.Errorf("%w: tenant_id and order_id are required", errPoison)
	}
	target, err := orders.ParseStatus(cmd.Status)
	if err != nil {
		return fmt.Errorf("%w: %v", errPoison, err)
	}
	actor, err := commandActor(cmd, rec.MessageId)
	if err != nil {
		return err
	}

	log := observability.FromContext(ctx, p.logger)
	log.Info("worker.command.received",
		zap.String("tenant_id", cmd.TenantID),
		zap.String("order_id", cmd.OrderID),
		zap.String("target", string(target)),
		zap.String("correlation_id", cmd.CorrelationID))

	order, err := p.orders.UpdateStatus(ctx, cmd.TenantID, cmd.OrderID, target, actor)
	if err != nil {
		return err
	}
	log.Info("worker.command.applied", zap.String("order_id", order.OrderID), zap.Int64("version", order.Version))
	return nil
}

// commandActor restricts queue producers to the machine actors that publish commands.
func commandActor(cmd StatusCommand, messageID string) (orders.Actor, error) {
	actor := orders.Actor{
		Type:      orders.ActorType(cmd.ActorType),
		ID:        cmd.ActorID,
		RequestID: messageID,
		Reason:    cmd.Reason,
	}
	switch actor.Type {
	case "":
		actor.Type = orders.ActorSystem
	case orders.ActorPayment, orders.ActorKitchen, orders.ActorStaff, orders.ActorSystem:
	default:
		return orders.Actor{}, fmt.Errorf("%w: unsupported actor type %q", errPoison, cmd.ActorType)
	}
	return actor, nil
}
