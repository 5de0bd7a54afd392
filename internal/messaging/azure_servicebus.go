package messaging

import (
	"context"
	"encoding/json"
	"time"

	"example.com/ticketing/services/fulfillment/config"
	"example.com/ticketing/services/fulfillment/internal/tracing"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// FulfillmentJob is the queue payload carrying one order to fulfill on-chain.
// The webhook handler enqueues it; the worker executes it.
type FulfillmentJob struct {
	Reference       string `json:"reference"`
	FulfillmentKind string `json:"fulfillment_kind"`
	EventID         string `json:"event_id"`
	Recipient       string `json:"recipient"`
}

// MessageHandler processes one received queue message
type MessageHandler func(ctx context.Context, message *azservicebus.ReceivedMessage) error

// AzureServiceBus wraps the Service Bus client for the fulfillment job queue
type AzureServiceBus struct {
	client    *azservicebus.Client
	sender    *azservicebus.Sender
	queueName string
	tracer    tracing.Tracer
}

// NewAzureServiceBus creates a new Service Bus client for the configured queue
func NewAzureServiceBus(cfg config.AzureConfig, tracer tracing.Tracer) (*AzureServiceBus, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}

	return &AzureServiceBus{
		client:    client,
		sender:    sender,
		queueName: cfg.QueueName,
		tracer:    tracer,
	}, nil
}

// EnqueueFulfillment sends one fulfillment job to the queue
func (s *AzureServiceBus) EnqueueFulfillment(ctx context.Context, job FulfillmentJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "failed to marshal fulfillment job")
	}

	msg := &azservicebus.Message{
		Body: data,
		ApplicationProperties: map[string]interface{}{
			"source": "fulfillment-webhook",
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	}

	if err := s.sender.SendMessage(ctx, msg, nil); err != nil {
		return errors.Wrap(err, "failed to send fulfillment job")
	}

	log.Info().
		Str("reference", job.Reference).
		Str("queue", s.queueName).
		Msg("Fulfillment job enqueued")
	return nil
}

// ProcessMessages receives queue messages until the context is cancelled,
// passing each to the handler. A handler error abandons the message so the
// queue redelivers it.
func (s *AzureServiceBus) ProcessMessages(ctx context.Context, handler MessageHandler) error {
	receiver, err := s.client.NewReceiverForQueue(s.queueName, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create Service Bus receiver")
	}
	defer receiver.Close(context.Background())

	for {
		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Failed to receive messages, retrying")
			continue
		}

		for _, message := range messages {
			txn := s.tracer.StartTransaction("process-fulfillment-job")

			if err := handler(ctx, message); err != nil {
				s.tracer.RecordError(txn, err)
				s.tracer.EndTransaction(txn)
				log.Error().Err(err).Msg("Failed to process message, abandoning for redelivery")
				if abandonErr := receiver.AbandonMessage(ctx, message, nil); abandonErr != nil {
					log.Error().Err(abandonErr).Msg("Failed to abandon message")
				}
				continue
			}

			s.tracer.EndTransaction(txn)
			if err := receiver.CompleteMessage(ctx, message, nil); err != nil {
				log.Error().Err(err).Msg("Failed to complete message")
			}
		}
	}
}

// ParseFulfillmentJob extracts a fulfillment job from a queue message
func ParseFulfillmentJob(message *azservicebus.ReceivedMessage) (*FulfillmentJob, error) {
	var job FulfillmentJob
	if err := json.Unmarshal(message.Body, &job); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal fulfillment job")
	}
	if job.Reference == "" {
		return nil, errors.New("fulfillment job missing reference")
	}
	return &job, nil
}

// Close closes the Service Bus client
func (s *AzureServiceBus) Close() error {
	if s.sender != nil {
		if err := s.sender.Close(context.Background()); err != nil {
			return errors.Wrap(err, "failed to close Service Bus sender")
		}
	}
	if s.client != nil {
		return s.client.Close(context.Background())
	}
	return nil
}
