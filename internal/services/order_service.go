package services

import (
	"context"
	"time"

	"example.com/ticketing/services/fulfillment/internal/cache"
	"example.com/ticketing/services/fulfillment/internal/messaging"
	"example.com/ticketing/services/fulfillment/internal/metrics"
	"example.com/ticketing/services/fulfillment/internal/models"
	"example.com/ticketing/services/fulfillment/internal/reconciler"
	"example.com/ticketing/services/fulfillment/internal/retry"
	"example.com/ticketing/services/fulfillment/internal/tracing"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// orderStore is the slice of OrderRepository the fulfillment flow needs
type orderStore interface {
	Create(ctx context.Context, order *models.FulfillmentOrder) error
	GetByReference(ctx context.Context, reference string) (*models.FulfillmentOrder, error)
	Claim(ctx context.Context, reference, writer string) (bool, error)
	ReleaseClaim(ctx context.Context, reference string) error
	MarkPaid(ctx context.Context, reference string) error
	MarkFulfilled(ctx context.Context, reference, txHash, attestationUID string) error
	RecordIssuance(ctx context.Context, reference, txHash, attestationUID string) error
	MarkFailed(ctx context.Context, reference, reason string) error
	IncrementAttempts(ctx context.Context, reference string) error
	SweepTimeouts(ctx context.Context, olderThan time.Time) (int64, error)
}

// eventGetter looks up the event an order belongs to
type eventGetter interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error)
}

// fulfillChain is the slice of chain.Client that issues tickets and attestations
type fulfillChain interface {
	MintTicket(ctx context.Context, contract, recipient, reference string) (tokenID string, txHash string, err error)
	Attest(ctx context.Context, schemaUID, recipient string, payload []byte) (uid string, txHash string, err error)
}

// jobQueue enqueues fulfillment jobs for the worker
type jobQueue interface {
	EnqueueFulfillment(ctx context.Context, job messaging.FulfillmentJob) error
}

// statusCache is the slice of the Redis cache the order flow needs
type statusCache interface {
	Get(ctx context.Context, key string, value interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	ClaimOnce(ctx context.Context, key string, expiration time.Duration) (bool, error)
}

// issuanceIndexer pushes issuance outcomes to the search index
type issuanceIndexer interface {
	IndexTicket(ctx context.Context, ticket *models.IssuedTicket, reference string) error
	IndexAttestation(ctx context.Context, record *models.AttestationRecord, eventID string) error
}

// OrderService owns the payment-to-issuance lifecycle of fulfillment orders:
// webhook intake, claim discipline, on-chain issuance and the status reads the
// reconciler observes
type OrderService struct {
	orderRepo       orderStore
	eventRepo       eventGetter
	attestationRepo attestationWriter
	ticketRepo      ticketWriter
	chainClient     fulfillChain
	queue           jobQueue
	cache           statusCache
	indexer         issuanceIndexer
	writerID        string
	orderTimeout    time.Duration
	metrics         *metrics.Metrics
	tracer          tracing.Tracer
}

// attestationWriter and ticketWriter are the idempotent insert surfaces of
// their repositories
type attestationWriter interface {
	CreateIfAbsent(ctx context.Context, record *models.AttestationRecord) error
}

type ticketWriter interface {
	CreateIfAbsent(ctx context.Context, ticket *models.IssuedTicket) error
	GetByOrder(ctx context.Context, orderID uuid.UUID) (*models.IssuedTicket, error)
}

// NewOrderService creates a new order service. The queue and indexer are
// optional; without a queue the webhook fulfills inline.
func NewOrderService(
	orderRepo orderStore,
	eventRepo eventGetter,
	attestationRepo attestationWriter,
	ticketRepo ticketWriter,
	chainClient fulfillChain,
	queue jobQueue,
	cacheStore statusCache,
	indexer issuanceIndexer,
	writerID string,
	orderTimeout time.Duration,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
) *OrderService {
	return &OrderService{
		orderRepo:       orderRepo,
		eventRepo:       eventRepo,
		attestationRepo: attestationRepo,
		ticketRepo:      ticketRepo,
		chainClient:     chainClient,
		queue:           queue,
		cache:           cacheStore,
		indexer:         indexer,
		writerID:        writerID,
		orderTimeout:    orderTimeout,
		metrics:         metricsCollector,
		tracer:          tracer,
	}
}

// CreateOrderInput carries the fields needed to open a pending order
type CreateOrderInput struct {
	Reference       string
	EventID         uuid.UUID
	Recipient       string
	FulfillmentKind string
	Amount          int64
	Currency        string
	PaymentMethod   string
}

// CreateOrder opens a pending order for a purchase reference
func (s *OrderService) CreateOrder(ctx context.Context, input CreateOrderInput) (*models.FulfillmentOrder, error) {
	if input.Reference == "" {
		return nil, errors.New("order reference is required")
	}
	kind := input.FulfillmentKind
	if kind == "" {
		kind = models.FulfillmentKindTicket
	}

	order := &models.FulfillmentOrder{
		ID:              uuid.New(),
		Reference:       input.Reference,
		EventID:         input.EventID,
		Recipient:       input.Recipient,
		Status:          models.OrderStatusPending,
		FulfillmentKind: kind,
		Amount:          input.Amount,
		Currency:        input.Currency,
		PaymentMethod:   input.PaymentMethod,
	}
	if err := s.orderRepo.Create(ctx, order); err != nil {
		return nil, errors.Wrap(err, "failed to create order")
	}

	log.Info().
		Str("reference", order.Reference).
		Str("fulfillment_kind", kind).
		Msg("Order created")
	s.metrics.IncrementCounter("orders.created")
	return order, nil
}

// ReadOrder reads the reconciliation snapshot for a reference. A missing
// record returns nil, nil: observers treat that as still pending, not as an
// error. Terminal snapshots are served from cache when available.
func (s *OrderService) ReadOrder(ctx context.Context, reference string) (*reconciler.Snapshot, error) {
	if s.cache != nil {
		var cached reconciler.Snapshot
		if err := s.cache.Get(ctx, cache.GetOrderStatusCacheKey(reference), &cached); err == nil {
			return &cached, nil
		}
	}

	order, err := s.orderRepo.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, nil
	}

	snap := &reconciler.Snapshot{
		Reference:      order.Reference,
		Status:         order.Status,
		Issued:         order.Issued(),
		TxHash:         order.TxHash,
		AttestationUID: order.AttestationUID,
	}

	// Terminal states never change again, so they are safe to cache
	if s.cache != nil && order.Terminal() {
		if err := s.cache.Set(ctx, cache.GetOrderStatusCacheKey(reference), snap, 10*time.Minute); err != nil {
			log.Warn().Err(err).Str("reference", reference).Msg("Failed to cache order status")
		}
	}
	return snap, nil
}

// WebhookDelivery is one payment gateway callback, already signature-verified
// by the transport layer
type WebhookDelivery struct {
	DeliveryID string `json:"delivery_id"`
	Reference  string `json:"reference"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
}

// HandleWebhook processes one gateway delivery: dedupe on the delivery id,
// advance the order, then hand fulfillment to the worker queue. Gateways
// redeliver; the forward-only status guards make repeats harmless even when
// the dedupe window has lapsed.
func (s *OrderService) HandleWebhook(ctx context.Context, delivery WebhookDelivery) error {
	txn := s.tracer.StartTransaction("payment-webhook")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "reference", delivery.Reference)

	if s.cache != nil && delivery.DeliveryID != "" {
		first, err := s.cache.ClaimOnce(ctx, cache.GetWebhookDeliveryKey(delivery.DeliveryID), 24*time.Hour)
		if err != nil {
			log.Warn().Err(err).Msg("Webhook dedupe check failed, continuing")
		} else if !first {
			log.Info().
				Str("delivery_id", delivery.DeliveryID).
				Msg("Duplicate webhook delivery ignored")
			s.metrics.IncrementCounter("webhooks.duplicate")
			return nil
		}
	}

	order, err := s.orderRepo.GetByReference(ctx, delivery.Reference)
	if err != nil {
		return err
	}
	if order == nil {
		return errors.Errorf("no order for reference %s", delivery.Reference)
	}
	if order.Terminal() {
		log.Info().
			Str("reference", delivery.Reference).
			Str("status", order.Status).
			Msg("Webhook for terminal order ignored")
		return nil
	}

	if delivery.Status != "succeeded" {
		reason := delivery.Reason
		if reason == "" {
			reason = "payment " + delivery.Status
		}
		if err := s.orderRepo.MarkFailed(ctx, delivery.Reference, reason); err != nil {
			return err
		}
		s.metrics.IncrementCounter("orders.payment_failed")
		return nil
	}

	if err := s.orderRepo.MarkPaid(ctx, delivery.Reference); err != nil {
		return err
	}
	s.metrics.IncrementCounter("orders.paid")

	job := messaging.FulfillmentJob{
		Reference:       order.Reference,
		FulfillmentKind: order.FulfillmentKind,
		EventID:         order.EventID.String(),
		Recipient:       order.Recipient,
	}
	if s.queue != nil {
		if err := s.queue.EnqueueFulfillment(ctx, job); err != nil {
			// The paid order stays in the table; the timeout sweep or a
			// redelivered webhook picks it up
			return errors.Wrap(err, "failed to enqueue fulfillment job")
		}
		return nil
	}
	return s.Fulfill(ctx, order.Reference)
}

// Fulfill executes the on-chain issuance for a paid order. Exactly one writer
// holds the claim; a losing writer returns without error. A transient chain
// failure releases the claim and returns the error so the queue redelivers;
// a fatal failure marks the order failed.
func (s *OrderService) Fulfill(ctx context.Context, reference string) error {
	txn := s.tracer.StartTransaction("fulfill-order")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "reference", reference)

	order, err := s.orderRepo.GetByReference(ctx, reference)
	if err != nil {
		return err
	}
	if order == nil {
		return errors.Errorf("no order for reference %s", reference)
	}
	if order.Terminal() {
		return nil
	}
	if order.Status != models.OrderStatusPaid {
		return errors.Errorf("order %s is %s, not paid", reference, order.Status)
	}

	claimed, err := s.orderRepo.Claim(ctx, reference, s.writerID)
	if err != nil {
		return err
	}
	if !claimed {
		log.Info().Str("reference", reference).Msg("Order already claimed by another writer")
		return nil
	}

	if err := s.orderRepo.IncrementAttempts(ctx, reference); err != nil {
		log.Warn().Err(err).Str("reference", reference).Msg("Failed to bump attempt count")
	}

	start := time.Now()
	issueErr := s.issue(ctx, order)
	if issueErr == nil {
		s.metrics.RecordSuccess("fulfill")
		s.metrics.RecordTimer("fulfill.duration", time.Since(start).Milliseconds())
		return nil
	}
	s.metrics.RecordError("fulfill")
	s.tracer.RecordError(txn, issueErr)

	if !retry.Classify(issueErr) {
		log.Error().Err(issueErr).Str("reference", reference).Msg("Fulfillment failed fatally")
		if err := s.orderRepo.MarkFailed(ctx, reference, issueErr.Error()); err != nil {
			log.Error().Err(err).Str("reference", reference).Msg("Failed to mark order failed")
		}
		// Terminal outcome reached; the message must not redeliver
		return nil
	}

	// Transient: release the claim so the next delivery retries
	if err := s.orderRepo.ReleaseClaim(ctx, reference); err != nil {
		log.Error().Err(err).Str("reference", reference).Msg("Failed to release claim")
	}
	return issueErr
}

// issue performs the kind-specific on-chain action and records the outcome
func (s *OrderService) issue(ctx context.Context, order *models.FulfillmentOrder) error {
	event, err := s.getEvent(ctx, order.EventID)
	if err != nil {
		return err
	}

	switch order.FulfillmentKind {
	case models.FulfillmentKindAttestation:
		err = s.issueAttestation(ctx, order, event)
	default:
		err = s.issueTicket(ctx, order, event)
	}
	if err != nil {
		return err
	}

	log.Info().
		Str("reference", order.Reference).
		Str("fulfillment_kind", order.FulfillmentKind).
		Msg("Order fulfilled")
	s.metrics.IncrementCounter("orders.fulfilled")
	return nil
}

func (s *OrderService) issueAttestation(ctx context.Context, order *models.FulfillmentOrder, event *models.Event) error {
	uid, txHash, err := s.chainClient.Attest(ctx, event.SchemaUID, order.Recipient, []byte(order.Reference))
	if err != nil {
		return err
	}
	if err := s.orderRepo.RecordIssuance(ctx, order.Reference, txHash, uid); err != nil {
		return err
	}
	record := &models.AttestationRecord{
		ID:           uuid.New(),
		UID:          uid,
		SchemaUID:    event.SchemaUID,
		Subject:      order.Reference,
		Recipient:    order.Recipient,
		TxHash:       txHash,
		DelegationID: order.ID,
	}
	if err := s.attestationRepo.CreateIfAbsent(ctx, record); err != nil {
		return err
	}
	if err := s.orderRepo.MarkFulfilled(ctx, order.Reference, txHash, uid); err != nil {
		return err
	}
	s.indexAttestation(ctx, record, order.EventID.String())
	return nil
}

func (s *OrderService) issueTicket(ctx context.Context, order *models.FulfillmentOrder, event *models.Event) error {
	// A prior attempt may have minted before its status writes were lost;
	// reuse that ticket instead of minting a second one
	existing, err := s.ticketRepo.GetByOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		log.Info().
			Str("reference", order.Reference).
			Str("tx_hash", existing.TxHash).
			Msg("Reusing ticket from an earlier attempt")
		if err := s.orderRepo.RecordIssuance(ctx, order.Reference, existing.TxHash, ""); err != nil {
			return err
		}
		return s.orderRepo.MarkFulfilled(ctx, order.Reference, existing.TxHash, "")
	}

	tokenID, txHash, err := s.chainClient.MintTicket(ctx, event.ContractAddress, order.Recipient, order.Reference)
	if err != nil {
		return err
	}
	if err := s.orderRepo.RecordIssuance(ctx, order.Reference, txHash, ""); err != nil {
		return err
	}
	ticket := &models.IssuedTicket{
		ID:        uuid.New(),
		OrderID:   order.ID,
		Recipient: order.Recipient,
		EventID:   order.EventID,
		TokenID:   tokenID,
		TxHash:    txHash,
	}
	if err := s.ticketRepo.CreateIfAbsent(ctx, ticket); err != nil {
		return err
	}
	if err := s.orderRepo.MarkFulfilled(ctx, order.Reference, txHash, ""); err != nil {
		return err
	}
	s.indexTicket(ctx, ticket, order.Reference)
	return nil
}

// getEvent reads an event through the cache. Event rows are immutable after
// publish, so cached copies never go stale.
func (s *OrderService) getEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	key := cache.GetEventCacheKey(id.String())
	if s.cache != nil {
		var cached models.Event
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			return &cached, nil
		}
	}

	event, err := s.eventRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, event, time.Hour); err != nil {
			log.Warn().Err(err).Str("event_id", id.String()).Msg("Failed to cache event")
		}
	}
	return event, nil
}

// Search indexing is best effort; a missing document never blocks an order
func (s *OrderService) indexTicket(ctx context.Context, ticket *models.IssuedTicket, reference string) {
	if s.indexer == nil {
		return
	}
	if err := s.indexer.IndexTicket(ctx, ticket, reference); err != nil {
		log.Warn().Err(err).Str("reference", reference).Msg("Failed to index issued ticket")
	}
}

func (s *OrderService) indexAttestation(ctx context.Context, record *models.AttestationRecord, eventID string) {
	if s.indexer == nil {
		return
	}
	if err := s.indexer.IndexAttestation(ctx, record, eventID); err != nil {
		log.Warn().Err(err).Str("uid", record.UID).Msg("Failed to index attestation")
	}
}

// ProcessFulfillmentMessage is the queue handler the worker registers
func (s *OrderService) ProcessFulfillmentMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error {
	job, err := messaging.ParseFulfillmentJob(message)
	if err != nil {
		return err
	}
	return s.Fulfill(ctx, job.Reference)
}

// SweepTimeouts expires pending orders older than the configured horizon
func (s *OrderService) SweepTimeouts(ctx context.Context) error {
	horizon := time.Now().Add(-s.orderTimeout)
	swept, err := s.orderRepo.SweepTimeouts(ctx, horizon)
	if err != nil {
		return err
	}
	if swept > 0 {
		log.Info().Int64("count", swept).Msg("Pending orders moved to timeout")
		s.metrics.IncrementCounterBy("orders.timed_out", swept)
	}
	return nil
}
