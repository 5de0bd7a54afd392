package services

import (
	"context"
	"strings"

	"example.com/ticketing/services/fulfillment/internal/chain"
	"example.com/ticketing/services/fulfillment/internal/idempotency"
	"example.com/ticketing/services/fulfillment/internal/metrics"
	"example.com/ticketing/services/fulfillment/internal/models"
	"example.com/ticketing/services/fulfillment/internal/tracing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// eventStore is the slice of EventRepository the publish flow needs
type eventStore interface {
	Create(ctx context.Context, event *models.Event) error
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Event, error)
}

// draftStore is the slice of DraftRepository the publish flow needs
type draftStore interface {
	Create(ctx context.Context, draft *models.EventDraft) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.EventDraft, error)
	ListByCreator(ctx context.Context, creator string) ([]models.EventDraft, error)
}

// publishChain is the slice of chain.Client the publish flow needs
type publishChain interface {
	DeployEvent(ctx context.Context, fields models.PublishFields) (address string, txHash string, err error)
	RegisterManager(ctx context.Context, contract, manager string) (txHash string, err error)
}

// sponsorExecutor runs an action through the relay-with-fallback path
type sponsorExecutor interface {
	Execute(ctx context.Context, name string, fallback chain.FallbackAction, enabled bool) (chain.Result, error)
}

// PublishService turns an organizer's publish request into a deployed,
// registered event contract, with duplicate detection and draft recovery
type PublishService struct {
	eventRepo    eventStore
	draftRepo    draftStore
	chainClient  publishChain
	sponsor      sponsorExecutor
	relayEnabled bool
	metrics      *metrics.Metrics
	tracer       tracing.Tracer
}

// NewPublishService creates a new publish service
func NewPublishService(
	eventRepo eventStore,
	draftRepo draftStore,
	chainClient publishChain,
	sponsor sponsorExecutor,
	relayEnabled bool,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
) *PublishService {
	return &PublishService{
		eventRepo:    eventRepo,
		draftRepo:    draftRepo,
		chainClient:  chainClient,
		sponsor:      sponsor,
		relayEnabled: relayEnabled,
		metrics:      metricsCollector,
		tracer:       tracer,
	}
}

// PublishResult is the outcome of one publish attempt
type PublishResult struct {
	Success         bool       `json:"success"`
	Duplicate       bool       `json:"duplicate"`
	EventID         uuid.UUID  `json:"event_id,omitempty"`
	ContractAddress string     `json:"contract_address,omitempty"`
	TxHash          string     `json:"tx_hash,omitempty"`
	Message         string     `json:"message,omitempty"`
	DraftID         *uuid.UUID `json:"draft_id,omitempty"`
	Steps           []chain.Step `json:"steps,omitempty"`
}

// Publish runs the full flow: derive the idempotency key, detect duplicates,
// drive the on-chain steps, persist the event. A failure after an on-chain
// action was attempted saves a draft carrying the entered form state.
func (s *PublishService) Publish(ctx context.Context, fields models.PublishFields, kind string) (*PublishResult, error) {
	txn := s.tracer.StartTransaction("publish-event")
	defer s.tracer.EndTransaction(txn)

	key, err := idempotency.DeriveKey(fields)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "failed to derive idempotency key")
	}
	s.tracer.AddAttribute(txn, "idempotency_key", key)

	// Duplicate publish attempts return the existing record instead of
	// deploying a second contract
	existing, err := s.eventRepo.GetByIdempotencyKey(ctx, key)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}
	if existing != nil {
		log.Info().
			Str("idempotency_key", key).
			Str("contract", existing.ContractAddress).
			Msg("Duplicate publish attempt detected")
		s.metrics.IncrementCounter("publish.duplicate")
		return &PublishResult{
			Success:         true,
			Duplicate:       true,
			EventID:         existing.ID,
			ContractAddress: existing.ContractAddress,
			Message:         "An identical event already exists",
		}, nil
	}

	var contractAddress, deployTxHash string
	stepper := chain.NewStepper([]chain.Step{
		chain.NewStep("deploy", "Deploy event contract", func(ctx context.Context) (string, error) {
			// Tolerates re-invocation: a rerun re-checks the duplicate
			// record before deploying a second contract
			if dup, err := s.eventRepo.GetByIdempotencyKey(ctx, key); err == nil && dup != nil {
				contractAddress = dup.ContractAddress
				deployTxHash = dup.DeployTxHash
				return dup.DeployTxHash, nil
			}

			result, err := s.sponsor.Execute(ctx, "deploy-event", func(ctx context.Context) (string, string, error) {
				addr, hash, err := s.chainClient.DeployEvent(ctx, fields)
				return addr, hash, err
			}, s.relayEnabled)
			if err != nil {
				return "", err
			}
			contractAddress = result.Address
			deployTxHash = result.TxHash
			return result.TxHash, nil
		}),
		chain.NewStep("register-manager", "Register event manager", func(ctx context.Context) (string, error) {
			return s.chainClient.RegisterManager(ctx, contractAddress, strings.TrimSpace(fields.Creator))
		}),
	})

	if err := stepper.Run(ctx); err != nil {
		s.tracer.RecordError(txn, err)
		s.metrics.IncrementCounter("publish.failed")
		return s.failWithDraft(ctx, fields, err, stepper), nil
	}

	event := &models.Event{
		ID:              uuid.New(),
		Creator:         strings.TrimSpace(fields.Creator),
		Title:           strings.TrimSpace(fields.Title),
		Date:            strings.TrimSpace(fields.Date),
		Time:            strings.TrimSpace(fields.Time),
		Location:        strings.TrimSpace(fields.Location),
		Capacity:        fields.Capacity,
		Price:           strings.TrimSpace(fields.Price),
		Currency:        strings.TrimSpace(fields.Currency),
		PaymentMethod:   strings.TrimSpace(fields.PaymentMethod),
		FulfillmentKind: kind,
		IdempotencyKey:  key,
		ContractAddress: contractAddress,
		DeployTxHash:    deployTxHash,
	}

	if err := s.eventRepo.Create(ctx, event); err != nil {
		// A concurrent publish with the same key can win the insert race;
		// resolve it as a duplicate rather than a failure
		if dup, dupErr := s.eventRepo.GetByIdempotencyKey(ctx, key); dupErr == nil && dup != nil {
			return &PublishResult{
				Success:         true,
				Duplicate:       true,
				EventID:         dup.ID,
				ContractAddress: dup.ContractAddress,
				Message:         "An identical event already exists",
			}, nil
		}
		s.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "failed to persist published event")
	}

	log.Info().
		Str("event_id", event.ID.String()).
		Str("contract", contractAddress).
		Msg("Event published")
	s.metrics.IncrementCounter("publish.succeeded")

	return &PublishResult{
		Success:         true,
		EventID:         event.ID,
		ContractAddress: contractAddress,
		TxHash:          deployTxHash,
		Steps:           stepper.Steps(),
	}, nil
}

// failWithDraft saves the entered form state so no input is lost and maps the
// chain error to a user-facing message distinguishing cancellation,
// insufficient funds and generic failure
func (s *PublishService) failWithDraft(ctx context.Context, fields models.PublishFields, cause error, stepper *chain.Stepper) *PublishResult {
	draft := &models.EventDraft{
		ID:            uuid.New(),
		Creator:       strings.TrimSpace(fields.Creator),
		Title:         fields.Title,
		Date:          fields.Date,
		Time:          fields.Time,
		Location:      fields.Location,
		Capacity:      fields.Capacity,
		Price:         fields.Price,
		Currency:      fields.Currency,
		PaymentMethod: fields.PaymentMethod,
		FailureReason: cause.Error(),
	}

	result := &PublishResult{
		Success: false,
		Message: publishFailureMessage(cause),
		Steps:   stepper.Steps(),
	}

	if err := s.draftRepo.Create(ctx, draft); err != nil {
		log.Error().Err(err).Msg("Failed to save draft after publish failure")
		return result
	}

	log.Info().
		Str("draft_id", draft.ID.String()).
		Msg("Draft saved after publish failure")
	result.DraftID = &draft.ID
	return result
}

// GetDraft returns one saved draft so its form state can be re-published
func (s *PublishService) GetDraft(ctx context.Context, id uuid.UUID) (*models.EventDraft, error) {
	return s.draftRepo.GetByID(ctx, id)
}

// ListDrafts returns a creator's saved drafts, newest first
func (s *PublishService) ListDrafts(ctx context.Context, creator string) ([]models.EventDraft, error) {
	return s.draftRepo.ListByCreator(ctx, strings.TrimSpace(creator))
}

// publishFailureMessage maps a chain failure onto the surfaced message
func publishFailureMessage(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "user rejected") || strings.Contains(msg, "user denied"):
		return "Publishing was cancelled: the signature request was declined"
	case strings.Contains(msg, "insufficient funds"):
		return "Publishing failed: insufficient funds to cover the transaction"
	default:
		return "Publishing failed; your entries were saved as a draft"
	}
}
