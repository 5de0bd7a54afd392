package repositories

import (
	"context"
	"time"

	"example.com/ticketing/services/fulfillment/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EventRepository provides access to published events
type EventRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *gorm.DB, readOnlyDB *gorm.DB) *EventRepository {
	return &EventRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Create persists a newly published event
func (r *EventRepository) Create(ctx context.Context, event *models.Event) error {
	// Use write DB for writes
	return r.db.WithContext(ctx).Create(event).Error
}

// GetByID gets an event by ID
func (r *EventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	var event models.Event
	err := r.readOnlyDB.WithContext(ctx).First(&event, id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get event by ID")
	}
	return &event, nil
}

// GetByIdempotencyKey looks up an event by its publish digest. A nil event
// with a nil error means no duplicate exists.
func (r *EventRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.Event, error) {
	var event models.Event
	err := r.readOnlyDB.WithContext(ctx).Where("idempotency_key = ?", key).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up event by idempotency key")
	}
	return &event, nil
}

// DraftRepository provides access to saved publish drafts
type DraftRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewDraftRepository creates a new draft repository
func NewDraftRepository(db *gorm.DB, readOnlyDB *gorm.DB) *DraftRepository {
	return &DraftRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Create saves a draft carrying the full entered form state
func (r *DraftRepository) Create(ctx context.Context, draft *models.EventDraft) error {
	return r.db.WithContext(ctx).Create(draft).Error
}

// GetByID gets a draft by ID
func (r *DraftRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.EventDraft, error) {
	var draft models.EventDraft
	err := r.readOnlyDB.WithContext(ctx).First(&draft, id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get draft by ID")
	}
	return &draft, nil
}

// ListByCreator lists drafts for a creator, newest first
func (r *DraftRepository) ListByCreator(ctx context.Context, creator string) ([]models.EventDraft, error) {
	var drafts []models.EventDraft
	err := r.readOnlyDB.WithContext(ctx).
		Where("creator = ?", creator).
		Order("created_at DESC").
		Find(&drafts).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list drafts")
	}
	return drafts, nil
}

// OrderRepository provides access to fulfillment orders
type OrderRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *gorm.DB, readOnlyDB *gorm.DB) *OrderRepository {
	return &OrderRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Create persists a new pending order
func (r *OrderRepository) Create(ctx context.Context, order *models.FulfillmentOrder) error {
	return r.db.WithContext(ctx).Create(order).Error
}

// GetByReference gets an order by its payment/session reference. A nil order
// with a nil error means the record does not exist yet, which observers treat
// as a pending wait state.
func (r *OrderRepository) GetByReference(ctx context.Context, reference string) (*models.FulfillmentOrder, error) {
	var order models.FulfillmentOrder
	err := r.readOnlyDB.WithContext(ctx).Where("reference = ?", reference).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get order by reference")
	}
	return &order, nil
}

// Claim takes the single-writer claim on an order. Only an unclaimed,
// non-terminal order can be claimed; a second writer gets RowsAffected == 0
// and backs off.
func (r *OrderRepository) Claim(ctx context.Context, reference, writer string) (bool, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&models.FulfillmentOrder{}).
		Where("reference = ? AND claimed_by IS NULL AND status IN ?",
			reference, []string{models.OrderStatusPending, models.OrderStatusPaid}).
		Updates(map[string]interface{}{
			"claimed_by": writer,
			"claimed_at": now,
		})
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to claim order")
	}
	return result.RowsAffected > 0, nil
}

// ReleaseClaim releases the single-writer claim
func (r *OrderRepository) ReleaseClaim(ctx context.Context, reference string) error {
	result := r.db.WithContext(ctx).
		Model(&models.FulfillmentOrder{}).
		Where("reference = ?", reference).
		Updates(map[string]interface{}{
			"claimed_by": nil,
			"claimed_at": nil,
		})
	return errors.Wrap(result.Error, "failed to release order claim")
}

// MarkPaid advances a pending order to paid. Transitions are forward only:
// the status guard in the WHERE clause refuses to move a terminal or already
// advanced order backwards.
func (r *OrderRepository) MarkPaid(ctx context.Context, reference string) error {
	result := r.db.WithContext(ctx).
		Model(&models.FulfillmentOrder{}).
		Where("reference = ? AND status = ?", reference, models.OrderStatusPending).
		Update("status", models.OrderStatusPaid)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark order paid")
	}
	if result.RowsAffected == 0 {
		return errors.Errorf("order %s is not pending", reference)
	}
	return nil
}

// MarkFulfilled records the confirmed issuance and advances a paid order to
// fulfilled
func (r *OrderRepository) MarkFulfilled(ctx context.Context, reference, txHash, attestationUID string) error {
	result := r.db.WithContext(ctx).
		Model(&models.FulfillmentOrder{}).
		Where("reference = ? AND status = ?", reference, models.OrderStatusPaid).
		Updates(map[string]interface{}{
			"status":             models.OrderStatusFulfilled,
			"issuance_confirmed": true,
			"tx_hash":            txHash,
			"attestation_uid":    attestationUID,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark order fulfilled")
	}
	if result.RowsAffected == 0 {
		return errors.Errorf("order %s is not paid", reference)
	}
	return nil
}

// RecordIssuance stores the confirmed issuance evidence on a paid order
// without advancing the status; the reconciler observes it from either channel
func (r *OrderRepository) RecordIssuance(ctx context.Context, reference, txHash, attestationUID string) error {
	result := r.db.WithContext(ctx).
		Model(&models.FulfillmentOrder{}).
		Where("reference = ? AND status = ?", reference, models.OrderStatusPaid).
		Updates(map[string]interface{}{
			"issuance_confirmed": true,
			"tx_hash":            txHash,
			"attestation_uid":    attestationUID,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to record issuance")
	}
	if result.RowsAffected == 0 {
		return errors.Errorf("order %s is not paid", reference)
	}
	return nil
}

// MarkFailed moves a non-terminal order to failed with a reason
func (r *OrderRepository) MarkFailed(ctx context.Context, reference, reason string) error {
	result := r.db.WithContext(ctx).
		Model(&models.FulfillmentOrder{}).
		Where("reference = ? AND status IN ?",
			reference, []string{models.OrderStatusPending, models.OrderStatusPaid}).
		Updates(map[string]interface{}{
			"status":         models.OrderStatusFailed,
			"failure_reason": reason,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark order failed")
	}
	if result.RowsAffected == 0 {
		return errors.Errorf("order %s is already terminal", reference)
	}
	return nil
}

// IncrementAttempts bumps the fulfillment attempt counter
func (r *OrderRepository) IncrementAttempts(ctx context.Context, reference string) error {
	result := r.db.WithContext(ctx).
		Model(&models.FulfillmentOrder{}).
		Where("reference = ?", reference).
		UpdateColumn("attempt_count", gorm.Expr("attempt_count + 1"))
	return errors.Wrap(result.Error, "failed to increment attempt count")
}

// SweepTimeouts moves pending orders older than the horizon to timeout and
// returns how many were swept
func (r *OrderRepository) SweepTimeouts(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.FulfillmentOrder{}).
		Where("status = ? AND created_at < ?", models.OrderStatusPending, olderThan).
		Update("status", models.OrderStatusTimeout)
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to sweep timed-out orders")
	}
	return result.RowsAffected, nil
}

// DelegationRepository provides access to delegated attestation requests
type DelegationRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewDelegationRepository creates a new delegation repository
func NewDelegationRepository(db *gorm.DB, readOnlyDB *gorm.DB) *DelegationRepository {
	return &DelegationRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Create persists a collected delegation row. Rows are never deleted.
func (r *DelegationRepository) Create(ctx context.Context, req *models.DelegatedAttestationRequest) error {
	return r.db.WithContext(ctx).Create(req).Error
}

// GetPending gets the unexecuted rows for a scope, ordered by creation time
func (r *DelegationRepository) GetPending(ctx context.Context, eventID uuid.UUID, limit int) ([]models.DelegatedAttestationRequest, error) {
	var rows []models.DelegatedAttestationRequest
	err := r.readOnlyDB.WithContext(ctx).
		Where("event_id = ? AND executed = ?", eventID, false).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get pending delegations")
	}
	return rows, nil
}

// PendingEventIDs lists the events that have unexecuted delegation rows, the
// scopes the scheduled batch run iterates
func (r *DelegationRepository) PendingEventIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.DelegatedAttestationRequest{}).
		Distinct("event_id").
		Where("executed = ?", false).
		Pluck("event_id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events with pending delegations")
	}
	return ids, nil
}

// MarkExecuted marks all given rows executed with the shared batch
// transaction hash in one update
func (r *DelegationRepository) MarkExecuted(ctx context.Context, ids []uuid.UUID, txHash string) error {
	result := r.db.WithContext(ctx).
		Model(&models.DelegatedAttestationRequest{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"executed":        true,
			"execute_tx_hash": txHash,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark delegations executed")
	}
	if result.RowsAffected != int64(len(ids)) {
		return errors.Errorf("marked %d of %d delegations executed", result.RowsAffected, len(ids))
	}
	return nil
}

// GetExecutedByTxHash gets the rows executed under one batch transaction,
// ordered by creation time. Used to replay receipt parsing after a crash
// between the two write phases.
func (r *DelegationRepository) GetExecutedByTxHash(ctx context.Context, txHash string) ([]models.DelegatedAttestationRequest, error) {
	var rows []models.DelegatedAttestationRequest
	err := r.readOnlyDB.WithContext(ctx).
		Where("execute_tx_hash = ? AND executed = ?", txHash, true).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get executed delegations by tx hash")
	}
	return rows, nil
}

// StalledBatchHashes finds batch transaction hashes whose executed rows have
// no corresponding attestation records, meaning the second write phase did not
// complete
func (r *DelegationRepository) StalledBatchHashes(ctx context.Context, olderThan time.Time) ([]string, error) {
	var hashes []string
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.DelegatedAttestationRequest{}).
		Distinct("execute_tx_hash").
		Where("executed = ? AND execute_tx_hash <> '' AND updated_at < ?", true, olderThan).
		Where("id NOT IN (?)", r.readOnlyDB.Model(&models.AttestationRecord{}).Select("delegation_id")).
		Pluck("execute_tx_hash", &hashes).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to find stalled batch hashes")
	}
	return hashes, nil
}

// AttestationRepository provides access to issued attestation records
type AttestationRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewAttestationRepository creates a new attestation repository
func NewAttestationRepository(db *gorm.DB, readOnlyDB *gorm.DB) *AttestationRepository {
	return &AttestationRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// CreateIfAbsent inserts an attestation record, ignoring conflicts on the
// (schema, subject, recipient) identity so replaying the second batch phase
// is idempotent
func (r *AttestationRepository) CreateIfAbsent(ctx context.Context, record *models.AttestationRecord) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record).Error
	return errors.Wrap(err, "failed to insert attestation record")
}

// CountByTxHash counts output records written for one batch transaction
func (r *AttestationRepository) CountByTxHash(ctx context.Context, txHash string) (int64, error) {
	var count int64
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.AttestationRecord{}).
		Where("tx_hash = ?", txHash).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count attestation records")
	}
	return count, nil
}

// TicketRepository provides access to issued tickets
type TicketRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewTicketRepository creates a new ticket repository
func NewTicketRepository(db *gorm.DB, readOnlyDB *gorm.DB) *TicketRepository {
	return &TicketRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// CreateIfAbsent inserts an issued ticket, ignoring conflicts on the
// (order, recipient) identity
func (r *TicketRepository) CreateIfAbsent(ctx context.Context, ticket *models.IssuedTicket) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(ticket).Error
	return errors.Wrap(err, "failed to insert issued ticket")
}

// GetByOrder gets the ticket issued for an order, if any
func (r *TicketRepository) GetByOrder(ctx context.Context, orderID uuid.UUID) (*models.IssuedTicket, error) {
	var ticket models.IssuedTicket
	err := r.readOnlyDB.WithContext(ctx).Where("order_id = ?", orderID).First(&ticket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get ticket by order")
	}
	return &ticket, nil
}
