package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Fulfillment kinds. The discriminant selects which on-chain action
// completes an order: minting a ledger ticket or registering an attestation.
const (
	FulfillmentKindTicket      = "ticket"
	FulfillmentKindAttestation = "attestation"
)

// Order statuses. Transitions are forward only:
// pending -> paid -> fulfilled, or -> failed / timeout.
const (
	OrderStatusPending   = "pending"
	OrderStatusPaid      = "paid"
	OrderStatusFulfilled = "fulfilled"
	OrderStatusFailed    = "failed"
	OrderStatusTimeout   = "timeout"
)

// Event represents a published event with an on-chain contract
type Event struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
	Creator         string         `gorm:"not null;index" json:"creator"`
	Title           string         `gorm:"not null" json:"title"`
	Date            string         `gorm:"not null" json:"date"`
	Time            string         `gorm:"not null" json:"time"`
	Location        string         `gorm:"not null" json:"location"`
	Capacity        int64          `gorm:"not null" json:"capacity"`
	Price           string         `gorm:"not null" json:"price"`
	Currency        string         `gorm:"not null" json:"currency"`
	PaymentMethod   string         `gorm:"not null" json:"payment_method"`
	FulfillmentKind string         `gorm:"not null;default:ticket" json:"fulfillment_kind"`
	IdempotencyKey  string         `gorm:"not null;uniqueIndex" json:"idempotency_key"`
	ContractAddress string         `gorm:"not null" json:"contract_address"`
	DeployTxHash    string         `json:"deploy_tx_hash"`
	SchemaUID       string         `json:"schema_uid"`
	Orders          []FulfillmentOrder           `gorm:"foreignKey:EventID" json:"-"`
	Delegations     []DelegatedAttestationRequest `gorm:"foreignKey:EventID" json:"-"`
}

// EventDraft stores the full entered form state when a publish attempt fails,
// so no organizer input is lost
type EventDraft struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
	Creator       string         `gorm:"not null;index" json:"creator"`
	Title         string         `json:"title"`
	Date          string         `json:"date"`
	Time          string         `json:"time"`
	Location      string         `json:"location"`
	Capacity      int64          `json:"capacity"`
	Price         string         `json:"price"`
	Currency      string         `json:"currency"`
	PaymentMethod string         `json:"payment_method"`
	FailureReason string         `json:"failure_reason"`
}

// FulfillmentOrder tracks a payment-to-issuance lifecycle for one purchase
// reference. It is mutated only by the authoritative writer holding the claim;
// any number of observers read it concurrently.
type FulfillmentOrder struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"-"`
	Reference         string         `gorm:"not null;uniqueIndex" json:"reference"`
	EventID           uuid.UUID      `gorm:"type:uuid;not null;index" json:"event_id"`
	Recipient         string         `gorm:"not null" json:"recipient"`
	Status            string         `gorm:"not null;default:pending;index" json:"status"`
	FulfillmentKind   string         `gorm:"not null;default:ticket" json:"fulfillment_kind"`
	Amount            int64          `gorm:"not null" json:"amount"`
	Currency          string         `gorm:"not null" json:"currency"`
	PaymentMethod     string         `gorm:"not null" json:"payment_method"`
	IssuanceConfirmed bool           `gorm:"not null;default:false" json:"issuance_confirmed"`
	TxHash            string         `json:"tx_hash"`
	AttestationUID    string         `json:"attestation_uid"`
	AttemptCount      int            `gorm:"not null;default:0" json:"attempt_count"`
	ClaimedBy         *string        `json:"claimed_by"`
	ClaimedAt         *time.Time     `json:"claimed_at"`
	FailureReason     string         `json:"failure_reason"`
	Event             Event          `gorm:"foreignKey:EventID" json:"-"`
}

// Terminal reports whether no further automatic transition can occur
func (o *FulfillmentOrder) Terminal() bool {
	switch o.Status {
	case OrderStatusFulfilled, OrderStatusFailed, OrderStatusTimeout:
		return true
	}
	return false
}

// Issued reports whether the order carries a confirmed on-chain issuance:
// the paid-or-beyond status plus either a transaction hash or an attestation UID
func (o *FulfillmentOrder) Issued() bool {
	if o.Status != OrderStatusPaid && o.Status != OrderStatusFulfilled {
		return false
	}
	return o.TxHash != "" || o.AttestationUID != ""
}

// DelegatedAttestationRequest is a signed, not-yet-submitted authorization for
// an attestation, collected client-side and executed later in a batch.
// Rows are never deleted; they form the audit trail.
type DelegatedAttestationRequest struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt     time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	EventID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"event_id"`
	SchemaUID     string         `gorm:"not null" json:"schema_uid"`
	Recipient     string         `gorm:"not null" json:"recipient"`
	Payload       []byte         `gorm:"type:bytea;not null" json:"payload"`
	Deadline      int64          `gorm:"not null" json:"deadline"`
	Signature     []byte         `gorm:"type:bytea;not null" json:"signature"`
	Executed      bool           `gorm:"not null;default:false;index" json:"executed"`
	ExecuteTxHash string         `json:"execute_tx_hash"`
	Event         Event          `gorm:"foreignKey:EventID" json:"-"`
}

// AttestationRecord is one issued attestation. At most one non-revoked record
// exists per (schema, subject, recipient).
type AttestationRecord struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	UID          string    `gorm:"not null;uniqueIndex" json:"uid"`
	SchemaUID    string    `gorm:"not null;uniqueIndex:idx_attestation_identity" json:"schema_uid"`
	Subject      string    `gorm:"not null;uniqueIndex:idx_attestation_identity" json:"subject"`
	Recipient    string    `gorm:"not null;uniqueIndex:idx_attestation_identity" json:"recipient"`
	TxHash       string    `gorm:"not null" json:"tx_hash"`
	DelegationID uuid.UUID `gorm:"type:uuid;not null" json:"delegation_id"`
	Revoked      bool      `gorm:"not null;default:false" json:"revoked"`
}

// IssuedTicket is one minted ticket. At most one exists per (order, recipient).
type IssuedTicket struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	OrderID   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_ticket_identity" json:"order_id"`
	Recipient string    `gorm:"not null;uniqueIndex:idx_ticket_identity" json:"recipient"`
	EventID   uuid.UUID `gorm:"type:uuid;not null;index" json:"event_id"`
	TokenID   string    `gorm:"not null" json:"token_id"`
	TxHash    string    `gorm:"not null" json:"tx_hash"`
}

// PublishFields are the organizer-entered fields that feed the idempotency digest
type PublishFields struct {
	Creator       string `json:"creator"`
	Title         string `json:"title"`
	Date          string `json:"date"`
	Time          string `json:"time"`
	Location      string `json:"location"`
	Capacity      int64  `json:"capacity"`
	Price         string `json:"price"`
	Currency      string `json:"currency"`
	PaymentMethod string `json:"paymentMethod"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	// Apply all migrations
	err := db.AutoMigrate(
		&Event{},
		&EventDraft{},
		&FulfillmentOrder{},
		&DelegatedAttestationRequest{},
		&AttestationRecord{},
		&IssuedTicket{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to migrate models")
	}
	return nil
}
