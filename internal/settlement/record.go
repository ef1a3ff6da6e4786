package settlement

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRecordNotFound = errors.New("transfer record not found")
	// ErrDuplicateKey is returned by CreateIfAbsent when a record with the
	// same idempotency key already exists. Callers treat it as success for
	// the other writer: re-read the record and act on its status.
	ErrDuplicateKey = errors.New("transfer record already exists for key")
)

// TransferStatus is the lifecycle state of one payout record.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferSubmitted TransferStatus = "submitted"
	TransferConfirmed TransferStatus = "confirmed"
	TransferFailed    TransferStatus = "failed"
)

// TransferRecord is the durable trace of one payout. Exactly one record
// exists per (pot, participant, epoch); retries update the record in place
// rather than appending new rows, so the idempotency key stays unique.
type TransferRecord struct {
	ID             string         `json:"id"`
	PotID          string         `json:"potId"`
	ParticipantID  string         `json:"participantId"`
	Amount         int64          `json:"amount"`
	Destination    string         `json:"destination"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Attempt        int            `json:"attempt"`
	Status         TransferStatus `json:"status"`
	TxHash         string         `json:"txHash,omitempty"`
	LastError      string         `json:"lastError,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// TransferStore persists payout records. CreateIfAbsent is the
// cross-process safety point: the conditional write on the idempotency key
// is what guarantees at most one live executor per recipient per epoch,
// without any in-process locking.
type TransferStore interface {
	CreateIfAbsent(ctx context.Context, rec *TransferRecord) error
	FindByKey(ctx context.Context, key string) (*TransferRecord, error)
	Update(ctx context.Context, rec *TransferRecord) error
	// ListByPot returns records ordered by creation time.
	ListByPot(ctx context.Context, potID string) ([]*TransferRecord, error)
}
