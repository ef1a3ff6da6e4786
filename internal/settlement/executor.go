package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/splitpot/internal/idgen"
	"github.com/mbd888/splitpot/internal/logging"
	"github.com/mbd888/splitpot/internal/metrics"
	"github.com/mbd888/splitpot/internal/retry"
	"github.com/mbd888/splitpot/internal/traces"
)

// LedgerClient moves funds on the underlying ledger. Implementations wrap
// non-retryable failures (invalid destination, reverted transaction) with
// retry.Permanent; anything else is treated as transient and retried.
type LedgerClient interface {
	// Submit initiates a transfer and returns the ledger transaction hash.
	Submit(ctx context.Context, destination string, amount int64) (string, error)
	// Confirm blocks until the transaction is final or fails.
	Confirm(ctx context.Context, txHash string) error
}

// Executor pays a single planned payout with exactly-once semantics.
//
// The guarantee rests on two things: a pre-submit lookup that returns an
// already-confirmed record untouched, and a conditional insert on the
// idempotency key so concurrent executors collapse onto one record. Within
// a run, transient ledger errors are retried with backoff under the same
// key; permanent rejections stop immediately.
type Executor struct {
	store       TransferStore
	ledger      LedgerClient
	maxAttempts int
	baseDelay   time.Duration
}

// NewExecutor creates a payout executor.
func NewExecutor(store TransferStore, ledger LedgerClient, maxAttempts int, baseDelay time.Duration) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Executor{
		store:       store,
		ledger:      ledger,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

// Execute pays one recipient. It is safe to call repeatedly with the same
// arguments: a confirmed payout is returned as-is without touching the
// ledger. The returned record reflects the final persisted state even when
// err is non-nil.
func (e *Executor) Execute(ctx context.Context, potID string, epoch int, payout Payout) (*TransferRecord, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.execute",
		traces.PotID(potID),
		traces.ParticipantID(payout.ParticipantID),
		traces.Amount(payout.Amount),
		traces.Epoch(epoch),
	)
	defer span.End()

	start := time.Now()
	defer func() { metrics.TransferDuration.Observe(time.Since(start).Seconds()) }()

	key := IdempotencyKey(potID, payout.ParticipantID, epoch)

	rec, err := e.claimRecord(ctx, potID, epoch, payout, key)
	if err != nil {
		return nil, err
	}
	if rec.Status == TransferConfirmed {
		metrics.TransferAttemptsTotal.WithLabelValues("deduplicated").Inc()
		return rec, nil
	}

	log := logging.L(ctx).With("pot_id", potID, "participant_id", payout.ParticipantID)

	err = retry.Do(ctx, e.maxAttempts, e.baseDelay, func(attempt int) error {
		rec.Attempt++

		// A record stuck in submitted carries a hash that may already have
		// landed on the ledger; re-check it before ever submitting again.
		// Only a permanent confirmation failure proves the transaction is
		// dead and makes a fresh submit safe.
		if rec.Status == TransferSubmitted && rec.TxHash != "" {
			switch confirmErr := e.ledger.Confirm(ctx, rec.TxHash); {
			case confirmErr == nil:
				rec.Status = TransferConfirmed
				rec.LastError = ""
				rec.UpdatedAt = time.Now()
				if err := e.store.Update(ctx, rec); err != nil {
					return retry.Permanent(fmt.Errorf("persist confirmed record: %w", err))
				}
				metrics.TransferAttemptsTotal.WithLabelValues("confirmed").Inc()
				log.Info("transfer confirmed", "tx_hash", rec.TxHash, "attempt", rec.Attempt)
				return nil
			case !retry.IsPermanent(confirmErr):
				return e.recordFailure(ctx, rec, "confirm", confirmErr, log)
			default:
				rec.TxHash = ""
			}
		}

		txHash, submitErr := e.ledger.Submit(ctx, payout.Destination, payout.Amount)
		if submitErr != nil {
			return e.recordFailure(ctx, rec, "submit", submitErr, log)
		}

		rec.TxHash = txHash
		rec.Status = TransferSubmitted
		rec.LastError = ""
		rec.UpdatedAt = time.Now()
		if err := e.store.Update(ctx, rec); err != nil {
			// If we cannot persist the submitted hash we cannot prove the
			// transfer later; stop rather than risk a double payout.
			return retry.Permanent(fmt.Errorf("persist submitted record: %w", err))
		}

		if confirmErr := e.ledger.Confirm(ctx, txHash); confirmErr != nil {
			return e.recordFailure(ctx, rec, "confirm", confirmErr, log)
		}

		rec.Status = TransferConfirmed
		rec.LastError = ""
		rec.UpdatedAt = time.Now()
		if err := e.store.Update(ctx, rec); err != nil {
			return retry.Permanent(fmt.Errorf("persist confirmed record: %w", err))
		}

		metrics.TransferAttemptsTotal.WithLabelValues("confirmed").Inc()
		log.Info("transfer confirmed", "tx_hash", txHash, "attempt", rec.Attempt)
		return nil
	})

	if err != nil {
		if rec.Status == TransferFailed {
			return rec, fmt.Errorf("%w: %w", ErrTransferRejected, err)
		}
		return rec, err
	}
	return rec, nil
}

// claimRecord finds or creates the record for key. A lost insert race is
// fine: whoever got there first owns the key, and we act on their record.
func (e *Executor) claimRecord(ctx context.Context, potID string, epoch int, payout Payout, key string) (*TransferRecord, error) {
	existing, err := e.store.FindByKey(ctx, key)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	now := time.Now()
	rec := &TransferRecord{
		ID:             idgen.WithPrefix("tr_"),
		PotID:          potID,
		ParticipantID:  payout.ParticipantID,
		Amount:         payout.Amount,
		Destination:    payout.Destination,
		IdempotencyKey: key,
		Status:         TransferPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	switch err := e.store.CreateIfAbsent(ctx, rec); {
	case err == nil:
		return rec, nil
	case errors.Is(err, ErrDuplicateKey):
		return e.store.FindByKey(ctx, key)
	default:
		return nil, err
	}
}

// recordFailure persists the failed attempt and classifies the error for
// the retry loop.
func (e *Executor) recordFailure(ctx context.Context, rec *TransferRecord, op string, cause error, log *slog.Logger) error {
	rec.LastError = cause.Error()
	rec.UpdatedAt = time.Now()

	if retry.IsPermanent(cause) {
		rec.Status = TransferFailed
		metrics.TransferAttemptsTotal.WithLabelValues("rejected").Inc()
	} else {
		metrics.TransferAttemptsTotal.WithLabelValues("transient_error").Inc()
	}
	if err := e.store.Update(ctx, rec); err != nil {
		return retry.Permanent(fmt.Errorf("persist failed attempt: %w", err))
	}

	log.Warn("transfer attempt failed", "op", op, "attempt", rec.Attempt, "error", cause)
	return cause
}
