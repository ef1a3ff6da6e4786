package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/splitpot/internal/escrow"
	"github.com/mbd888/splitpot/internal/logging"
	"github.com/mbd888/splitpot/internal/metrics"
	"github.com/mbd888/splitpot/internal/syncutil"
	"github.com/mbd888/splitpot/internal/traces"
)

// Notifier publishes settlement progress events to connected clients.
// Wired to the realtime WebSocket hub; a nil notifier disables events.
type Notifier interface {
	Publish(eventType string, data interface{})
}

// Outcome summarizes one settlement run.
type Outcome string

const (
	OutcomeSettled Outcome = "settled"
	OutcomePartial Outcome = "partially_settled"
	// OutcomePending means the pot was not ready to distribute; nothing
	// was mutated and the caller may try again later.
	OutcomePending Outcome = "pending"
)

// RecipientResult reports the fate of one planned payout.
type RecipientResult struct {
	ParticipantID string `json:"participantId"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"` // paid, failed, pending
	TxHash        string `json:"txHash,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Result is the outcome of a Settle or Resume call.
type Result struct {
	PotID      string            `json:"potId"`
	Outcome    Outcome           `json:"outcome"`
	Paid       int               `json:"paid"`
	Failed     int               `json:"failed"`
	Pending    int               `json:"pending"`
	Recipients []RecipientResult `json:"recipients"`
}

// Coordinator drives a pot through distribution. It is the only component
// that mutates pot status from funded onward. Payouts run sequentially in
// ledger order and the run halts at the first failed transfer, leaving
// later recipients untouched for a later resume.
//
// The per-pot mutex only serializes runs within this process; cross-process
// safety comes from the transfer store's conditional insert, not from locks.
type Coordinator struct {
	store     escrow.Store
	transfers TransferStore
	executor  *Executor
	notifier  Notifier
	locks     *syncutil.ContextShardedMutex
}

// NewCoordinator creates a settlement coordinator.
func NewCoordinator(store escrow.Store, transfers TransferStore, executor *Executor) *Coordinator {
	return &Coordinator{
		store:     store,
		transfers: transfers,
		executor:  executor,
		locks:     syncutil.NewContextShardedMutex(),
	}
}

// WithNotifier attaches a progress event publisher.
func (c *Coordinator) WithNotifier(n Notifier) *Coordinator {
	c.notifier = n
	return c
}

// Settle distributes a funded pot. Calling it on an already settled pot is
// a no-op that reports the existing state; calling it on a pot that halted
// mid-run picks up where the previous run stopped.
func (c *Coordinator) Settle(ctx context.Context, potID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.settle", traces.PotID(potID))
	defer span.End()

	// A settlement run can hold this lock through many chain round trips,
	// so waiters respect context cancellation instead of blocking forever.
	unlock, err := c.locks.LockContext(ctx, potID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	pot, err := c.store.GetPot(ctx, potID)
	if err != nil {
		return nil, err
	}

	switch pot.Status {
	case escrow.StatusSettled:
		return c.reportSettled(ctx, pot)
	case escrow.StatusCreated, escrow.StatusFunding:
		return nil, ErrNotFunded
	case escrow.StatusFailed:
		return nil, fmt.Errorf("%w: pot has failed", escrow.ErrInvalidStatus)
	case escrow.StatusFunded, escrow.StatusDistributing, escrow.StatusPartiallySettled:
		return c.run(ctx, pot)
	default:
		return nil, fmt.Errorf("%w: %s", escrow.ErrInvalidStatus, pot.Status)
	}
}

// Resume re-runs settlement for a pot that halted partway. The plan is
// recomputed deterministically and recipients whose transfer records are
// already confirmed are skipped via the idempotency lookup, so Resume is
// the same operation as Settle applied to a partially settled pot.
func (c *Coordinator) Resume(ctx context.Context, potID string) (*Result, error) {
	return c.Settle(ctx, potID)
}

// Transfers returns the payout records for a pot.
func (c *Coordinator) Transfers(ctx context.Context, potID string) ([]*TransferRecord, error) {
	if _, err := c.store.GetPot(ctx, potID); err != nil {
		return nil, err
	}
	return c.transfers.ListByPot(ctx, potID)
}

// run executes one settlement pass over the pot.
func (c *Coordinator) run(ctx context.Context, pot *escrow.Pot) (*Result, error) {
	log := logging.L(ctx).With("pot_id", pot.ID, "mode", pot.Mode)

	participants, err := c.store.ListParticipants(ctx, pot.ID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*escrow.Participant, len(participants))
	for _, p := range participants {
		byID[p.ID] = p
	}

	plan, err := BuildPlan(pot, participants)
	if err != nil {
		if errors.Is(err, ErrNotReady) {
			// Planning refusals never mutate the pot.
			log.Info("pot not ready to distribute")
			metrics.SettlementsTotal.WithLabelValues(string(OutcomePending)).Inc()
			return &Result{PotID: pot.ID, Outcome: OutcomePending}, nil
		}
		return nil, err
	}

	result := &Result{PotID: pot.ID}

	// Participants without a payout destination can never be paid; mark
	// them failed up front so the ledger reflects why.
	for _, ex := range plan.Excluded {
		p := byID[ex.ParticipantID]
		if p.Status != escrow.ParticipantFailed {
			p.Status = escrow.ParticipantFailed
			p.FailReason = ex.Reason
			p.UpdatedAt = time.Now()
			if err := c.store.UpdateParticipant(ctx, p); err != nil {
				return nil, err
			}
		}
		result.Failed++
		result.Recipients = append(result.Recipients, RecipientResult{
			ParticipantID: ex.ParticipantID,
			Status:        "failed",
			Error:         ex.Reason,
		})
	}

	if err := c.markDistributing(ctx, pot); err != nil {
		return nil, err
	}

	// Record what every recipient is owed before any transfer moves, so a
	// halted run still leaves the full distribution on the participants.
	for _, payout := range plan.Payouts {
		p := byID[payout.ParticipantID]
		if p.AmountOwed != payout.Amount {
			p.AmountOwed = payout.Amount
			p.UpdatedAt = time.Now()
			if err := c.store.UpdateParticipant(ctx, p); err != nil {
				return nil, err
			}
		}
	}

	halted := false
	for _, payout := range plan.Payouts {
		p := byID[payout.ParticipantID]

		if halted {
			result.Pending++
			result.Recipients = append(result.Recipients, RecipientResult{
				ParticipantID: payout.ParticipantID,
				Amount:        payout.Amount,
				Status:        "pending",
			})
			continue
		}

		rec, execErr := c.executor.Execute(ctx, pot.ID, pot.SettlementEpoch, payout)
		if execErr != nil {
			halted = true
			rr := RecipientResult{
				ParticipantID: payout.ParticipantID,
				Amount:        payout.Amount,
				Error:         execErr.Error(),
			}
			if errors.Is(execErr, ErrTransferRejected) {
				// Permanent rejection: this recipient will never be paid
				// under this plan.
				rr.Status = "failed"
				result.Failed++
				p.Status = escrow.ParticipantFailed
				p.FailReason = rec.LastError
				p.UpdatedAt = time.Now()
				if err := c.store.UpdateParticipant(ctx, p); err != nil {
					return nil, err
				}
			} else {
				// Transient exhaustion: the participant stays locked and a
				// resume will retry under the same idempotency key.
				rr.Status = "pending"
				result.Pending++
			}
			result.Recipients = append(result.Recipients, rr)
			log.Warn("settlement halted", "participant_id", payout.ParticipantID, "error", execErr)
			continue
		}

		if p.Status != escrow.ParticipantPaid {
			p.Status = escrow.ParticipantPaid
			p.UpdatedAt = time.Now()
			if err := c.store.UpdateParticipant(ctx, p); err != nil {
				return nil, err
			}
			c.publish("participant_paid", map[string]interface{}{
				"potId":         pot.ID,
				"participantId": p.ID,
				"amount":        payout.Amount,
				"txHash":        rec.TxHash,
			})
		}
		result.Paid++
		result.Recipients = append(result.Recipients, RecipientResult{
			ParticipantID: payout.ParticipantID,
			Amount:        payout.Amount,
			Status:        "paid",
			TxHash:        rec.TxHash,
		})
	}

	if result.Failed > 0 || result.Pending > 0 {
		result.Outcome = OutcomePartial
		if err := c.setStatus(ctx, pot, escrow.StatusPartiallySettled); err != nil {
			return nil, err
		}
	} else {
		result.Outcome = OutcomeSettled
		if err := c.setStatus(ctx, pot, escrow.StatusSettled); err != nil {
			return nil, err
		}
		c.publish("pot_settled", map[string]interface{}{
			"potId": pot.ID,
			"paid":  result.Paid,
		})
	}

	metrics.SettlementsTotal.WithLabelValues(string(result.Outcome)).Inc()
	log.Info("settlement run finished",
		"outcome", result.Outcome,
		"paid", result.Paid,
		"failed", result.Failed,
		"pending", result.Pending,
	)
	return result, nil
}

// reportSettled rebuilds a result from the records of a finished pot
// without creating or touching anything.
func (c *Coordinator) reportSettled(ctx context.Context, pot *escrow.Pot) (*Result, error) {
	records, err := c.transfers.ListByPot(ctx, pot.ID)
	if err != nil {
		return nil, err
	}

	result := &Result{PotID: pot.ID, Outcome: OutcomeSettled}
	for _, rec := range records {
		if rec.Status == TransferConfirmed {
			result.Paid++
			result.Recipients = append(result.Recipients, RecipientResult{
				ParticipantID: rec.ParticipantID,
				Amount:        rec.Amount,
				Status:        "paid",
				TxHash:        rec.TxHash,
			})
		}
	}
	return result, nil
}

func (c *Coordinator) markDistributing(ctx context.Context, pot *escrow.Pot) error {
	if pot.Status == escrow.StatusDistributing {
		return nil
	}
	return c.setStatus(ctx, pot, escrow.StatusDistributing)
}

func (c *Coordinator) setStatus(ctx context.Context, pot *escrow.Pot, status escrow.Status) error {
	pot.Status = status
	pot.UpdatedAt = time.Now()
	if err := c.store.UpdatePot(ctx, pot); err != nil {
		return fmt.Errorf("failed to update pot status to %s: %w", status, err)
	}
	metrics.PotsTotal.WithLabelValues(string(status)).Inc()
	return nil
}

func (c *Coordinator) publish(eventType string, data interface{}) {
	if c.notifier == nil {
		return
	}
	c.notifier.Publish(eventType, data)
}
