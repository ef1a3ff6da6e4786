// Package settlement plans and executes pot disbursements.
//
// A settlement run takes a funded pot, computes a deterministic
// distribution plan (fair split or lottery draw), and pays each
// recipient exactly once. Transfer records keyed by a stable
// idempotency key make crashed or repeated runs safe to resume.
package settlement

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/mbd888/splitpot/internal/escrow"
)

var (
	ErrNotFunded            = errors.New("pot is not funded")
	ErrNotReady             = errors.New("pot has not met its funding threshold")
	ErrNoEligibleRecipients = errors.New("no eligible recipients")
	ErrInvalidAmount        = errors.New("invalid distribution amount")
	ErrTransferRejected     = errors.New("transfer rejected by ledger")
)

// FailReasonMissingDestination marks participants excluded from a plan
// because no payout address is on file.
const FailReasonMissingDestination = "missing_destination"

// Payout is one planned transfer to a single recipient.
type Payout struct {
	ParticipantID string `json:"participantId"`
	Destination   string `json:"destination"`
	Amount        int64  `json:"amount"`
	Position      int    `json:"position"`
}

// Exclusion reports a participant left out of the plan.
type Exclusion struct {
	ParticipantID string `json:"participantId"`
	Reason        string `json:"reason"`
}

// Plan is a complete, deterministic distribution for one pot. Building a
// plan performs no I/O and never mutates the pot; re-planning the same
// pot state yields the same payouts in the same order.
type Plan struct {
	PotID    string      `json:"potId"`
	Epoch    int         `json:"epoch"`
	Mode     escrow.Mode `json:"mode"`
	Payouts  []Payout    `json:"payouts"`
	Excluded []Exclusion `json:"excluded,omitempty"`
}

// BuildPlan computes the distribution for a pot. Participants must be in
// ledger (position) order; the order fixes both the fair remainder
// assignment and the payout execution sequence.
func BuildPlan(pot *escrow.Pot, participants []*escrow.Participant) (*Plan, error) {
	if pot.TotalAmount <= 0 {
		return nil, ErrInvalidAmount
	}

	plan := &Plan{
		PotID: pot.ID,
		Epoch: pot.SettlementEpoch,
		Mode:  pot.Mode,
	}

	eligible := make([]*escrow.Participant, 0, len(participants))
	for _, p := range participants {
		if p.WalletAddress == "" {
			plan.Excluded = append(plan.Excluded, Exclusion{
				ParticipantID: p.ID,
				Reason:        FailReasonMissingDestination,
			})
			continue
		}
		eligible = append(eligible, p)
	}

	switch pot.Mode {
	case escrow.ModeFair:
		if err := planFair(plan, pot.TotalAmount, eligible); err != nil {
			return nil, err
		}
	case escrow.ModeLottery:
		if err := planLottery(plan, pot, participants, eligible); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown split mode %q", pot.Mode)
	}

	return plan, nil
}

// planFair assigns total/N to the first N-1 recipients in ledger order and
// the remainder-absorbing share to the last, so the payouts always sum to
// exactly the pot total. Integer division only; no floats touch amounts.
func planFair(plan *Plan, total int64, eligible []*escrow.Participant) error {
	n := int64(len(eligible))
	if n == 0 {
		return ErrNoEligibleRecipients
	}

	base := total / n
	for i, p := range eligible {
		amount := base
		if int64(i) == n-1 {
			amount = total - base*(n-1)
		}
		plan.Payouts = append(plan.Payouts, Payout{
			ParticipantID: p.ID,
			Destination:   p.WalletAddress,
			Amount:        amount,
			Position:      p.Position,
		})
	}
	return nil
}

// planLottery pays the full pot to a single winner. The draw requires every
// participant locked (or already marked failed for a missing wallet) and
// the locked total at or above the pot's threshold; otherwise the pot is
// not ready and nothing is planned.
func planLottery(plan *Plan, pot *escrow.Pot, all, eligible []*escrow.Participant) error {
	if len(all) == 0 {
		return ErrNoEligibleRecipients
	}

	var locked int64
	for _, p := range all {
		switch {
		case p.Status == escrow.ParticipantLocked || p.Status == escrow.ParticipantPaid:
		case p.Status == escrow.ParticipantFailed && p.FailReason == FailReasonMissingDestination:
			// Excluded from the draw on an earlier run; the locked funds
			// still count toward the threshold.
		default:
			return ErrNotReady
		}
		locked += p.AmountPaid
	}
	threshold := int64(pot.LockThreshold * float64(pot.TotalAmount))
	if locked < threshold {
		return ErrNotReady
	}

	if len(eligible) == 0 {
		return ErrNoEligibleRecipients
	}

	winner := eligible[lotteryIndex(all, len(eligible))]
	plan.Payouts = append(plan.Payouts, Payout{
		ParticipantID: winner.ID,
		Destination:   winner.WalletAddress,
		Amount:        pot.TotalAmount,
		Position:      winner.Position,
	})
	return nil
}

// lotteryIndex derives the winner index from the sorted set of lock
// transaction hashes. Every contribution is committed on-chain before the
// draw, so no single party (server included) can steer the outcome after
// funding closes, and any client can recompute the result.
func lotteryIndex(participants []*escrow.Participant, n int) int {
	hashes := make([]string, 0, len(participants))
	for _, p := range participants {
		hashes = append(hashes, strings.ToLower(p.LockTxHash))
	}
	sort.Strings(hashes)

	seed := sha256.Sum256([]byte(strings.Join(hashes, "|")))
	idx := new(big.Int).Mod(
		new(big.Int).SetBytes(seed[:]),
		big.NewInt(int64(n)),
	)
	return int(idx.Int64())
}

// IdempotencyKey derives the stable key for one recipient in one
// settlement epoch. The epoch never changes after funding completes, so
// resumed runs always reuse the key of the original attempt.
func IdempotencyKey(potID, participantID string, epoch int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", potID, participantID, epoch)))
	return hex.EncodeToString(sum[:])
}
