package settlement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mbd888/splitpot/internal/escrow"
	"github.com/mbd888/splitpot/internal/retry"
)

// seedFundedPot writes a funded pot with n locked participants straight
// into the store, as the funding flow would have left it.
func seedFundedPot(t *testing.T, store escrow.Store, mode escrow.Mode, total int64, n int) *escrow.Pot {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	pot := &escrow.Pot{
		ID:              "pot_seed",
		CreatorID:       "user_creator",
		TotalAmount:     total,
		Mode:            mode,
		Status:          escrow.StatusFunded,
		LockThreshold:   0.5,
		SettlementEpoch: 1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := store.CreatePot(ctx, pot); err != nil {
		t.Fatalf("CreatePot failed: %v", err)
	}

	share := total / int64(n)
	for i := 0; i < n; i++ {
		p := &escrow.Participant{
			ID:            fmt.Sprintf("prt_%d", i),
			PotID:         pot.ID,
			UserID:        fmt.Sprintf("user_%d", i),
			WalletAddress: fmt.Sprintf("0x%040d", i+1),
			AmountPaid:    share,
			Status:        escrow.ParticipantLocked,
			LockTxHash:    fmt.Sprintf("0xlock%02d", i),
			Position:      i,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := store.CreateParticipant(ctx, p); err != nil {
			t.Fatalf("CreateParticipant failed: %v", err)
		}
	}
	return pot
}

func newCoordinator(store escrow.Store, transfers TransferStore, ledger LedgerClient) *Coordinator {
	exec := NewExecutor(transfers, ledger, 2, time.Millisecond)
	return NewCoordinator(store, transfers, exec)
}

func TestSettle_FairHappyPath(t *testing.T) {
	store := escrow.NewMemoryStore()
	transfers := NewMemoryTransferStore()
	ledger := &mockLedger{}
	coord := newCoordinator(store, transfers, ledger)
	ctx := context.Background()

	pot := seedFundedPot(t, store, escrow.ModeFair, 300, 3)

	result, err := coord.Settle(ctx, pot.ID)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if result.Outcome != OutcomeSettled {
		t.Fatalf("expected settled, got %s", result.Outcome)
	}
	if result.Paid != 3 || result.Failed != 0 || result.Pending != 0 {
		t.Errorf("expected 3/0/0, got %d/%d/%d", result.Paid, result.Failed, result.Pending)
	}

	updated, _ := store.GetPot(ctx, pot.ID)
	if updated.Status != escrow.StatusSettled {
		t.Errorf("expected pot settled, got %s", updated.Status)
	}

	participants, _ := store.ListParticipants(ctx, pot.ID)
	var owedSum int64
	for _, p := range participants {
		if p.Status != escrow.ParticipantPaid {
			t.Errorf("participant %s not paid: %s", p.ID, p.Status)
		}
		owedSum += p.AmountOwed
	}
	if owedSum != 300 {
		t.Errorf("owed amounts sum to %d, want 300", owedSum)
	}
}

func TestSettle_NotFunded(t *testing.T) {
	store := escrow.NewMemoryStore()
	coord := newCoordinator(store, NewMemoryTransferStore(), &mockLedger{})
	ctx := context.Background()

	now := time.Now()
	pot := &escrow.Pot{
		ID: "pot_x", CreatorID: "u", TotalAmount: 100,
		Mode: escrow.ModeFair, Status: escrow.StatusFunding,
		CreatedAt: now, UpdatedAt: now,
	}
	store.CreatePot(ctx, pot)

	if _, err := coord.Settle(ctx, pot.ID); !errors.Is(err, ErrNotFunded) {
		t.Errorf("expected ErrNotFunded, got %v", err)
	}

	if _, err := coord.Settle(ctx, "pot_missing"); !errors.Is(err, escrow.ErrPotNotFound) {
		t.Errorf("expected ErrPotNotFound, got %v", err)
	}
}

func TestSettle_AlreadySettledIsNoOp(t *testing.T) {
	store := escrow.NewMemoryStore()
	transfers := NewMemoryTransferStore()
	ledger := &mockLedger{}
	coord := newCoordinator(store, transfers, ledger)
	ctx := context.Background()

	pot := seedFundedPot(t, store, escrow.ModeFair, 300, 3)
	if _, err := coord.Settle(ctx, pot.ID); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	submitsAfterFirst := ledger.submits
	recordsAfterFirst, _ := transfers.ListByPot(ctx, pot.ID)

	result, err := coord.Settle(ctx, pot.ID)
	if err != nil {
		t.Fatalf("second Settle failed: %v", err)
	}
	if result.Outcome != OutcomeSettled {
		t.Errorf("expected settled, got %s", result.Outcome)
	}
	if ledger.submits != submitsAfterFirst {
		t.Errorf("re-settle must not touch the ledger: %d vs %d submits", ledger.submits, submitsAfterFirst)
	}
	records, _ := transfers.ListByPot(ctx, pot.ID)
	if len(records) != len(recordsAfterFirst) {
		t.Errorf("re-settle must not create records: %d vs %d", len(records), len(recordsAfterFirst))
	}
}

func TestSettle_HaltsOnPermanentFailure(t *testing.T) {
	store := escrow.NewMemoryStore()
	transfers := NewMemoryTransferStore()
	// First payout succeeds, second is rejected outright.
	ledger := &mockLedger{
		submitErrs: []error{nil, retry.Permanent(errors.New("transfer reverted"))},
	}
	coord := newCoordinator(store, transfers, ledger)
	ctx := context.Background()

	pot := seedFundedPot(t, store, escrow.ModeFair, 300, 3)

	result, err := coord.Settle(ctx, pot.ID)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if result.Outcome != OutcomePartial {
		t.Fatalf("expected partially_settled, got %s", result.Outcome)
	}
	if result.Paid != 1 || result.Failed != 1 || result.Pending != 1 {
		t.Errorf("expected 1/1/1, got %d/%d/%d", result.Paid, result.Failed, result.Pending)
	}

	updated, _ := store.GetPot(ctx, pot.ID)
	if updated.Status != escrow.StatusPartiallySettled {
		t.Errorf("expected pot partially_settled, got %s", updated.Status)
	}

	participants, _ := store.ListParticipants(ctx, pot.ID)
	if participants[0].Status != escrow.ParticipantPaid {
		t.Errorf("participant 0 should be paid, got %s", participants[0].Status)
	}
	if participants[1].Status != escrow.ParticipantFailed {
		t.Errorf("participant 1 should be failed, got %s", participants[1].Status)
	}
	if participants[2].Status != escrow.ParticipantLocked {
		t.Errorf("participant 2 must be untouched, got %s", participants[2].Status)
	}

	// No transfer record was created for the recipient after the halt.
	records, _ := transfers.ListByPot(ctx, pot.ID)
	if len(records) != 2 {
		t.Errorf("expected 2 records (paid + failed), got %d", len(records))
	}
}

func TestResume_SkipsConfirmedTransfers(t *testing.T) {
	store := escrow.NewMemoryStore()
	transfers := NewMemoryTransferStore()
	// First run: payout 1 succeeds, payout 2 hits transient errors until
	// attempts are exhausted.
	ledger := &mockLedger{
		submitErrs: []error{nil, errors.New("rpc down"), errors.New("rpc down")},
	}
	coord := newCoordinator(store, transfers, ledger)
	ctx := context.Background()

	pot := seedFundedPot(t, store, escrow.ModeFair, 300, 3)

	result, err := coord.Settle(ctx, pot.ID)
	if err != nil {
		t.Fatalf("first Settle failed: %v", err)
	}
	if result.Outcome != OutcomePartial {
		t.Fatalf("expected partially_settled, got %s", result.Outcome)
	}
	if result.Paid != 1 || result.Pending != 2 {
		t.Errorf("expected 1 paid / 2 pending, got %d/%d", result.Paid, result.Pending)
	}
	submitsAfterFirst := ledger.submits

	// RPC recovers; resume finishes the rest.
	result, err = coord.Resume(ctx, pot.ID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if result.Outcome != OutcomeSettled {
		t.Fatalf("expected settled after resume, got %s", result.Outcome)
	}
	if result.Paid != 3 {
		t.Errorf("expected 3 paid, got %d", result.Paid)
	}

	// The confirmed first payout was skipped via its idempotency key:
	// only the two remaining recipients hit the ledger again.
	if got := ledger.submits - submitsAfterFirst; got != 2 {
		t.Errorf("resume should submit exactly 2 transfers, got %d", got)
	}

	updated, _ := store.GetPot(ctx, pot.ID)
	if updated.Status != escrow.StatusSettled {
		t.Errorf("expected pot settled, got %s", updated.Status)
	}
}

func TestSettle_LotteryNotReadyLeavesPotUntouched(t *testing.T) {
	store := escrow.NewMemoryStore()
	transfers := NewMemoryTransferStore()
	ledger := &mockLedger{}
	coord := newCoordinator(store, transfers, ledger)
	ctx := context.Background()

	pot := seedFundedPot(t, store, escrow.ModeLottery, 1000, 2)
	// Drop one participant below locked so the draw refuses.
	participants, _ := store.ListParticipants(ctx, pot.ID)
	participants[1].Status = escrow.ParticipantAccepted
	participants[1].AmountPaid = 0
	store.UpdateParticipant(ctx, participants[1])

	result, err := coord.Settle(ctx, pot.ID)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if result.Outcome != OutcomePending {
		t.Fatalf("expected pending, got %s", result.Outcome)
	}
	if ledger.submits != 0 {
		t.Errorf("not-ready pot must not touch the ledger, got %d submits", ledger.submits)
	}

	updated, _ := store.GetPot(ctx, pot.ID)
	if updated.Status != escrow.StatusFunded {
		t.Errorf("not-ready refusal must not mutate the pot, got %s", updated.Status)
	}
}

func TestSettle_LotteryPaysSingleWinner(t *testing.T) {
	store := escrow.NewMemoryStore()
	transfers := NewMemoryTransferStore()
	ledger := &mockLedger{}
	coord := newCoordinator(store, transfers, ledger)
	ctx := context.Background()

	pot := seedFundedPot(t, store, escrow.ModeLottery, 1000, 4)

	result, err := coord.Settle(ctx, pot.ID)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if result.Outcome != OutcomeSettled {
		t.Fatalf("expected settled, got %s", result.Outcome)
	}
	if result.Paid != 1 {
		t.Errorf("lottery pays exactly one winner, got %d", result.Paid)
	}
	if ledger.submits != 1 {
		t.Errorf("expected 1 submit, got %d", ledger.submits)
	}

	participants, _ := store.ListParticipants(ctx, pot.ID)
	var paid, locked int
	for _, p := range participants {
		switch p.Status {
		case escrow.ParticipantPaid:
			paid++
			if p.AmountOwed != 1000 {
				t.Errorf("winner owed %d, want the full 1000", p.AmountOwed)
			}
		case escrow.ParticipantLocked:
			locked++
		default:
			t.Errorf("unexpected participant status %s", p.Status)
		}
	}
	if paid != 1 || locked != 3 {
		t.Errorf("expected 1 winner and 3 untouched, got %d/%d", paid, locked)
	}
}

func TestSettle_MissingDestinationMarkedFailed(t *testing.T) {
	store := escrow.NewMemoryStore()
	transfers := NewMemoryTransferStore()
	ledger := &mockLedger{}
	coord := newCoordinator(store, transfers, ledger)
	ctx := context.Background()

	pot := seedFundedPot(t, store, escrow.ModeFair, 300, 3)
	participants, _ := store.ListParticipants(ctx, pot.ID)
	participants[1].WalletAddress = ""
	store.UpdateParticipant(ctx, participants[1])

	result, err := coord.Settle(ctx, pot.ID)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if result.Outcome != OutcomePartial {
		t.Fatalf("expected partially_settled, got %s", result.Outcome)
	}
	if result.Paid != 2 || result.Failed != 1 {
		t.Errorf("expected 2 paid / 1 failed, got %d/%d", result.Paid, result.Failed)
	}

	participants, _ = store.ListParticipants(ctx, pot.ID)
	if participants[1].Status != escrow.ParticipantFailed {
		t.Errorf("expected failed, got %s", participants[1].Status)
	}
	if participants[1].FailReason != FailReasonMissingDestination {
		t.Errorf("expected fail reason %q, got %q", FailReasonMissingDestination, participants[1].FailReason)
	}
}

func TestResume_LotteryWithExcludedParticipant(t *testing.T) {
	store := escrow.NewMemoryStore()
	transfers := NewMemoryTransferStore()
	// The winner's transfer hits transient errors until attempts run out on
	// the first pass; the RPC recovers before the resume.
	ledger := &mockLedger{
		submitErrs: []error{errors.New("rpc down"), errors.New("rpc down")},
	}
	coord := newCoordinator(store, transfers, ledger)
	ctx := context.Background()

	pot := seedFundedPot(t, store, escrow.ModeLottery, 900, 3)
	// One locked participant never registered a wallet.
	participants, _ := store.ListParticipants(ctx, pot.ID)
	participants[1].WalletAddress = ""
	store.UpdateParticipant(ctx, participants[1])

	result, err := coord.Settle(ctx, pot.ID)
	if err != nil {
		t.Fatalf("first Settle failed: %v", err)
	}
	if result.Outcome != OutcomePartial {
		t.Fatalf("expected partially_settled, got %s", result.Outcome)
	}
	if result.Paid != 0 {
		t.Errorf("winner should not be paid yet, got %d paid", result.Paid)
	}

	// The first run marked the walletless participant failed. That must not
	// block the draw from running again.
	result, err = coord.Resume(ctx, pot.ID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if result.Outcome != OutcomePartial {
		t.Fatalf("expected partially_settled, got %s", result.Outcome)
	}
	if result.Paid != 1 {
		t.Fatalf("resume must pay the winner, got %d paid", result.Paid)
	}

	participants, _ = store.ListParticipants(ctx, pot.ID)
	var paid int
	for _, p := range participants {
		if p.Status == escrow.ParticipantPaid {
			paid++
			if p.AmountOwed != 900 {
				t.Errorf("winner owed %d, want the full 900", p.AmountOwed)
			}
		}
	}
	if paid != 1 {
		t.Errorf("expected exactly 1 winner paid, got %d", paid)
	}
}

func TestSettle_HaltedRunStillRecordsOwedAmounts(t *testing.T) {
	store := escrow.NewMemoryStore()
	transfers := NewMemoryTransferStore()
	ledger := &mockLedger{
		submitErrs: []error{nil, retry.Permanent(errors.New("transfer reverted"))},
	}
	coord := newCoordinator(store, transfers, ledger)
	ctx := context.Background()

	pot := seedFundedPot(t, store, escrow.ModeFair, 300, 3)

	result, err := coord.Settle(ctx, pot.ID)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if result.Outcome != OutcomePartial {
		t.Fatalf("expected partially_settled, got %s", result.Outcome)
	}

	// Every planned recipient keeps their owed share even though the run
	// halted before reaching the last one.
	participants, _ := store.ListParticipants(ctx, pot.ID)
	var owedSum int64
	for _, p := range participants {
		if p.AmountOwed == 0 {
			t.Errorf("participant %s has no owed amount recorded", p.ID)
		}
		owedSum += p.AmountOwed
	}
	if owedSum != 300 {
		t.Errorf("owed amounts sum to %d, want 300", owedSum)
	}
}

type captureNotifier struct {
	events []string
}

func (n *captureNotifier) Publish(eventType string, data interface{}) {
	n.events = append(n.events, eventType)
}

func TestSettle_PublishesProgressEvents(t *testing.T) {
	store := escrow.NewMemoryStore()
	transfers := NewMemoryTransferStore()
	notifier := &captureNotifier{}
	coord := newCoordinator(store, transfers, &mockLedger{}).WithNotifier(notifier)
	ctx := context.Background()

	pot := seedFundedPot(t, store, escrow.ModeFair, 200, 2)
	if _, err := coord.Settle(ctx, pot.ID); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}

	var paidEvents, settledEvents int
	for _, e := range notifier.events {
		switch e {
		case "participant_paid":
			paidEvents++
		case "pot_settled":
			settledEvents++
		}
	}
	if paidEvents != 2 {
		t.Errorf("expected 2 participant_paid events, got %d", paidEvents)
	}
	if settledEvents != 1 {
		t.Errorf("expected 1 pot_settled event, got %d", settledEvents)
	}
}
