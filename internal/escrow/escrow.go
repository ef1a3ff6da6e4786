// Package escrow models the shared pot funded by bill-split participants.
//
// Flow:
//  1. Creator opens a pot with a total amount and a split mode
//  2. Participants are invited and accept
//  3. Participants contribute USDC into the pot (funding)
//  4. When funding completes the participant order is frozen and the
//     pot becomes eligible for settlement
//
// Settlement itself (planning, transfer execution, the pot state machine
// from funded onward) lives in the settlement package.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/splitpot/internal/idgen"
	"github.com/mbd888/splitpot/internal/metrics"
	"github.com/mbd888/splitpot/internal/pagination"
	"github.com/mbd888/splitpot/internal/syncutil"
	"github.com/mbd888/splitpot/internal/validation"
)

var (
	ErrPotNotFound         = errors.New("pot not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrInvalidStatus       = errors.New("invalid pot status for this operation")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrAlreadyInvited      = errors.New("participant already invited")
	ErrAlreadyContributed  = errors.New("participant already contributed")
	ErrNotAccepted         = errors.New("participant has not accepted the invite")
)

// Mode selects how the pot is disbursed.
type Mode string

const (
	ModeFair    Mode = "fair"    // proportional multi-party payout
	ModeLottery Mode = "lottery" // single winner takes the full pot
)

// Status represents the pot lifecycle state.
type Status string

const (
	StatusCreated          Status = "created"
	StatusFunding          Status = "funding"
	StatusFunded           Status = "funded"
	StatusDistributing     Status = "distributing"
	StatusSettled          Status = "settled"
	StatusPartiallySettled Status = "partially_settled"
	StatusFailed           Status = "failed"
)

// ParticipantStatus represents one participant's state within a pot.
type ParticipantStatus string

const (
	ParticipantInvited  ParticipantStatus = "invited"
	ParticipantAccepted ParticipantStatus = "accepted"
	ParticipantLocked   ParticipantStatus = "locked"
	ParticipantPaid     ParticipantStatus = "paid"
	ParticipantFailed   ParticipantStatus = "failed"
)

// Pot is the aggregate root for one shared escrow balance.
// All amounts are integers in micro-USDC; the pot never holds floats.
type Pot struct {
	ID          string `json:"id"`
	CreatorID   string `json:"creatorId"`
	Title       string `json:"title,omitempty"`
	TotalAmount int64  `json:"totalAmount"`
	Mode        Mode   `json:"mode"`
	Status      Status `json:"status"`

	// LockThreshold applies to lottery pots only: the fraction of
	// TotalAmount that must be locked before a winner can be drawn.
	LockThreshold float64 `json:"lockThreshold,omitempty"`

	// SettlementEpoch is assigned once when funding completes and never
	// changes afterward, so idempotency keys derived from it are stable
	// across resumed settlement runs.
	SettlementEpoch int `json:"settlementEpoch,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the pot is in a final state.
func (p *Pot) IsTerminal() bool {
	switch p.Status {
	case StatusSettled, StatusFailed:
		return true
	}
	return false
}

// Participant is one member's ledger entry for a pot. AmountPaid is the
// funding side (what they put in); AmountOwed is the payout side (what the
// settlement plan assigns to them).
type Participant struct {
	ID            string            `json:"id"`
	PotID         string            `json:"potId"`
	UserID        string            `json:"userId"`
	WalletAddress string            `json:"walletAddress,omitempty"`
	AmountOwed    int64             `json:"amountOwed"`
	AmountPaid    int64             `json:"amountPaid"`
	Status        ParticipantStatus `json:"status"`
	FailReason    string            `json:"failReason,omitempty"`

	// LockTxHash is the on-chain transaction that locked this
	// participant's contribution. The sorted set of lock hashes seeds
	// lottery winner selection.
	LockTxHash string `json:"lockTxHash,omitempty"`

	// Position fixes the deterministic iteration order for distribution.
	Position int `json:"position"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists pots and their participant ledgers.
type Store interface {
	CreatePot(ctx context.Context, pot *Pot) error
	GetPot(ctx context.Context, id string) (*Pot, error)
	UpdatePot(ctx context.Context, pot *Pot) error
	// ListPotsByUser returns pots newest-first, starting after the cursor
	// when one is given.
	ListPotsByUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Pot, error)

	CreateParticipant(ctx context.Context, p *Participant) error
	GetParticipant(ctx context.Context, id string) (*Participant, error)
	UpdateParticipant(ctx context.Context, p *Participant) error
	// ListParticipants returns the ledger in position order.
	ListParticipants(ctx context.Context, potID string) ([]*Participant, error)
}

// CreateRequest contains the parameters for opening a pot.
type CreateRequest struct {
	CreatorID     string  `json:"creatorId" binding:"required"`
	Title         string  `json:"title"`
	TotalAmount   int64   `json:"totalAmount" binding:"required"`
	Mode          Mode    `json:"mode" binding:"required"`
	LockThreshold float64 `json:"lockThreshold"`
}

// InviteRequest adds a participant to a pot.
type InviteRequest struct {
	UserID        string `json:"userId" binding:"required"`
	WalletAddress string `json:"walletAddress"`
}

// ContributeRequest records a participant's locked contribution.
type ContributeRequest struct {
	ParticipantID string `json:"participantId" binding:"required"`
	Amount        int64  `json:"amount" binding:"required"`
	LockTxHash    string `json:"lockTxHash" binding:"required"`
}

// Service implements the pot funding lifecycle. Settlement-phase status
// transitions (funded onward) belong to the settlement coordinator.
type Service struct {
	store Store
	locks syncutil.ShardedMutex // per-pot locks to serialize funding mutations
}

// NewService creates a new pot service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create opens a new pot in created state.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Pot, error) {
	if req.TotalAmount <= 0 {
		return nil, ErrInvalidAmount
	}
	switch req.Mode {
	case ModeFair, ModeLottery:
	default:
		return nil, fmt.Errorf("unknown split mode %q", req.Mode)
	}
	if req.Mode == ModeLottery && (req.LockThreshold <= 0 || req.LockThreshold > 1) {
		return nil, fmt.Errorf("lottery pots need a lock threshold in (0, 1]")
	}

	now := time.Now()
	pot := &Pot{
		ID:            idgen.WithPrefix("pot_"),
		CreatorID:     req.CreatorID,
		Title:         validation.SanitizeString(req.Title, 200),
		TotalAmount:   req.TotalAmount,
		Mode:          req.Mode,
		Status:        StatusCreated,
		LockThreshold: req.LockThreshold,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.CreatePot(ctx, pot); err != nil {
		return nil, fmt.Errorf("failed to create pot: %w", err)
	}

	metrics.PotsTotal.WithLabelValues(string(StatusCreated)).Inc()
	return pot, nil
}

// Invite adds a participant to a pot. Allowed while the pot is still
// created or funding; the position is appended at the end of the ledger.
func (s *Service) Invite(ctx context.Context, potID string, req InviteRequest) (*Participant, error) {
	unlock := s.locks.Lock(potID)
	defer unlock()

	pot, err := s.store.GetPot(ctx, potID)
	if err != nil {
		return nil, err
	}
	if pot.Status != StatusCreated && pot.Status != StatusFunding {
		return nil, ErrInvalidStatus
	}

	existing, err := s.store.ListParticipants(ctx, potID)
	if err != nil {
		return nil, err
	}
	for _, p := range existing {
		if p.UserID == req.UserID {
			return nil, ErrAlreadyInvited
		}
	}
	if req.WalletAddress != "" && !validation.IsValidEthAddress(req.WalletAddress) {
		return nil, fmt.Errorf("invalid wallet address %q", req.WalletAddress)
	}

	now := time.Now()
	participant := &Participant{
		ID:            idgen.WithPrefix("prt_"),
		PotID:         potID,
		UserID:        req.UserID,
		WalletAddress: validation.SanitizeAddress(req.WalletAddress),
		Status:        ParticipantInvited,
		Position:      len(existing),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.CreateParticipant(ctx, participant); err != nil {
		return nil, fmt.Errorf("failed to add participant: %w", err)
	}

	// First invite moves the pot into funding; TotalAmount is immutable
	// from here on.
	if pot.Status == StatusCreated {
		pot.Status = StatusFunding
		pot.UpdatedAt = now
		if err := s.store.UpdatePot(ctx, pot); err != nil {
			return nil, fmt.Errorf("failed to open funding: %w", err)
		}
		metrics.PotsTotal.WithLabelValues(string(StatusFunding)).Inc()
	}

	return participant, nil
}

// Accept marks an invited participant as accepted, optionally setting
// their payout address.
func (s *Service) Accept(ctx context.Context, participantID, walletAddress string) (*Participant, error) {
	participant, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(participant.PotID)
	defer unlock()

	if participant.Status != ParticipantInvited {
		return nil, ErrInvalidStatus
	}
	if walletAddress != "" {
		if !validation.IsValidEthAddress(walletAddress) {
			return nil, fmt.Errorf("invalid wallet address %q", walletAddress)
		}
		participant.WalletAddress = validation.SanitizeAddress(walletAddress)
	}

	participant.Status = ParticipantAccepted
	participant.UpdatedAt = time.Now()

	if err := s.store.UpdateParticipant(ctx, participant); err != nil {
		return nil, err
	}
	return participant, nil
}

// Contribute records a participant's locked funds. When the locked total
// reaches the pot's funding target, the pot transitions to funded, the
// participant order is frozen, and the settlement epoch is assigned.
func (s *Service) Contribute(ctx context.Context, potID string, req ContributeRequest) (*Pot, error) {
	unlock := s.locks.Lock(potID)
	defer unlock()

	pot, err := s.store.GetPot(ctx, potID)
	if err != nil {
		return nil, err
	}
	if pot.Status != StatusFunding {
		return nil, ErrInvalidStatus
	}
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	participant, err := s.store.GetParticipant(ctx, req.ParticipantID)
	if err != nil {
		return nil, err
	}
	if participant.PotID != potID {
		return nil, ErrParticipantNotFound
	}
	switch participant.Status {
	case ParticipantAccepted:
	case ParticipantLocked:
		return nil, ErrAlreadyContributed
	default:
		return nil, ErrNotAccepted
	}

	now := time.Now()
	participant.AmountPaid = req.Amount
	participant.LockTxHash = req.LockTxHash
	participant.Status = ParticipantLocked
	participant.UpdatedAt = now
	if err := s.store.UpdateParticipant(ctx, participant); err != nil {
		return nil, fmt.Errorf("failed to record contribution: %w", err)
	}

	funded, err := s.fundingComplete(ctx, pot)
	if err != nil {
		return nil, err
	}
	if funded {
		pot.Status = StatusFunded
		pot.SettlementEpoch = 1
		pot.UpdatedAt = now
		if err := s.store.UpdatePot(ctx, pot); err != nil {
			return nil, fmt.Errorf("failed to mark pot funded: %w", err)
		}
		metrics.PotsTotal.WithLabelValues(string(StatusFunded)).Inc()
	}

	return pot, nil
}

// fundingComplete checks whether the pot's funding target has been reached.
// Fair pots require the full total; lottery pots require every participant
// locked and the threshold met (the planner re-validates before drawing).
func (s *Service) fundingComplete(ctx context.Context, pot *Pot) (bool, error) {
	participants, err := s.store.ListParticipants(ctx, pot.ID)
	if err != nil {
		return false, err
	}
	if len(participants) == 0 {
		return false, nil
	}

	var locked int64
	allLocked := true
	for _, p := range participants {
		locked += p.AmountPaid
		if p.Status != ParticipantLocked {
			allLocked = false
		}
	}

	if pot.Mode == ModeLottery {
		threshold := int64(pot.LockThreshold * float64(pot.TotalAmount))
		return allLocked && locked >= threshold, nil
	}
	return locked >= pot.TotalAmount, nil
}

// Get returns a pot by ID.
func (s *Service) Get(ctx context.Context, id string) (*Pot, error) {
	return s.store.GetPot(ctx, id)
}

// Participants returns the pot's ledger in position order.
func (s *Service) Participants(ctx context.Context, potID string) ([]*Participant, error) {
	if _, err := s.store.GetPot(ctx, potID); err != nil {
		return nil, err
	}
	return s.store.ListParticipants(ctx, potID)
}

// ListByUser returns pots a user created, newest first. A non-nil cursor
// continues from a previous page.
func (s *Service) ListByUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Pot, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListPotsByUser(ctx, userID, before, limit)
}
