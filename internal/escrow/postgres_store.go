package escrow

import (
	"context"
	"database/sql"

	"github.com/mbd888/splitpot/internal/pagination"
)

// PostgresStore persists pot data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed pot store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const potColumns = `id, creator_id, title, total_amount, mode, status,
	       lock_threshold, settlement_epoch, created_at, updated_at`

func (p *PostgresStore) CreatePot(ctx context.Context, pot *Pot) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pots (
			id, creator_id, title, total_amount, mode, status,
			lock_threshold, settlement_epoch, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pot.ID, pot.CreatorID, nullString(pot.Title), pot.TotalAmount,
		string(pot.Mode), string(pot.Status),
		pot.LockThreshold, pot.SettlementEpoch, pot.CreatedAt, pot.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetPot(ctx context.Context, id string) (*Pot, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+potColumns+` FROM pots WHERE id = $1`, id)

	pot, err := scanPot(row)
	if err == sql.ErrNoRows {
		return nil, ErrPotNotFound
	}
	return pot, err
}

func (p *PostgresStore) UpdatePot(ctx context.Context, pot *Pot) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE pots SET
			status = $1, settlement_epoch = $2, updated_at = $3
		WHERE id = $4`,
		string(pot.Status), pot.SettlementEpoch, pot.UpdatedAt, pot.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPotNotFound
	}
	return nil
}

func (p *PostgresStore) ListPotsByUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Pot, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+potColumns+`
			FROM pots
			WHERE creator_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, userID, before.CreatedAt, before.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+potColumns+`
			FROM pots
			WHERE creator_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Pot
	for rows.Next() {
		pot, err := scanPot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pot)
	}
	return result, rows.Err()
}

const participantColumns = `id, pot_id, user_id, wallet_address, amount_owed,
	       amount_paid, status, fail_reason, lock_tx_hash, position,
	       created_at, updated_at`

func (p *PostgresStore) CreateParticipant(ctx context.Context, prt *Participant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO participants (
			id, pot_id, user_id, wallet_address, amount_owed,
			amount_paid, status, fail_reason, lock_tx_hash, position,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		prt.ID, prt.PotID, prt.UserID, nullString(prt.WalletAddress),
		prt.AmountOwed, prt.AmountPaid, string(prt.Status),
		nullString(prt.FailReason), nullString(prt.LockTxHash), prt.Position,
		prt.CreatedAt, prt.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetParticipant(ctx context.Context, id string) (*Participant, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = $1`, id)

	prt, err := scanParticipant(row)
	if err == sql.ErrNoRows {
		return nil, ErrParticipantNotFound
	}
	return prt, err
}

func (p *PostgresStore) UpdateParticipant(ctx context.Context, prt *Participant) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE participants SET
			wallet_address = $1, amount_owed = $2, amount_paid = $3,
			status = $4, fail_reason = $5, lock_tx_hash = $6, updated_at = $7
		WHERE id = $8`,
		nullString(prt.WalletAddress), prt.AmountOwed, prt.AmountPaid,
		string(prt.Status), nullString(prt.FailReason), nullString(prt.LockTxHash),
		prt.UpdatedAt, prt.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

func (p *PostgresStore) ListParticipants(ctx context.Context, potID string) ([]*Participant, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+participantColumns+`
		FROM participants
		WHERE pot_id = $1
		ORDER BY position ASC`, potID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Participant
	for rows.Next() {
		prt, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, prt)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPot(s scanner) (*Pot, error) {
	pot := &Pot{}
	var (
		title  sql.NullString
		mode   string
		status string
	)

	err := s.Scan(
		&pot.ID, &pot.CreatorID, &title, &pot.TotalAmount, &mode, &status,
		&pot.LockThreshold, &pot.SettlementEpoch, &pot.CreatedAt, &pot.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	pot.Title = title.String
	pot.Mode = Mode(mode)
	pot.Status = Status(status)
	return pot, nil
}

func scanParticipant(s scanner) (*Participant, error) {
	prt := &Participant{}
	var (
		walletAddr sql.NullString
		failReason sql.NullString
		lockTxHash sql.NullString
		status     string
	)

	err := s.Scan(
		&prt.ID, &prt.PotID, &prt.UserID, &walletAddr, &prt.AmountOwed,
		&prt.AmountPaid, &status, &failReason, &lockTxHash, &prt.Position,
		&prt.CreatedAt, &prt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	prt.WalletAddress = walletAddr.String
	prt.FailReason = failReason.String
	prt.LockTxHash = lockTxHash.String
	prt.Status = ParticipantStatus(status)
	return prt, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
