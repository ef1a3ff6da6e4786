package settlement

import (
	"context"
	"database/sql"
)

// PostgresTransferStore persists transfer records in PostgreSQL. The
// unique index on idempotency_key backs CreateIfAbsent: an insert that
// conflicts affects zero rows and surfaces as ErrDuplicateKey, which is
// how concurrent settlement runs collapse onto a single record.
type PostgresTransferStore struct {
	db *sql.DB
}

// NewPostgresTransferStore creates a new PostgreSQL-backed transfer store.
func NewPostgresTransferStore(db *sql.DB) *PostgresTransferStore {
	return &PostgresTransferStore{db: db}
}

const transferColumns = `id, pot_id, participant_id, amount, destination,
	       idempotency_key, attempt, status, tx_hash, last_error,
	       created_at, updated_at`

func (p *PostgresTransferStore) CreateIfAbsent(ctx context.Context, rec *TransferRecord) error {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO transfer_records (
			id, pot_id, participant_id, amount, destination,
			idempotency_key, attempt, status, tx_hash, last_error,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		rec.ID, rec.PotID, rec.ParticipantID, rec.Amount, rec.Destination,
		rec.IdempotencyKey, rec.Attempt, string(rec.Status),
		nullString(rec.TxHash), nullString(rec.LastError),
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDuplicateKey
	}
	return nil
}

func (p *PostgresTransferStore) FindByKey(ctx context.Context, key string) (*TransferRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+transferColumns+` FROM transfer_records WHERE idempotency_key = $1`, key)

	rec, err := scanTransferRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

func (p *PostgresTransferStore) Update(ctx context.Context, rec *TransferRecord) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transfer_records SET
			attempt = $1, status = $2, tx_hash = $3, last_error = $4,
			updated_at = $5
		WHERE idempotency_key = $6`,
		rec.Attempt, string(rec.Status), nullString(rec.TxHash),
		nullString(rec.LastError), rec.UpdatedAt, rec.IdempotencyKey,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (p *PostgresTransferStore) ListByPot(ctx context.Context, potID string) ([]*TransferRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transferColumns+`
		FROM transfer_records
		WHERE pot_id = $1
		ORDER BY created_at ASC`, potID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*TransferRecord
	for rows.Next() {
		rec, err := scanTransferRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransferRecord(s scanner) (*TransferRecord, error) {
	rec := &TransferRecord{}
	var (
		status    string
		txHash    sql.NullString
		lastError sql.NullString
	)

	err := s.Scan(
		&rec.ID, &rec.PotID, &rec.ParticipantID, &rec.Amount, &rec.Destination,
		&rec.IdempotencyKey, &rec.Attempt, &status, &txHash, &lastError,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = TransferStatus(status)
	rec.TxHash = txHash.String
	rec.LastError = lastError.String
	return rec, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresTransferStore implements TransferStore.
var _ TransferStore = (*PostgresTransferStore)(nil)
