package chain

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresAttemptStore persists attempts in the chain_attempts table.
type PostgresAttemptStore struct {
	db *sql.DB
}

func NewPostgresAttemptStore(db *sql.DB) *PostgresAttemptStore {
	return &PostgresAttemptStore{db: db}
}

var _ AttemptStore = (*PostgresAttemptStore)(nil)

func (p *PostgresAttemptStore) Get(ctx context.Context, key string) (*Attempt, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT key, order_id, direction, to_address, amount, asset,
		       tx_hash, nonce, payload, submitted_at,
		       status, block_number, created_at, updated_at
		FROM chain_attempts WHERE key = $1`, key)

	var (
		a           Attempt
		direction   string
		asset       string
		status      string
		nonce       int64
		blockNumber int64
	)
	err := row.Scan(
		&a.Key, &a.OrderID, &direction, &a.To, &a.Amount, &asset,
		&a.Tx.TxHash, &nonce, &a.Tx.Payload, &a.Tx.SubmittedAt,
		&status, &blockNumber, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Direction = Direction(direction)
	a.Asset = Asset(asset)
	a.Status = AttemptStatus(status)
	a.Tx.Key = a.Key
	a.Tx.Nonce = uint64(nonce)
	a.BlockNumber = uint64(blockNumber)
	return &a, nil
}

func (p *PostgresAttemptStore) Save(ctx context.Context, a *Attempt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chain_attempts (
			key, order_id, direction, to_address, amount, asset,
			tx_hash, nonce, payload, submitted_at,
			status, block_number, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(38,12), $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (key) DO UPDATE SET
			tx_hash = EXCLUDED.tx_hash,
			nonce = EXCLUDED.nonce,
			payload = EXCLUDED.payload,
			submitted_at = EXCLUDED.submitted_at,
			status = EXCLUDED.status,
			block_number = EXCLUDED.block_number,
			updated_at = EXCLUDED.updated_at`,
		a.Key, a.OrderID, string(a.Direction), a.To, a.Amount.String(), string(a.Asset),
		a.Tx.TxHash, int64(a.Tx.Nonce), a.Tx.Payload, a.Tx.SubmittedAt,
		string(a.Status), int64(a.BlockNumber), a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (p *PostgresAttemptStore) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM chain_attempts WHERE key = $1`, key)
	return err
}
