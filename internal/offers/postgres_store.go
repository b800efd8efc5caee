package offers

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/mbd888/p2pescrow/internal/chain"
	"github.com/mbd888/p2pescrow/internal/pagination"
)

// PostgresStore persists offers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const offerColumns = `id, owner_id, asset_type, price_fiat_per_unit, min_fiat, max_fiat,
		       payment_method, auto_reply, status, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO p2p_offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4::NUMERIC(38,12), $5::NUMERIC(20,2), $6::NUMERIC(20,2), $7, $8, $9, $10, $11)`,
		o.ID, o.OwnerID, string(o.AssetType),
		o.PriceFiatPerUnit.String(), o.MinFiat.String(), o.MaxFiat.String(),
		o.PaymentMethod, o.AutoReply, string(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM p2p_offers WHERE id = $1`, id)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *Offer) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE p2p_offers SET
			price_fiat_per_unit = $1::NUMERIC(38,12), min_fiat = $2::NUMERIC(20,2), max_fiat = $3::NUMERIC(20,2),
			payment_method = $4, auto_reply = $5, status = $6, updated_at = $7
		WHERE id = $8`,
		o.PriceFiatPerUnit.String(), o.MinFiat.String(), o.MaxFiat.String(),
		o.PaymentMethod, o.AutoReply, string(o.Status), o.UpdatedAt, o.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOfferNotFound
	}
	return nil
}

func (p *PostgresStore) ListActive(ctx context.Context, asset chain.Asset, after *pagination.Cursor, limit int) ([]*Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM p2p_offers WHERE status = 'ACTIVE'`
	args := []any{}
	if asset != "" {
		args = append(args, string(asset))
		query += ` AND asset_type = $1`
	}
	query, args = appendCursor(query, args, after, limit)
	return p.query(ctx, query, args...)
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string, after *pagination.Cursor, limit int) ([]*Offer, error) {
	query, args := appendCursor(`SELECT `+offerColumns+` FROM p2p_offers WHERE owner_id = $1`, []any{ownerID}, after, limit)
	return p.query(ctx, query, args...)
}

// appendCursor adds the keyset predicate, ordering and limit.
func appendCursor(query string, args []any, after *pagination.Cursor, limit int) (string, []any) {
	if after != nil {
		args = append(args, after.CreatedAt, after.ID)
		query += ` AND (created_at, id) < ($` + strconv.Itoa(len(args)-1) + `, $` + strconv.Itoa(len(args)) + `)`
	}
	args = append(args, limit)
	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args))
	return query, args
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOffer(s scanner) (*Offer, error) {
	var (
		o      Offer
		asset  string
		status string
	)
	err := s.Scan(
		&o.ID, &o.OwnerID, &asset, &o.PriceFiatPerUnit, &o.MinFiat, &o.MaxFiat,
		&o.PaymentMethod, &o.AutoReply, &status, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.AssetType = chain.Asset(asset)
	o.Status = Status(status)
	return &o, nil
}
