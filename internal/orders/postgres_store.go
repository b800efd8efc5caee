package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/p2pescrow/internal/chain"
	"github.com/mbd888/p2pescrow/internal/pagination"
)

// PostgresStore persists the order ledger in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const orderColumns = `id, offer_id, maker_id, taker_id, asset_type, amount_asset, amount_fiat,
		       price_fiat_per_unit, payment_method, maker_address, taker_address, status,
		       created_at, escrow_at, payer_declared_at, resolved_at, updated_at`

const (
	constraintOneOpenDispute = "p2p_disputes_one_open"
	constraintOneEscrowPhase = "p2p_escrow_records_one_per_phase"
)

func (p *PostgresStore) Create(ctx context.Context, o *Order, msg *Message) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO p2p_orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(38,12), $7::NUMERIC(20,2), $8::NUMERIC(38,12),
		        $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		o.ID, o.OfferID, o.MakerID, o.TakerID, string(o.AssetType),
		o.AmountAsset.String(), o.AmountFiat.String(), o.PriceFiatPerUnit.String(),
		o.PaymentMethod, o.MakerAddress, o.TakerAddress, string(o.Status),
		o.CreatedAt, o.EscrowAt, o.PayerDeclaredAt, o.ResolvedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	if msg != nil {
		if err := insertMessage(ctx, tx, msg); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM p2p_orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

// Apply writes a change in one transaction. The status update is
// conditional on c.From; zero affected rows rolls everything back.
func (p *PostgresStore) Apply(ctx context.Context, c *Change) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if c.Order != nil {
		o := c.Order
		result, err := tx.ExecContext(ctx, `
			UPDATE p2p_orders SET
				status = $1, maker_address = $2, taker_address = $3,
				escrow_at = $4, payer_declared_at = $5, resolved_at = $6, updated_at = $7
			WHERE id = $8 AND status = $9`,
			string(o.Status), o.MakerAddress, o.TakerAddress,
			o.EscrowAt, o.PayerDeclaredAt, o.ResolvedAt, o.UpdatedAt,
			o.ID, string(c.From),
		)
		if err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return p.missingOrConflict(ctx, tx, o.ID)
		}
	}

	if r := c.Escrow; r != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO p2p_escrow_records (id, order_id, direction, tx_hash, block_number, address, amount, asset_type, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(38,12), $8, $9)`,
			r.ID, r.OrderID, string(r.Direction), r.TxHash, int64(r.BlockNumber), r.Address,
			r.Amount.String(), string(r.AssetType), r.CreatedAt,
		)
		if err != nil {
			return mapConstraint(err, "failed to insert escrow record")
		}
	}

	if d := c.OpenDispute; d != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO p2p_disputes (id, order_id, opened_by_id, reason, evidence, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			d.ID, d.OrderID, d.OpenedByID, d.Reason, d.Evidence, string(d.Status), d.CreatedAt,
		)
		if err != nil {
			return mapConstraint(err, "failed to insert dispute")
		}
	}

	if d := c.ResolveDispute; d != nil {
		result, err := tx.ExecContext(ctx, `
			UPDATE p2p_disputes SET status = $1, outcome = $2, resolved_by_id = $3, resolved_at = $4
			WHERE id = $5 AND status = 'open'`,
			string(d.Status), string(d.Outcome), d.ResolvedByID, d.ResolvedAt, d.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to resolve dispute: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrConflict
		}
	}

	if c.Message != nil {
		if err := insertMessage(ctx, tx, c.Message); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) missingOrConflict(ctx context.Context, tx *sql.Tx, id string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM p2p_orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrOrderNotFound
	}
	return ErrConflict
}

func (p *PostgresStore) ListStale(ctx context.Context, status Status, cutoff time.Time, limit int) ([]*Order, error) {
	var anchor string
	switch status {
	case StatusAwaitingEscrow:
		anchor = "created_at"
	case StatusAwaitingFiatPayment:
		anchor = "escrow_at"
	case StatusAwaitingConfirmation:
		anchor = "payer_declared_at"
	default:
		return nil, fmt.Errorf("no timeout defined for status %s", status)
	}
	return p.query(ctx, `
		SELECT `+orderColumns+` FROM p2p_orders
		WHERE status = $1 AND `+anchor+` < $2
		ORDER BY `+anchor+` ASC
		LIMIT $3`, string(status), cutoff, limit)
}

func (p *PostgresStore) ListByParty(ctx context.Context, userID string, statuses []Status, after *pagination.Cursor, limit int) ([]*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM p2p_orders WHERE (maker_id = $1 OR taker_id = $1)`
	args := []any{userID}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		args = append(args, pq.Array(names))
		query += ` AND status = ANY($` + strconv.Itoa(len(args)) + `)`
	}
	if after != nil {
		args = append(args, after.CreatedAt, after.ID)
		query += ` AND (created_at, id) < ($` + strconv.Itoa(len(args)-1) + `, $` + strconv.Itoa(len(args)) + `)`
	}
	args = append(args, limit)
	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args))
	return p.query(ctx, query, args...)
}

func (p *PostgresStore) Messages(ctx context.Context, orderID string) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, sender_id, kind, body, created_at
		FROM p2p_messages WHERE order_id = $1 ORDER BY seq ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := []*Message{}
	for rows.Next() {
		var (
			m    Message
			kind string
		)
		if err := rows.Scan(&m.ID, &m.OrderID, &m.SenderID, &kind, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Kind = MessageKind(kind)
		result = append(result, &m)
	}
	return result, rows.Err()
}

func (p *PostgresStore) EscrowRecords(ctx context.Context, orderID string) ([]*EscrowRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, direction, tx_hash, block_number, address, amount, asset_type, created_at
		FROM p2p_escrow_records WHERE order_id = $1 ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := []*EscrowRecord{}
	for rows.Next() {
		var (
			r         EscrowRecord
			direction string
			asset     string
			block     int64
		)
		if err := rows.Scan(&r.ID, &r.OrderID, &direction, &r.TxHash, &block, &r.Address, &r.Amount, &asset, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Direction = chain.Direction(direction)
		r.AssetType = chain.Asset(asset)
		r.BlockNumber = uint64(block)
		result = append(result, &r)
	}
	return result, rows.Err()
}

const disputeColumns = `id, order_id, opened_by_id, reason, evidence, status, outcome, resolved_by_id, created_at, resolved_at`

func (p *PostgresStore) Disputes(ctx context.Context, orderID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM p2p_disputes WHERE order_id = $1 ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := []*Dispute{}
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM p2p_disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func insertMessage(ctx context.Context, tx *sql.Tx, m *Message) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO p2p_messages (id, order_id, sender_id, kind, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.OrderID, m.SenderID, string(m.Kind), m.Body, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// mapConstraint turns unique violations on the ledger's one-per-order
// indexes into their sentinel errors.
func mapConstraint(err error, msg string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		switch pqErr.Constraint {
		case constraintOneOpenDispute:
			return ErrDisputeOpen
		case constraintOneEscrowPhase:
			return ErrEscrowRecorded
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*Order, error) {
	var (
		o                                   Order
		asset, status                       string
		escrowAt, payerDeclared, resolvedAt sql.NullTime
	)
	err := s.Scan(
		&o.ID, &o.OfferID, &o.MakerID, &o.TakerID, &asset, &o.AmountAsset, &o.AmountFiat,
		&o.PriceFiatPerUnit, &o.PaymentMethod, &o.MakerAddress, &o.TakerAddress, &status,
		&o.CreatedAt, &escrowAt, &payerDeclared, &resolvedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.AssetType = chain.Asset(asset)
	o.Status = Status(status)
	o.EscrowAt = nullTime(escrowAt)
	o.PayerDeclaredAt = nullTime(payerDeclared)
	o.ResolvedAt = nullTime(resolvedAt)
	return &o, nil
}

func scanDispute(s scanner) (*Dispute, error) {
	var (
		d               Dispute
		status, outcome string
		resolvedAt      sql.NullTime
	)
	err := s.Scan(&d.ID, &d.OrderID, &d.OpenedByID, &d.Reason, &d.Evidence, &status, &outcome,
		&d.ResolvedByID, &d.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	d.Status = DisputeStatus(status)
	d.Outcome = Outcome(outcome)
	d.ResolvedAt = nullTime(resolvedAt)
	return &d, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
