package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/lib/pq"
)

// PostgresStore persists transaction records in PostgreSQL. The id counter
// lives in a single-row table advanced in the same transaction as the insert.
// Amounts and heights are NUMERIC(20,0) and cross the driver as strings.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, purchaser, merchant, item_ref, amount::TEXT, state,
		       created_height::TEXT, expiration::TEXT, updated_height::TEXT,
		       purchaser_amount::TEXT, merchant_amount::TEXT, dispute_percent,
		       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Record) (uint64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	if err := tx.QueryRowContext(ctx, `
		UPDATE escrow_counter SET value = value + 1 WHERE singleton RETURNING value
	`).Scan(&id); err != nil {
		return 0, fmt.Errorf("advance counter: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_transactions (
			id, purchaser, merchant, item_ref, amount, state,
			created_height, expiration, updated_height,
			purchaser_amount, merchant_amount, dispute_percent,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(20,0), $6,
			$7::NUMERIC(20,0), $8::NUMERIC(20,0), $9::NUMERIC(20,0),
			$10::NUMERIC(20,0), $11::NUMERIC(20,0), $12,
			$13, $14
		)`,
		id, r.Purchaser, r.Merchant, nullString(r.ItemRef), u64(r.Amount), r.State.String(),
		u64(r.CreatedHeight), u64(r.Expiration), u64(r.UpdatedHeight),
		u64(r.PurchaserAmount), u64(r.MerchantAmount), nullPercent(r.DisputePercent),
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	r.ID = uint64(id) //nolint:gosec // counter starts at 0 and only grows
	return r.ID, nil
}

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM escrow_transactions WHERE id = $1`, int64(id)) //nolint:gosec // ids fit in BIGINT

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *Record, prev State) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			state = $1, expiration = $2::NUMERIC(20,0), updated_height = $3::NUMERIC(20,0),
			purchaser_amount = $4::NUMERIC(20,0), merchant_amount = $5::NUMERIC(20,0),
			dispute_percent = $6, updated_at = $7
		WHERE id = $8 AND state = $9`,
		r.State.String(), u64(r.Expiration), u64(r.UpdatedHeight),
		u64(r.PurchaserAmount), u64(r.MerchantAmount),
		nullPercent(r.DisputePercent), r.UpdatedAt,
		int64(r.ID), prev.String(), //nolint:gosec // ids fit in BIGINT
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM escrow_transactions WHERE id = $1)`, int64(r.ID), //nolint:gosec // ids fit in BIGINT
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleRecord
}

func (p *PostgresStore) Counter(ctx context.Context) (uint64, error) {
	var v int64
	if err := p.db.QueryRowContext(ctx, `SELECT value FROM escrow_counter WHERE singleton`).Scan(&v); err != nil {
		return 0, err
	}
	return uint64(v), nil //nolint:gosec // counter is never negative
}

func (p *PostgresStore) ListByParty(ctx context.Context, party string, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM escrow_transactions
		WHERE purchaser = $1 OR merchant = $1
		ORDER BY id DESC
		LIMIT $2`, normalize(party), limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) ListByState(ctx context.Context, state State, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM escrow_transactions
		WHERE state = $1
		ORDER BY id DESC
		LIMIT $2`, state.String(), limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) Totals(ctx context.Context) (Totals, error) {
	var (
		t              Totals
		locked, frozen string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE state = ANY($1)), 0)::TEXT,
			COALESCE(SUM(amount) FILTER (WHERE state = $2), 0)::TEXT,
			COUNT(*) FILTER (WHERE state = ANY($1))
		FROM escrow_transactions`,
		pq.Array([]string{StatePending.String(), StateApproved.String(), StateDisputed.String()}),
		StateFrozen.String(),
	).Scan(&locked, &frozen, &t.Open)
	if err != nil {
		return Totals{}, err
	}
	if t.Locked, err = strconv.ParseUint(locked, 10, 64); err != nil {
		return Totals{}, fmt.Errorf("parse locked total: %w", err)
	}
	if t.Frozen, err = strconv.ParseUint(frozen, 10, 64); err != nil {
		return Totals{}, fmt.Errorf("parse frozen total: %w", err)
	}
	return t, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		r                                   Record
		id                                  int64
		itemRef                             sql.NullString
		state                               string
		amount, created, expiration, update string
		purchaserAmt, merchantAmt           string
		percent                             sql.NullInt64
	)
	err := sc.Scan(
		&id, &r.Purchaser, &r.Merchant, &itemRef, &amount, &state,
		&created, &expiration, &update,
		&purchaserAmt, &merchantAmt, &percent,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.ID = uint64(id) //nolint:gosec // ids are positive
	r.ItemRef = itemRef.String
	if r.State, err = ParseState(state); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst *uint64
		raw string
	}{
		{&r.Amount, amount},
		{&r.CreatedHeight, created},
		{&r.Expiration, expiration},
		{&r.UpdatedHeight, update},
		{&r.PurchaserAmount, purchaserAmt},
		{&r.MerchantAmount, merchantAmt},
	} {
		if *f.dst, err = strconv.ParseUint(f.raw, 10, 64); err != nil {
			return nil, fmt.Errorf("parse transaction %d: %w", id, err)
		}
	}
	if percent.Valid {
		p := uint64(percent.Int64) //nolint:gosec // constrained to 0..100 by the schema
		r.DisputePercent = &p
	}
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullPercent(p *uint64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true} //nolint:gosec // at most 100
}

// limitOrAll maps a non-positive limit to NULL, which LIMIT treats as no limit.
func limitOrAll(limit int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
}
