package receipts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/lib/pq"

	"github.com/mbd888/escrowd/internal/events"
)

// PostgresStore persists receipts in PostgreSQL. Legs are kept as JSONB and
// every party a receipt involves is indexed in a text array.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed receipt store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const receiptColumns = `id, reference, transaction_id, event, purchaser, merchant,
		       amount::TEXT, legs, payload_hash, signature,
		       issued_at, expires_at, created_at`

func (p *PostgresStore) Create(ctx context.Context, r *Receipt) error {
	legs, err := json.Marshal(r.Legs)
	if err != nil {
		return fmt.Errorf("encode legs: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrow_receipts (
			id, reference, transaction_id, event, purchaser, merchant,
			amount, legs, parties, payload_hash, signature,
			issued_at, expires_at, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::NUMERIC(20,0), $8, $9, $10, $11,
			$12, $13, $14
		)`,
		r.ID, r.Reference, int64(r.TransactionID), r.Event, r.Purchaser, r.Merchant, //nolint:gosec // ids fit in BIGINT
		strconv.FormatUint(r.Amount, 10), legs, pq.Array(parties(r)), r.PayloadHash, r.Signature,
		r.IssuedAt, r.ExpiresAt, r.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateReference
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Receipt, error) {
	return p.getOne(ctx, `SELECT `+receiptColumns+` FROM escrow_receipts WHERE id = $1`, id)
}

func (p *PostgresStore) GetByReference(ctx context.Context, reference string) (*Receipt, error) {
	return p.getOne(ctx, `SELECT `+receiptColumns+` FROM escrow_receipts WHERE reference = $1`, reference)
}

func (p *PostgresStore) ListByParty(ctx context.Context, party string, limit int) ([]*Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+receiptColumns+`
		FROM escrow_receipts
		WHERE parties @> ARRAY[$1]::TEXT[]
		ORDER BY created_at DESC, id
		LIMIT $2`, party, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanReceipts(rows)
}

func (p *PostgresStore) ListByTransaction(ctx context.Context, transactionID uint64) ([]*Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+receiptColumns+`
		FROM escrow_receipts
		WHERE transaction_id = $1
		ORDER BY created_at, id`, int64(transactionID)) //nolint:gosec // ids fit in BIGINT
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanReceipts(rows)
}

func (p *PostgresStore) getOne(ctx context.Context, query string, arg any) (*Receipt, error) {
	r, err := scanReceipt(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	return r, err
}

// parties lists everyone a receipt involves, without duplicates.
func parties(r *Receipt) []string {
	out := []string{r.Purchaser, r.Merchant}
	for _, leg := range r.Legs {
		out = append(out, leg.From, leg.To)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(sc scanner) (*Receipt, error) {
	var (
		r      Receipt
		txID   int64
		amount string
		legs   []byte
	)
	err := sc.Scan(
		&r.ID, &r.Reference, &txID, &r.Event, &r.Purchaser, &r.Merchant,
		&amount, &legs, &r.PayloadHash, &r.Signature,
		&r.IssuedAt, &r.ExpiresAt, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.TransactionID = uint64(txID) //nolint:gosec // ids are positive
	if r.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
		return nil, fmt.Errorf("parse receipt %s amount: %w", r.ID, err)
	}
	r.Legs = []events.Movement{}
	if err := json.Unmarshal(legs, &r.Legs); err != nil {
		return nil, fmt.Errorf("decode receipt %s legs: %w", r.ID, err)
	}
	return &r, nil
}

func scanReceipts(rows *sql.Rows) ([]*Receipt, error) {
	var result []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
