package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/escrowd/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. Balances are NUMERIC(20,0)
// so the full uint64 range fits; values cross the driver as decimal strings.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, account string) (*Balance, error) {
	var (
		raw string
		bal = &Balance{Account: account}
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT balance::TEXT, updated_at FROM account_balances WHERE account = $1
	`, account).Scan(&raw, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		bal.UpdatedAt = time.Now()
		return bal, nil
	}
	if err != nil {
		return nil, err
	}
	if bal.Balance, err = strconv.ParseUint(raw, 10, 64); err != nil {
		return nil, fmt.Errorf("parse balance for %s: %w", account, err)
	}
	return bal, nil
}

func (p *PostgresStore) Credit(ctx context.Context, account string, amount uint64, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := creditTx(ctx, tx, account, amount); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, account, Credit, amount, "", reference); err != nil {
		return err
	}
	return tx.Commit()
}

// Apply runs every leg in one serializable transaction. Touched rows are
// locked in sorted order so concurrent settlements cannot deadlock.
func (p *PostgresStore) Apply(ctx context.Context, reference string, legs []Transfer) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		SELECT account FROM account_balances
		WHERE account = ANY($1)
		ORDER BY account
		FOR UPDATE
	`, pq.Array(touched(legs))); err != nil {
		return fmt.Errorf("lock balances: %w", err)
	}

	for _, leg := range legs {
		result, err := tx.ExecContext(ctx, `
			UPDATE account_balances SET
				balance    = balance - $2::NUMERIC(20,0),
				updated_at = NOW()
			WHERE account = $1 AND balance >= $2::NUMERIC(20,0)
		`, leg.From, strconv.FormatUint(leg.Amount, 10))
		if err != nil {
			return fmt.Errorf("debit %s: %w", leg.From, err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return ErrInsufficientFunds
		}
		if err := creditTx(ctx, tx, leg.To, leg.Amount); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, leg.From, Debit, leg.Amount, leg.To, reference); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, leg.To, Credit, leg.Amount, leg.From, reference); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account, direction, amount::TEXT, COALESCE(counterparty, ''), COALESCE(reference, ''), created_at
		FROM ledger_entries
		WHERE account = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, account, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		var (
			e   Entry
			raw string
		)
		if err := rows.Scan(&e.ID, &e.Account, &e.Direction, &raw, &e.Counterparty, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Amount, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("parse entry amount: %w", err)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

func creditTx(ctx context.Context, tx *sql.Tx, account string, amount uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO account_balances (account, balance, updated_at)
		VALUES ($1, $2::NUMERIC(20,0), NOW())
		ON CONFLICT (account) DO UPDATE SET
			balance    = account_balances.balance + $2::NUMERIC(20,0),
			updated_at = NOW()
	`, account, strconv.FormatUint(amount, 10))
	if err != nil {
		return fmt.Errorf("credit %s: %w", account, err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, account, direction string, amount uint64, counterparty, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account, direction, amount, counterparty, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,0), NULLIF($5, ''), NULLIF($6, ''), NOW())
	`, idgen.WithPrefix("ent_"), account, direction, strconv.FormatUint(amount, 10), counterparty, reference)
	if err != nil {
		return fmt.Errorf("record %s entry for %s: %w", direction, account, err)
	}
	return nil
}

func touched(legs []Transfer) []string {
	seen := make(map[string]bool, len(legs)*2)
	var out []string
	for _, leg := range legs {
		for _, a := range []string{leg.From, leg.To} {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	sort.Strings(out)
	return out
}

var _ Store = (*PostgresStore)(nil)
