package postgres

import (
	"context"
	"fmt"

	"github.com/funhub-backend/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const txCols = `id, account_id, player_id, delta, reason, external_order_id, created_at`

func scanTransaction(row pgx.Row) (*domain.CreditTransaction, error) {
	var t domain.CreditTransaction
	err := row.Scan(&t.ID, &t.AccountID, &t.PlayerID, &t.Delta, &t.Reason, &t.ExternalOrderID, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func ownerColumns(owner domain.LedgerOwner) (accountID, playerID *string) {
	if owner.AccountID != "" {
		return &owner.AccountID, nil
	}
	return nil, &owner.PlayerID
}

// Balance sums the owner's ledger deltas. An owner with no transactions has
// balance zero.
func (r *Repository) Balance(ctx context.Context, owner domain.LedgerOwner) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM credit_transactions
		 WHERE (account_id = $1 AND $1 IS NOT NULL) OR (player_id = $2 AND $2 IS NOT NULL)`,
		nullable(owner.AccountID), nullable(owner.PlayerID),
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("summing balance: %w", err)
	}
	return balance, nil
}

// InsertTransaction appends a ledger entry unconditionally. Used for
// credits, which cannot violate the non-negative balance invariant.
func (r *Repository) InsertTransaction(ctx context.Context, owner domain.LedgerOwner, delta int64, reason domain.TransactionReason) (*domain.CreditTransaction, error) {
	accountID, playerID := ownerColumns(owner)
	row := r.pool.QueryRow(ctx,
		`INSERT INTO credit_transactions (id, account_id, player_id, delta, reason)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+txCols,
		uuid.NewString(), accountID, playerID, delta, reason,
	)
	t, err := scanTransaction(row)
	if err != nil {
		return nil, fmt.Errorf("inserting transaction: %w", err)
	}
	return t, nil
}

// AppendDebit appends a negative entry only if the resulting balance stays
// non-negative. The owner's identity row is locked for the duration of the
// check-and-append, serializing concurrent debits per owner without
// touching any other account.
func (r *Repository) AppendDebit(ctx context.Context, owner domain.LedgerOwner, amount int64, reason domain.TransactionReason) (*domain.CreditTransaction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning debit transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockOwner(ctx, tx, owner); err != nil {
		return nil, err
	}

	accountID, playerID := ownerColumns(owner)
	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM credit_transactions
		 WHERE (account_id = $1 AND $1 IS NOT NULL) OR (player_id = $2 AND $2 IS NOT NULL)`,
		accountID, playerID,
	).Scan(&balance)
	if err != nil {
		return nil, fmt.Errorf("summing balance for debit: %w", err)
	}
	if balance < amount {
		return nil, domain.ErrInsufficientCredits
	}

	row := tx.QueryRow(ctx,
		`INSERT INTO credit_transactions (id, account_id, player_id, delta, reason)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+txCols,
		uuid.NewString(), accountID, playerID, -amount, reason,
	)
	t, err := scanTransaction(row)
	if err != nil {
		return nil, fmt.Errorf("inserting debit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing debit: %w", err)
	}
	return t, nil
}

// InsertUniqueOrder appends a credit keyed by the external order id. The
// partial unique index is the sole replay guard: a second insert for the
// same order hits the conflict, inserts nothing, and the prior transaction
// is returned with inserted=false.
func (r *Repository) InsertUniqueOrder(ctx context.Context, owner domain.LedgerOwner, delta int64, reason domain.TransactionReason, orderID string) (*domain.CreditTransaction, bool, error) {
	accountID, playerID := ownerColumns(owner)
	row := r.pool.QueryRow(ctx,
		`INSERT INTO credit_transactions (id, account_id, player_id, delta, reason, external_order_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (external_order_id) WHERE external_order_id IS NOT NULL
		 DO NOTHING
		 RETURNING `+txCols,
		uuid.NewString(), accountID, playerID, delta, reason, orderID,
	)
	t, err := scanTransaction(row)
	if err == nil {
		return t, true, nil
	}
	if err != pgx.ErrNoRows {
		return nil, false, fmt.Errorf("inserting order transaction: %w", err)
	}

	// Conflict path: the order was recorded by an earlier request.
	row = r.pool.QueryRow(ctx,
		`SELECT `+txCols+` FROM credit_transactions WHERE external_order_id = $1`, orderID)
	t, err = scanTransaction(row)
	if err != nil {
		return nil, false, fmt.Errorf("loading prior order transaction: %w", err)
	}
	return t, false, nil
}

// TransferBalance moves an anonymous player's entire balance onto a linked
// account as a matched pair of adjustment entries in one transaction. Both
// identity rows are locked, account first, for a stable lock order.
func (r *Repository) TransferBalance(ctx context.Context, playerID, accountID string, reason domain.TransactionReason) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transfer: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockOwner(ctx, tx, domain.AccountOwner(accountID)); err != nil {
		return 0, err
	}
	if err := lockOwner(ctx, tx, domain.PlayerOwner(playerID)); err != nil {
		return 0, err
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM credit_transactions WHERE player_id = $1`,
		playerID,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("summing player balance: %w", err)
	}
	if balance <= 0 {
		return 0, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO credit_transactions (id, player_id, delta, reason)
		 VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), playerID, -balance, reason,
	)
	if err != nil {
		return 0, fmt.Errorf("debiting player for transfer: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO credit_transactions (id, account_id, delta, reason)
		 VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), accountID, balance, reason,
	)
	if err != nil {
		return 0, fmt.Errorf("crediting account for transfer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing transfer: %w", err)
	}
	return balance, nil
}

// lockOwner takes a row lock on the owner's identity row so concurrent
// spends on the same balance serialize.
func lockOwner(ctx context.Context, tx pgx.Tx, owner domain.LedgerOwner) error {
	var query, id string
	if owner.AccountID != "" {
		query, id = `SELECT 1 FROM accounts WHERE id = $1 FOR UPDATE`, owner.AccountID
	} else {
		query, id = `SELECT 1 FROM players WHERE id = $1 FOR UPDATE`, owner.PlayerID
	}
	var one int
	if err := tx.QueryRow(ctx, query, id).Scan(&one); err != nil {
		if err == pgx.ErrNoRows {
			if owner.AccountID != "" {
				return domain.ErrAccountNotFound
			}
			return domain.ErrPlayerNotFound
		}
		return fmt.Errorf("locking owner row: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
