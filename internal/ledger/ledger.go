// Package ledger implements the append-only credit ledger. Balances are
// derived by summing transaction deltas; nothing ever updates a balance
// column in place. Purchase confirmation is idempotent on the external
// order id.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/funhub-backend/internal/domain"
)

// Store is the durable transaction log the ledger appends to. AppendDebit
// must serialize concurrent debits per owner so the balance can never go
// negative; InsertUniqueOrder must treat the external order id as a
// one-shot key.
type Store interface {
	Balance(ctx context.Context, owner domain.LedgerOwner) (int64, error)
	InsertTransaction(ctx context.Context, owner domain.LedgerOwner, delta int64, reason domain.TransactionReason) (*domain.CreditTransaction, error)
	AppendDebit(ctx context.Context, owner domain.LedgerOwner, amount int64, reason domain.TransactionReason) (*domain.CreditTransaction, error)
	InsertUniqueOrder(ctx context.Context, owner domain.LedgerOwner, delta int64, reason domain.TransactionReason, orderID string) (*domain.CreditTransaction, bool, error)
	TransferBalance(ctx context.Context, playerID, accountID string, reason domain.TransactionReason) (int64, error)
	GetPlayer(ctx context.Context, playerID string) (*domain.Player, error)
}

// PaymentVerifier checks an order id with the external payment provider and
// reports the amount actually captured, in cents.
type PaymentVerifier interface {
	VerifyOrder(ctx context.Context, orderID string) (capturedCents int64, err error)
}

// PurchaseResult reports the outcome of a purchase confirmation. Duplicate
// is true when the order id had already been credited; TransactionID then
// names the original grant and the credits and balance describe the prior
// state, unchanged.
type PurchaseResult struct {
	TransactionID string
	Credits       int64
	Balance       int64
	Duplicate     bool
}

// Ledger is the credit service. All mutations go through the append-only
// store.
type Ledger struct {
	store    Store
	verifier PaymentVerifier
	packages map[string]domain.CreditPackage
	logger   *slog.Logger
}

// New creates a credit ledger. verifier may be nil, in which case purchase
// confirmation is refused outright.
func New(store Store, verifier PaymentVerifier, packages map[string]domain.CreditPackage, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:    store,
		verifier: verifier,
		packages: packages,
		logger:   logger,
	}
}

// Balance returns the owner's current balance, the sum of all its deltas.
func (l *Ledger) Balance(ctx context.Context, owner domain.LedgerOwner) (int64, error) {
	if !owner.Valid() {
		return 0, domain.ErrInvalidRequest
	}
	return l.store.Balance(ctx, owner)
}

// Credit appends a positive delta to the owner's ledger.
func (l *Ledger) Credit(ctx context.Context, owner domain.LedgerOwner, amount int64, reason domain.TransactionReason) error {
	if !owner.Valid() || amount <= 0 {
		return domain.ErrInvalidRequest
	}
	if _, err := l.store.InsertTransaction(ctx, owner, amount, reason); err != nil {
		return fmt.Errorf("appending credit: %w", err)
	}
	return nil
}

// Debit spends credits from the owner's balance. Returns the balance after
// the debit, or ErrInsufficientCredits without mutation when the balance
// does not cover the amount.
func (l *Ledger) Debit(ctx context.Context, owner domain.LedgerOwner, amount int64, reason domain.TransactionReason) (int64, error) {
	if !owner.Valid() || amount <= 0 {
		return 0, domain.ErrInvalidRequest
	}
	if _, err := l.store.AppendDebit(ctx, owner, amount, reason); err != nil {
		return 0, err
	}
	return l.store.Balance(ctx, owner)
}

// RewardPlayer credits a game reward to whoever owns the player's balance.
// A linked player feeds the account ledger, an anonymous one keeps local
// credits keyed on the player row.
func (l *Ledger) RewardPlayer(ctx context.Context, playerID string, credits int64, gameID string) error {
	player, err := l.store.GetPlayer(ctx, playerID)
	if err != nil {
		return fmt.Errorf("resolving reward owner: %w", err)
	}
	owner := domain.PlayerOwner(player.ID)
	if player.AccountID != nil {
		owner = domain.AccountOwner(*player.AccountID)
	}
	if err := l.Credit(ctx, owner, credits, domain.ReasonGameReward); err != nil {
		return err
	}
	l.logger.Debug("game reward credited",
		"player_id", playerID,
		"game_id", gameID,
		"credits", credits,
	)
	return nil
}

// ConfirmPurchase verifies an external order with the payment provider and,
// on success, credits the package exactly once. Re-confirming an already
// credited order returns the prior result with Duplicate set instead of an
// error.
func (l *Ledger) ConfirmPurchase(ctx context.Context, owner domain.LedgerOwner, packageID, orderID string) (*PurchaseResult, error) {
	if !owner.Valid() || orderID == "" {
		return nil, domain.ErrInvalidRequest
	}
	if l.verifier == nil {
		return nil, fmt.Errorf("%w: payment verification is not configured", domain.ErrVerificationFailed)
	}
	pkg, ok := l.packages[packageID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown package %q", domain.ErrInvalidRequest, packageID)
	}

	captured, err := l.verifier.VerifyOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrVerificationFailed, err)
	}
	if captured < pkg.PriceCents {
		return nil, fmt.Errorf("%w: captured %d cents, package costs %d", domain.ErrVerificationFailed, captured, pkg.PriceCents)
	}

	tx, inserted, err := l.store.InsertUniqueOrder(ctx, owner, pkg.Credits, domain.ReasonPurchase, orderID)
	if err != nil {
		return nil, fmt.Errorf("recording purchase: %w", err)
	}

	balance, err := l.store.Balance(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("reading balance: %w", err)
	}

	if !inserted {
		l.logger.Info("duplicate purchase confirmation absorbed",
			"order_id", orderID,
			"package_id", packageID,
		)
		return &PurchaseResult{TransactionID: tx.ID, Credits: tx.Delta, Balance: balance, Duplicate: true}, nil
	}

	l.logger.Info("purchase credited",
		"order_id", orderID,
		"package_id", packageID,
		"credits", pkg.Credits,
	)
	return &PurchaseResult{TransactionID: tx.ID, Credits: pkg.Credits, Balance: balance}, nil
}

// MergeLocal moves an anonymous player's local credits onto its account
// ledger. Safe to call when there is nothing to move.
func (l *Ledger) MergeLocal(ctx context.Context, playerID, accountID string) (int64, error) {
	moved, err := l.store.TransferBalance(ctx, playerID, accountID, domain.ReasonAdminAdjustment)
	if err != nil {
		return 0, fmt.Errorf("merging local credits: %w", err)
	}
	if moved > 0 {
		l.logger.Info("local credits merged",
			"player_id", playerID,
			"account_id", accountID,
			"credits", moved,
		)
	}
	return moved, nil
}
