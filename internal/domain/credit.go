package domain

import "time"

// TransactionReason classifies a ledger entry.
type TransactionReason string

const (
	ReasonGameReward      TransactionReason = "game_reward"
	ReasonPurchase        TransactionReason = "purchase"
	ReasonSpend           TransactionReason = "spend"
	ReasonAdminAdjustment TransactionReason = "admin_adjustment"
)

// CreditTransaction is one append-only ledger entry. Exactly one of
// AccountID and PlayerID is set: linked balances live on the account,
// anonymous balances on the player. ExternalOrderID, when present, is unique
// across all transactions; that uniqueness is the replay guard for payment
// confirmations.
type CreditTransaction struct {
	ID              string            `json:"id"`
	AccountID       *string           `json:"account_id,omitempty"`
	PlayerID        *string           `json:"player_id,omitempty"`
	Delta           int64             `json:"delta"`
	Reason          TransactionReason `json:"reason"`
	ExternalOrderID *string           `json:"external_order_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// CreditPackage is a purchasable credit bundle. Prices are in cents so the
// comparison against the processor-reported amount is exact.
type CreditPackage struct {
	Credits    int64 `json:"credits" yaml:"credits"`
	PriceCents int64 `json:"price_cents" yaml:"price_cents"`
}

// LedgerOwner identifies whose balance a ledger operation touches: a linked
// account or an anonymous player. Exactly one id is set.
type LedgerOwner struct {
	AccountID string
	PlayerID  string
}

// AccountOwner addresses an account balance.
func AccountOwner(accountID string) LedgerOwner {
	return LedgerOwner{AccountID: accountID}
}

// PlayerOwner addresses an anonymous player balance.
func PlayerOwner(playerID string) LedgerOwner {
	return LedgerOwner{PlayerID: playerID}
}

// Valid reports whether exactly one id is set.
func (o LedgerOwner) Valid() bool {
	return (o.AccountID == "") != (o.PlayerID == "")
}
