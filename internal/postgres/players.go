package postgres

import (
	"context"
	"fmt"

	"github.com/funhub-backend/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const playerCols = `id, device_id, display_name, account_id, last_active_at, created_at`

func scanPlayer(row pgx.Row) (*domain.Player, error) {
	var p domain.Player
	err := row.Scan(&p.ID, &p.DeviceID, &p.DisplayName, &p.AccountID, &p.LastActiveAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertPlayer creates a player on first contact or refreshes an existing
// one by device id.
func (r *Repository) UpsertPlayer(ctx context.Context, deviceID, displayName string) (*domain.Player, error) {
	query := `
		INSERT INTO players (id, device_id, display_name, last_active_at)
		VALUES ($1, $2, COALESCE(NULLIF($3, ''), 'Anonymous'), NOW())
		ON CONFLICT (device_id)
		DO UPDATE SET
			display_name = COALESCE(NULLIF($3, ''), players.display_name),
			last_active_at = NOW()
		RETURNING ` + playerCols
	p, err := scanPlayer(r.pool.QueryRow(ctx, query, uuid.NewString(), deviceID, displayName))
	if err != nil {
		return nil, fmt.Errorf("upserting player: %w", err)
	}
	return p, nil
}

// GetPlayerByDevice returns the player for a device id.
func (r *Repository) GetPlayerByDevice(ctx context.Context, deviceID string) (*domain.Player, error) {
	query := `SELECT ` + playerCols + ` FROM players WHERE device_id = $1`
	p, err := scanPlayer(r.pool.QueryRow(ctx, query, deviceID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrPlayerNotFound
		}
		return nil, fmt.Errorf("getting player by device: %w", err)
	}
	return p, nil
}

// GetPlayer returns a player by id.
func (r *Repository) GetPlayer(ctx context.Context, playerID string) (*domain.Player, error) {
	query := `SELECT ` + playerCols + ` FROM players WHERE id = $1`
	p, err := scanPlayer(r.pool.QueryRow(ctx, query, playerID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrPlayerNotFound
		}
		return nil, fmt.Errorf("getting player: %w", err)
	}
	return p, nil
}

// TouchPlayer refreshes a player's last-active timestamp.
func (r *Repository) TouchPlayer(ctx context.Context, playerID string) error {
	_, err := r.pool.Exec(ctx, `UPDATE players SET last_active_at = NOW() WHERE id = $1`, playerID)
	if err != nil {
		return fmt.Errorf("touching player: %w", err)
	}
	return nil
}

// LinkPlayerToAccount attaches a player to an account.
func (r *Repository) LinkPlayerToAccount(ctx context.Context, playerID, accountID string) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE players SET account_id = $2, last_active_at = NOW() WHERE id = $1`,
		playerID, accountID,
	)
	if err != nil {
		return fmt.Errorf("linking player to account: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrPlayerNotFound
	}
	return nil
}

const accountCols = `id, email, display_name, verified, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.Verified, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertAccountByEmail returns the account owning an email, creating it on
// first verification. The unique constraint on email is what guarantees one
// account per address under concurrent verifications.
func (r *Repository) UpsertAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	query := `
		INSERT INTO accounts (id, email)
		VALUES ($1, $2)
		ON CONFLICT (email)
		DO UPDATE SET updated_at = NOW()
		RETURNING ` + accountCols
	a, err := scanAccount(r.pool.QueryRow(ctx, query, uuid.NewString(), email))
	if err != nil {
		return nil, fmt.Errorf("upserting account: %w", err)
	}
	return a, nil
}

// GetAccount returns an account by id.
func (r *Repository) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	query := `SELECT ` + accountCols + ` FROM accounts WHERE id = $1`
	a, err := scanAccount(r.pool.QueryRow(ctx, query, accountID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("getting account: %w", err)
	}
	return a, nil
}

// DisplayNames resolves player ids to display names for leaderboard views.
func (r *Repository) DisplayNames(ctx context.Context, playerIDs []string) (map[string]string, error) {
	if len(playerIDs) == 0 {
		return map[string]string{}, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, display_name FROM players WHERE id = ANY($1)`, playerIDs)
	if err != nil {
		return nil, fmt.Errorf("resolving display names: %w", err)
	}
	defer rows.Close()

	names := make(map[string]string, len(playerIDs))
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scanning display name: %w", err)
		}
		names[id] = name
	}
	return names, rows.Err()
}
