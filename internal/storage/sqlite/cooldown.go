package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
)

// UpsertCooldown inserts or refreshes a provider_cooldowns row, grounded
// on the teacher's route.go CreateRoute/UpdateRoute pair but collapsed
// into a single upsert since cooldown.Manager always wants "set this
// quarantine, whether or not one already exists" rather than a distinct
// create-vs-update branch.
func (s *Store) UpsertCooldown(ctx context.Context, entry plexus.CooldownEntry) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO provider_cooldowns (provider, model, account_id, expiry, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (provider, model, account_id)
		 DO UPDATE SET expiry = excluded.expiry`,
		entry.Provider, entry.Model, entry.AccountID,
		entry.ExpiresAt.UTC().Format(time.RFC3339), entry.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert cooldown: %w", err)
	}
	return nil
}

// DeleteCooldown removes a single (provider, model, accountID) row.
func (s *Store) DeleteCooldown(ctx context.Context, provider, model, accountID string) error {
	_, err := s.write.ExecContext(ctx,
		`DELETE FROM provider_cooldowns WHERE provider = ? AND model = ? AND account_id = ?`,
		provider, model, accountID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: delete cooldown: %w", err)
	}
	return nil
}

// DeleteExpiredCooldowns removes every row whose expiry has passed,
// for the §4.3 startup sweep.
func (s *Store) DeleteExpiredCooldowns(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM provider_cooldowns WHERE expiry < ?`, now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete expired cooldowns: %w", err)
	}
	return result.RowsAffected()
}

// ListCooldowns returns every persisted cooldown row, used to repopulate
// cooldown.Manager's in-memory map at startup.
func (s *Store) ListCooldowns(ctx context.Context) ([]plexus.CooldownEntry, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT provider, model, account_id, expiry, created_at FROM provider_cooldowns`,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list cooldowns: %w", err)
	}
	defer rows.Close()

	var out []plexus.CooldownEntry
	for rows.Next() {
		e, err := scanCooldown(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClearCooldowns removes rows matching the given scope, where an empty
// string field is a wildcard over "this field and everything below it"
// per §4.3's right-to-left wildcard rule: clearing a provider with no
// model clears every model/account under it; clearing provider+model with
// no account clears every account under that model.
func (s *Store) ClearCooldowns(ctx context.Context, provider, model, accountID string) error {
	var clauses []string
	var args []any
	if provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, provider)
	}
	if model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, model)
	}
	if accountID != "" {
		clauses = append(clauses, "account_id = ?")
		args = append(args, accountID)
	}

	query := "DELETE FROM provider_cooldowns"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if _, err := s.write.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: clear cooldowns: %w", err)
	}
	return nil
}

func scanCooldown(row scanner) (plexus.CooldownEntry, error) {
	var e plexus.CooldownEntry
	var expiry, createdAt string
	if err := row.Scan(&e.Provider, &e.Model, &e.AccountID, &expiry, &createdAt); err != nil {
		return plexus.CooldownEntry{}, notFoundErr(err)
	}
	var err error
	if e.ExpiresAt, err = time.Parse(time.RFC3339, expiry); err != nil {
		return plexus.CooldownEntry{}, fmt.Errorf("sqlite: parse cooldown expiry: %w", err)
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return plexus.CooldownEntry{}, fmt.Errorf("sqlite: parse cooldown created_at: %w", err)
	}
	return e, nil
}
