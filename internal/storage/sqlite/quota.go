package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
)

// GetQuotaState retrieves the running usage counter for keyName.
func (s *Store) GetQuotaState(ctx context.Context, keyName string) (plexus.QuotaState, bool, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT key_name, quota_name, limit_type, current_usage, last_updated, window_start
		 FROM quota_state WHERE key_name = ?`, keyName,
	)
	state, err := scanQuotaState(row)
	if errors.Is(err, plexus.ErrNotFound) {
		return plexus.QuotaState{}, false, nil
	}
	if err != nil {
		return plexus.QuotaState{}, false, fmt.Errorf("sqlite: get quota state %q: %w", keyName, err)
	}
	return state, true, nil
}

// UpsertQuotaState writes the current usage counter for a key, overwriting
// any previous row. Grounded on the cooldown upsert's INSERT ... ON
// CONFLICT shape, since the quota enforcer's "bump the counter" operation
// is likewise a blind set-to-latest rather than a distinguishable
// create-vs-update.
func (s *Store) UpsertQuotaState(ctx context.Context, state plexus.QuotaState) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO quota_state (key_name, quota_name, limit_type, current_usage, last_updated, window_start)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (key_name)
		 DO UPDATE SET quota_name = excluded.quota_name, limit_type = excluded.limit_type,
		               current_usage = excluded.current_usage, last_updated = excluded.last_updated,
		               window_start = excluded.window_start`,
		state.KeyName, state.QuotaName, string(state.LimitType), state.CurrentUsage,
		state.LastUpdated.UTC().Format(time.RFC3339), state.WindowStart.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert quota state: %w", err)
	}
	return nil
}

// ClearQuotaState resets a key's counter to zero and re-stamps the window
// start to now, used by the management API's quota-clear endpoint.
func (s *Store) ClearQuotaState(ctx context.Context, keyName string, now time.Time) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE quota_state SET current_usage = 0, last_updated = ?, window_start = ? WHERE key_name = ?`,
		now.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339), keyName,
	)
	if err != nil {
		return fmt.Errorf("sqlite: clear quota state: %w", err)
	}
	return checkRowsAffected(result, "quota state "+keyName)
}

func scanQuotaState(row scanner) (plexus.QuotaState, error) {
	var st plexus.QuotaState
	var limitType, lastUpdated, windowStart string
	err := row.Scan(&st.KeyName, &st.QuotaName, &limitType, &st.CurrentUsage, &lastUpdated, &windowStart)
	if err != nil {
		return plexus.QuotaState{}, notFoundErr(err)
	}
	st.LimitType = plexus.LimitType(limitType)
	if st.LastUpdated, err = time.Parse(time.RFC3339, lastUpdated); err != nil {
		return plexus.QuotaState{}, fmt.Errorf("parse last_updated: %w", err)
	}
	if st.WindowStart, err = time.Parse(time.RFC3339, windowStart); err != nil {
		return plexus.QuotaState{}, fmt.Errorf("parse window_start: %w", err)
	}
	return st, nil
}
