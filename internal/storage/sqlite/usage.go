package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
)

// InsertUsage batch-inserts request_usage rows in a single round-trip,
// grounded verbatim on the teacher's usage.go InsertUsage: cols must match
// the placeholder count below, and a single multi-row INSERT avoids N
// round-trips for the worker's batched flush.
func (s *Store) InsertUsage(ctx context.Context, records []plexus.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	const cols = 20
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.RequestID, r.Date.UTC().Format(time.RFC3339), r.SourceIP, r.APIKey,
			string(r.IncomingAPIType), r.Provider, r.IncomingModelAlias, r.SelectedModelName,
			string(r.OutgoingAPIType),
			r.TokensInput, r.TokensOutput, r.TokensReasoning, r.TokensCached,
			r.StartTime.UTC().Format(time.RFC3339), r.DurationMs, boolToInt(r.IsStreamed),
			r.ResponseStatus, r.CostInput, r.CostOutput, r.CostTotal,
		)
	}

	query := `INSERT INTO request_usage
		(request_id, date, source_ip, api_key, incoming_api_type, provider,
		 incoming_model_alias, selected_model_name, outgoing_api_type,
		 tokens_input, tokens_output, tokens_reasoning, tokens_cached,
		 start_time, duration_ms, is_streamed, response_status,
		 cost_input, cost_output, cost_total)
		VALUES ` + strings.Join(placeholders, ", ")

	if _, err := s.write.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: insert usage: %w", err)
	}
	return nil
}

// SumCost returns the total accumulated cost for an API key, grounded on
// the teacher's SumUsageCost.
func (s *Store) SumCost(ctx context.Context, apiKey string) (float64, error) {
	var total float64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_total), 0) FROM request_usage WHERE api_key = ?`, apiKey,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sqlite: sum cost: %w", err)
	}
	return total, nil
}

// AvgThroughput returns tokens/sec for (provider, model) over the most
// recent 1000 completed requests, feeding the performance selector.
func (s *Store) AvgThroughput(ctx context.Context, provider, model string) (float64, bool, error) {
	var avgTokens, avgDurationMs sql.NullFloat64
	err := s.read.QueryRowContext(ctx,
		`SELECT AVG(tokens_output), AVG(duration_ms) FROM (
			SELECT tokens_output, duration_ms FROM request_usage
			WHERE provider = ? AND selected_model_name = ? AND response_status < 400
			ORDER BY start_time DESC LIMIT 1000
		)`, provider, model,
	).Scan(&avgTokens, &avgDurationMs)
	if err != nil {
		return 0, false, fmt.Errorf("sqlite: avg throughput: %w", err)
	}
	if !avgTokens.Valid || !avgDurationMs.Valid || avgDurationMs.Float64 <= 0 {
		return 0, false, nil
	}
	return avgTokens.Float64 / (avgDurationMs.Float64 / 1000), true, nil
}

// AvgTTFT returns avg_ttft_ms for (provider, model), and false when no
// streaming samples exist. Requires duration_ms to have been recorded as
// time-to-first-byte for streamed requests, which the dispatcher does not
// populate for non-streaming calls (duration_ms there is the full
// request), so this aggregate is scoped to is_streamed = 1.
func (s *Store) AvgTTFT(ctx context.Context, provider, model string) (float64, bool, error) {
	var avg sql.NullFloat64
	err := s.read.QueryRowContext(ctx,
		`SELECT AVG(duration_ms) FROM request_usage
		 WHERE provider = ? AND selected_model_name = ? AND is_streamed = 1 AND response_status < 400`,
		provider, model,
	).Scan(&avg)
	if err != nil {
		return 0, false, fmt.Errorf("sqlite: avg ttft: %w", err)
	}
	if !avg.Valid {
		return 0, false, nil
	}
	return avg.Float64, true, nil
}

// RequestCount24h returns the trailing-24h request count for (provider, model).
func (s *Store) RequestCount24h(ctx context.Context, provider, model string) (int64, error) {
	var n int64
	cutoff := time.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339)
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM request_usage WHERE provider = ? AND selected_model_name = ? AND start_time >= ?`,
		provider, model, cutoff,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: request count 24h: %w", err)
	}
	return n, nil
}
