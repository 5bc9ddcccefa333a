package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
)

// InsertDebugLog persists a debug_logs row. Called by internal/debug's
// Manager.Flush only when debug capture is enabled and the request was
// not marked ephemeral.
func (s *Store) InsertDebugLog(ctx context.Context, entry plexus.DebugLogEntry) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO debug_logs
			(request_id, raw_request, transformed_request, raw_response, transformed_response,
			 raw_response_snapshot, transformed_response_snapshot, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (request_id) DO UPDATE SET
			raw_request = excluded.raw_request,
			transformed_request = excluded.transformed_request,
			raw_response = excluded.raw_response,
			transformed_response = excluded.transformed_response,
			raw_response_snapshot = excluded.raw_response_snapshot,
			transformed_response_snapshot = excluded.transformed_response_snapshot`,
		entry.RequestID, entry.RawRequest, entry.TransformedRequest,
		entry.RawResponse, entry.TransformedResponse,
		entry.RawResponseSnapshot, entry.TransformedResponseSnapshot,
		entry.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert debug log: %w", err)
	}
	return nil
}

// GetDebugLog retrieves a persisted debug log by request id, for the
// management API's debug-log lookup endpoint.
func (s *Store) GetDebugLog(ctx context.Context, requestID string) (plexus.DebugLogEntry, bool, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT request_id, raw_request, transformed_request, raw_response, transformed_response,
		        raw_response_snapshot, transformed_response_snapshot, created_at
		 FROM debug_logs WHERE request_id = ?`, requestID,
	)

	var e plexus.DebugLogEntry
	var createdAt string
	err := row.Scan(&e.RequestID, &e.RawRequest, &e.TransformedRequest, &e.RawResponse, &e.TransformedResponse,
		&e.RawResponseSnapshot, &e.TransformedResponseSnapshot, &createdAt)
	if err != nil {
		if wrapped := notFoundErr(err); errors.Is(wrapped, plexus.ErrNotFound) {
			return plexus.DebugLogEntry{}, false, nil
		}
		return plexus.DebugLogEntry{}, false, fmt.Errorf("sqlite: get debug log %q: %w", requestID, err)
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return plexus.DebugLogEntry{}, false, fmt.Errorf("sqlite: parse debug log created_at: %w", err)
	}
	return e, true, nil
}
