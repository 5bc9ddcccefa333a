package inspector

import (
	"context"
	"fmt"
	"io"

	plexus "github.com/plexusgw/plexus/internal"
)

// RunStream reads SSE lines from body, tees every raw line to tee (the
// client-facing writer, itself typically an io.MultiWriter wrapping the
// HTTP response and a Capture), and folds each data line into reducer.
// Lines are grouped into SSE messages the usual way: an "event:" line sets
// the pending event type for the data line(s) that follow, reset on the
// blank line separating messages. The "[DONE]" sentinel ends the stream
// without error. Returns the reducer's final snapshot and usage once the
// stream ends (EOF, [DONE], or ctx cancellation).
func RunStream(ctx context.Context, reducer Reducer, body io.Reader, tee io.Writer) (map[string]any, plexus.Usage, error) {
	scanner := NewScanner(body)
	var pendingEvent string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			snapshot, usage := reducer.Snapshot()
			return snapshot, usage, ctx.Err()
		default:
		}

		line := scanner.Text()
		if tee != nil {
			if _, err := tee.Write([]byte(line + "\n")); err != nil {
				return nil, plexus.Usage{}, fmt.Errorf("inspector: tee write: %w", err)
			}
		}

		if line == "" {
			pendingEvent = ""
			continue
		}

		event, data, ok := ParseSSELine(line)
		if !ok {
			continue
		}
		if event != "" {
			pendingEvent = event
			continue
		}
		if data == "[DONE]" {
			break
		}
		reducer.Reduce(pendingEvent, []byte(data))
	}

	if err := scanner.Err(); err != nil {
		snapshot, usage := reducer.Snapshot()
		return snapshot, usage, fmt.Errorf("inspector: read stream: %w", err)
	}

	snapshot, usage := reducer.Snapshot()
	return snapshot, usage, nil
}
