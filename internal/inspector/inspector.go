// Package inspector observes SSE/JSON-line upstream streams in flight per
// spec §4.6: it folds each parsed chunk into a dialect-specific running
// snapshot (so usage/finish metadata arriving only in the final chunk is
// still recoverable) and optionally captures the raw stream for debugging,
// up to a hard ceiling.
//
// Grounded on the teacher's internal/provider/sseutil package (the SSE line
// scanner and event/data line parser, reused near-verbatim since SSE
// framing is wire format shared by every dialect, not spec-specific
// behavior) and on internal/provider/sseutil.ReadSSEStream's "read lines,
// decode JSON, forward as a chunk" loop shape, generalized from a single
// OpenAI-shaped StreamChunk to a per-dialect Reducer.
package inspector

import (
	"bufio"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
)

const maxSSELineSize = 64 * 1024

// NewScanner returns a bufio.Scanner that yields one SSE line per Scan
// call, buffered large enough for the biggest realistic single-event
// payload.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxSSELineSize)
	return s
}

// ParseSSELine splits one SSE line into its event/data components, mirroring
// the wire-format parsing rules of the SSE spec: empty lines and comments
// (leading ':') are not events, "event: X" sets the type, "data: X" carries
// the payload.
func ParseSSELine(line string) (event, data string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}
	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	value = strings.TrimPrefix(value, " ")
	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}

// captureCeiling is §4.6's 10 MiB hard ceiling on raw stream buffering.
const captureCeiling = 10 << 20

const truncationMarker = "\n...[truncated]"

// Capture accumulates raw stream bytes up to captureCeiling, appending a
// truncation marker and discarding everything past it rather than growing
// unbounded.
type Capture struct {
	buf       []byte
	truncated bool
}

// Write implements io.Writer so a Capture can sit in an io.MultiWriter
// alongside the client-facing response writer.
func (c *Capture) Write(p []byte) (int, error) {
	n := len(p)
	if c.truncated {
		return n, nil
	}
	if len(c.buf)+len(p) > captureCeiling {
		room := captureCeiling - len(c.buf)
		if room > 0 {
			c.buf = append(c.buf, p[:room]...)
		}
		c.buf = append(c.buf, []byte(truncationMarker)...)
		c.truncated = true
		return n, nil
	}
	c.buf = append(c.buf, p...)
	return n, nil
}

// Bytes returns the captured (possibly truncated) raw stream.
func (c *Capture) Bytes() []byte { return c.buf }

// Reducer folds one parsed SSE data-line payload into a running,
// dialect-specific snapshot. Implementations hold their own snapshot state
// and are not safe for concurrent use -- one Reducer per in-flight stream.
type Reducer interface {
	// Reduce folds one chunk's JSON payload into the snapshot. event is
	// the SSE "event:" line preceding this data line, where the dialect
	// uses named events (Anthropic, the OAuth stream); empty otherwise.
	Reduce(event string, data []byte)
	// Snapshot returns the canonical-shaped reconstruction accumulated so
	// far, plus any usage extracted.
	Snapshot() (map[string]any, plexus.Usage)
}

// ForDialect returns the Reducer appropriate for dialect. OAuth-stream
// reconstruction is requested explicitly via NewOAuthReducer since it has
// no entry in plexus.Dialect (it is an upstream-specific event protocol,
// not a client-facing wire grammar).
func ForDialect(d plexus.Dialect) Reducer {
	switch d {
	case plexus.DialectMessages:
		return NewMessagesReducer()
	case plexus.DialectGemini:
		return NewGeminiReducer()
	case plexus.DialectResponses:
		return NewResponsesReducer()
	default:
		return NewChatReducer()
	}
}
