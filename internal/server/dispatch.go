package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/auth"
	"github.com/plexusgw/plexus/internal/dialect"
	"github.com/plexusgw/plexus/internal/inspector"
	"github.com/plexusgw/plexus/internal/pricing"
)

// bodyPool reuses buffers for request body reads, avoiding a per-request
// allocation from json.NewDecoder (which cannot be pooled/reset).
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// maxRequestBody is the maximum allowed request body size, matching the
// teacher's own cap.
const maxRequestBody = 4 << 20

// readRequestBody reads r.Body via bodyPool under maxRequestBody, returning
// the raw bytes. The caller is responsible for releasing buf via
// bodyPool.Put once raw is no longer referenced (raw is a copy, not a view
// into buf's backing array, so this is safe to call before raw is used).
func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	defer bodyPool.Put(buf)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return nil, false
	}
	raw := make([]byte, buf.Len())
	copy(raw, buf.Bytes())
	return raw, true
}

// handleDialect returns a handler that decodes an incoming request as d,
// estimates and checks TPM, checks the key's quota, dispatches, and writes
// the response back in d's own wire shape. Shared by every JSON-bodied
// dialect endpoint (chat, messages, responses, embeddings, speech, images
// generations); the Gemini, transcription, and image-edit routes need
// endpoint-specific request shaping ahead of this common path and so call
// dispatchAndRespond directly.
func (s *server) handleDialect(d plexus.Dialect) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := readRequestBody(w, r)
		if !ok {
			return
		}
		s.dispatchAndRespond(w, r, d, raw)
	}
}

// dispatchAndRespond runs the full pre-dispatch/dispatch/post-dispatch
// pipeline for a client request already decoded to raw bytes in dialect d.
func (s *server) dispatchAndRespond(w http.ResponseWriter, r *http.Request, d plexus.Dialect, raw []byte) {
	ctx := r.Context()
	requestID := plexus.RequestIDFromContext(ctx)

	transformer, ok := s.deps.Dialects.Get(d)
	if !ok {
		writeJSON(w, http.StatusBadGateway, errorResponse("unsupported dialect"))
		return
	}
	body, err := transformer.Parse(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}
	model, _ := body["model"].(string)
	stream, _ := body["stream"].(bool)

	identity, hasIdentity := auth.IdentityFromContext(ctx)

	estimated := int64(100)
	if s.deps.TokenCounter != nil {
		estimated = int64(s.deps.TokenCounter.EstimateRequest(model, body))
	}
	if hasIdentity && !s.consumeTPM(w, identity.Key.Name, estimated) {
		return
	}

	var quotaDef plexus.QuotaDefinition
	var hasQuota bool
	if hasIdentity && s.deps.Quota != nil {
		cfg := s.deps.Config()
		if def, ok := auth.QuotaFor(cfg, identity); ok {
			quotaDef = def
			hasQuota = true
			result, allowed, err := s.deps.Quota.Check(ctx, identity.Key.Name, def)
			if err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "quota check failed", slog.String("error", err.Error()))
			} else if !allowed {
				writeJSON(w, http.StatusTooManyRequests, quotaExceededBody{Error: quotaExceededDetail{
					Message:   "quota exceeded",
					Type:      "quota_exceeded",
					QuotaName: def.Name, CurrentUsage: def.Limit - result.Remaining,
					Limit: result.Limit, ResetsAt: result.ResetsAt.Unix(),
				}})
				return
			}
		}
	}

	var stopDebug func()
	if s.deps.Debug != nil {
		stopDebug = s.deps.Debug.Start(ctx, requestID, !hasIdentity)
		// The dispatcher doesn't expose the provider-bound transformed
		// outgoing body back to the caller, so the "transformed" field
		// records the same bytes the client sent; SetResponse below
		// captures the real transformation on the response side.
		s.deps.Debug.SetRequest(requestID, raw, raw)
	}

	req := plexus.UnifiedRequest{
		Model:           model,
		IncomingDialect: d,
		OriginalBody:    raw,
		Body:            body,
		RequestID:       requestID,
		Stream:          stream,
	}

	start := time.Now()
	if stream {
		s.dispatchAndRespondStream(w, r, req, identity, hasIdentity, estimated, quotaDef, hasQuota, start, stopDebug)
		return
	}

	resp, err := s.deps.Dispatcher.Dispatch(ctx, req)
	elapsed := time.Since(start)
	if stopDebug != nil {
		stopDebug()
	}
	if err != nil {
		if hasIdentity {
			s.adjustTPM(identity.Key.Name, estimated, plexus.Usage{})
		}
		s.recordDispatchMetrics("", "", false)
		writeUpstreamError(w, ctx, err)
		return
	}

	if hasIdentity {
		s.adjustTPM(identity.Key.Name, estimated, resp.Usage)
		if hasQuota {
			if rerr := s.deps.Quota.Record(ctx, identity.Key.Name, quotaDef, resp.Usage); rerr != nil {
				slog.LogAttrs(ctx, slog.LevelError, "quota record failed", slog.String("error", rerr.Error()))
			}
		}
	}

	out := resp.Body
	if resp.BypassTransformation {
		out = resp.RawBody
	} else if d != plexus.DialectChat {
		canonical, err := parseCanonical(resp.Body)
		if err == nil {
			reshaped := dialect.FormatCanonicalResponse(d, canonical)
			if data, err := json.Marshal(reshaped); err == nil {
				out = data
			}
		}
	}

	if s.deps.Debug != nil {
		s.deps.Debug.SetResponse(requestID, resp.Body, out)
		if stopDebug != nil {
			_ = s.deps.Debug.Flush(ctx, requestID)
		}
	}

	s.recordUsage(ctx, requestID, identity, hasIdentity, d, resp, elapsed, http.StatusOK, false)
	s.recordDispatchMetrics(resp.RouteInfo.Provider, resp.RouteInfo.Model, true)

	w.Header()["Content-Type"] = contentTypeFor(d)
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// contentTypeFor returns the response Content-Type for dialect d. Every
// dialect hands back JSON except speech, whose dispatcher.Dispatch-level
// bypass leaves resp.RawBody holding the provider's raw audio bytes
// (DESIGN.md decision 6).
func contentTypeFor(d plexus.Dialect) []string {
	if d == plexus.DialectSpeech {
		return audioCT
	}
	return jsonCT
}

var audioCT = []string{"audio/mpeg"}

func parseCanonical(raw []byte) (map[string]any, error) {
	var m map[string]any
	err := json.Unmarshal(raw, &m)
	return m, err
}

// dispatchAndRespondStream handles the SSE path: dispatch, then tee the
// open upstream stream through an inspector.Reducer (usage/debug
// reconstruction) and an inspector.Capture (debug persistence) while
// forwarding the scanned lines to the client unchanged (DESIGN.md decision
// 5 -- no chunk-level cross-dialect reformatting exists for streams).
func (s *server) dispatchAndRespondStream(
	w http.ResponseWriter, r *http.Request, req plexus.UnifiedRequest,
	identity auth.Identity, hasIdentity bool, estimated int64,
	quotaDef plexus.QuotaDefinition, hasQuota bool,
	start time.Time, stopDebug func(),
) {
	ctx := r.Context()
	requestID := req.RequestID

	resp, err := s.deps.Dispatcher.Dispatch(ctx, req)
	if err != nil {
		if stopDebug != nil {
			stopDebug()
		}
		if hasIdentity {
			s.adjustTPM(identity.Key.Name, estimated, plexus.Usage{})
		}
		s.recordDispatchMetrics("", "", false)
		writeUpstreamError(w, ctx, err)
		return
	}
	defer resp.Stream.Close()

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	var capture *inspector.Capture
	if s.deps.Debug != nil {
		capture = &inspector.Capture{}
	}
	var tee io.Reader = resp.Stream
	if capture != nil {
		tee = io.TeeReader(resp.Stream, capture)
	}
	reducer := inspector.ForDialect(resp.RouteInfo.Dialect)

	var firstByte bool
	var pendingEvent string
	scanner := inspector.NewScanner(tee)
	for scanner.Scan() {
		line := scanner.Text()
		if !firstByte {
			firstByte = true
			if s.deps.Metrics != nil {
				s.deps.Metrics.StreamTTFTSeconds.WithLabelValues(resp.RouteInfo.Provider, resp.RouteInfo.Model).Observe(time.Since(start).Seconds())
			}
		}
		// An SSE frame's "event:" line precedes its "data:" line;
		// ParseSSELine reports each in isolation so the event name is
		// held until the data line it describes arrives.
		if event, data, ok := inspector.ParseSSELine(line); ok {
			if event != "" {
				pendingEvent = event
			} else {
				reducer.Reduce(pendingEvent, []byte(data))
				pendingEvent = ""
			}
		}
		writeSSELine(w, line)
		flusher.Flush()
	}

	canonical, usage := reducer.Snapshot()
	elapsed := time.Since(start)

	if hasIdentity {
		s.adjustTPM(identity.Key.Name, estimated, usage)
		if hasQuota && s.deps.Quota != nil {
			if rerr := s.deps.Quota.Record(ctx, identity.Key.Name, quotaDef, usage); rerr != nil {
				slog.LogAttrs(ctx, slog.LevelError, "quota record failed", slog.String("error", rerr.Error()))
			}
		}
	}

	if s.deps.Debug != nil {
		snapshotBody, _ := json.Marshal(canonical)
		var rawSnapshot []byte
		if capture != nil {
			rawSnapshot = capture.Bytes()
		}
		s.deps.Debug.SetSnapshots(requestID, rawSnapshot, snapshotBody)
		if stopDebug != nil {
			stopDebug()
		}
		_ = s.deps.Debug.Flush(ctx, requestID)
	}

	streamResp := plexus.UnifiedResponse{RouteInfo: resp.RouteInfo, Usage: usage}
	s.recordUsage(ctx, requestID, identity, hasIdentity, req.IncomingDialect, &streamResp, elapsed, http.StatusOK, true)
	s.recordDispatchMetrics(resp.RouteInfo.Provider, resp.RouteInfo.Model, true)
}

// consumeTPM checks the TPM limit ahead of dispatch, setting the usual
// rate-limit response headers, and returns false (having already written a
// 429) if the estimate exceeds the bucket.
func (s *server) consumeTPM(w http.ResponseWriter, keyName string, estimated int64) bool {
	limiter := s.getLimiter(keyName)
	if limiter == nil {
		return true
	}
	result := limiter.ConsumeTPM(estimated)
	setTPMHeaders(w, result)
	if !result.Allowed {
		if s.deps.Metrics != nil {
			s.deps.Metrics.QuotaRejectsTotal.WithLabelValues(keyName, "tpm").Inc()
		}
		writeRateLimitError(w, result)
		return false
	}
	return true
}

// adjustTPM corrects the estimate-seeded TPM bucket once actual usage is
// known, matching the teacher's own two-phase estimate/adjust pattern.
func (s *server) adjustTPM(keyName string, estimated int64, usage plexus.Usage) {
	limiter := s.getLimiter(keyName)
	if limiter == nil {
		return
	}
	limiter.AdjustTPM(estimated - int64(usage.Total()))
}

// recordUsage builds and submits a plexus.UsageRecord for one dispatch,
// attributing cost via internal/pricing against the routed target's
// pricing table and updating the token/cost Prometheus counters.
func (s *server) recordUsage(
	ctx context.Context, requestID string, identity auth.Identity, hasIdentity bool,
	incoming plexus.Dialect, resp *plexus.UnifiedResponse, elapsed time.Duration, status int, streamed bool,
) {
	if s.deps.Usage == nil {
		return
	}
	usage := resp.Usage
	rec := plexus.UsageRecord{
		RequestID:          requestID,
		Date:               time.Now(),
		IncomingAPIType:    incoming,
		Provider:           resp.RouteInfo.Provider,
		IncomingModelAlias: resp.RouteInfo.CanonicalAlias,
		SelectedModelName:  resp.RouteInfo.Model,
		OutgoingAPIType:    resp.RouteInfo.Dialect,
		TokensInput:        usage.InputTokens,
		TokensOutput:       usage.OutputTokens,
		TokensReasoning:    usage.ReasoningTokens,
		TokensCached:       usage.CachedTokens,
		StartTime:          time.Now().Add(-elapsed),
		DurationMs:         elapsed.Milliseconds(),
		IsStreamed:         streamed,
		ResponseStatus:     status,
	}
	if hasIdentity {
		rec.APIKey = identity.Key.Name
	}

	costInput, costOutput := costBreakdown(resp.RouteInfo.Pricing, usage, resp.RouteInfo.Discount, s.deps.PricingLookup)
	rec.CostInput = costInput
	rec.CostOutput = costOutput
	rec.CostTotal = costInput + costOutput

	if s.deps.Metrics != nil {
		provider, model := resp.RouteInfo.Provider, resp.RouteInfo.Model
		s.deps.Metrics.TokensProcessedTotal.WithLabelValues(provider, model, "input").Add(float64(usage.InputTokens))
		s.deps.Metrics.TokensProcessedTotal.WithLabelValues(provider, model, "output").Add(float64(usage.OutputTokens))
		if usage.ReasoningTokens > 0 {
			s.deps.Metrics.TokensProcessedTotal.WithLabelValues(provider, model, "reasoning").Add(float64(usage.ReasoningTokens))
		}
		if usage.CachedTokens > 0 {
			s.deps.Metrics.TokensProcessedTotal.WithLabelValues(provider, model, "cached").Add(float64(usage.CachedTokens))
		}
		s.deps.Metrics.CostTotal.WithLabelValues(provider, model).Add(rec.CostTotal)
	}

	s.deps.Usage.Record(rec)
}

// costBreakdown splits a dispatched response's cost into an input and an
// output component. internal/pricing.Calculate returns a single total, so
// the input component is priced from the input/cached/cache-write token
// buckets alone and the output component from output (plus reasoning,
// billed at the output rate); per_request pricing has no meaningful split
// and is attributed entirely to the input component.
func costBreakdown(p plexus.Pricing, usage plexus.Usage, discount float64, lookup pricing.OpenRouterLookup) (input, output float64) {
	if p.Source == plexus.PricingPerRequest {
		return pricing.Calculate(p, pricing.Tokens{}, discount, lookup), 0
	}
	input = pricing.Calculate(p, pricing.Tokens{
		Input: int64(usage.InputTokens), Cached: int64(usage.CachedTokens), CacheWrite: int64(usage.CacheWriteTokens),
	}, discount, lookup)
	output = pricing.Calculate(p, pricing.Tokens{
		Output: int64(usage.OutputTokens + usage.ReasoningTokens),
	}, discount, lookup)
	return input, output
}

// recordDispatchMetrics updates the dispatch attempt counter shared by both
// the streaming and non-streaming dispatch paths.
func (s *server) recordDispatchMetrics(provider, model string, ok bool) {
	if s.deps.Metrics == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	s.deps.Metrics.DispatchAttemptsTotal.WithLabelValues(provider, model, status).Inc()
}
