package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	plexus "github.com/plexusgw/plexus/internal"
)

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}

// writeUpstreamError logs the full error server-side and returns a
// sanitized message to the client, except for ProviderError which passes
// the upstream's own body through per §7's propagation policy.
func writeUpstreamError(w http.ResponseWriter, ctx context.Context, err error) {
	var perr *plexus.ProviderError
	if errors.As(err, &perr) {
		slog.LogAttrs(ctx, slog.LevelWarn, "provider error",
			slog.Int("status", perr.Status),
		)
		w.Header()["Content-Type"] = jsonCT
		w.WriteHeader(perr.Status)
		w.Write(perr.Body)
		return
	}

	var qerr *plexus.QuotaExceededError
	if errors.As(err, &qerr) {
		writeJSON(w, http.StatusTooManyRequests, quotaExceededBody{
			Error: quotaExceededDetail{
				Message:      err.Error(),
				Type:         "quota_exceeded",
				QuotaName:    qerr.QuotaName,
				CurrentUsage: qerr.CurrentUsage,
				Limit:        qerr.Limit,
				ResetsAt:     qerr.ResetsAt,
			},
		})
		return
	}

	status := errorStatus(err)
	slog.LogAttrs(ctx, slog.LevelError, "upstream error",
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
	writeJSON(w, status, errorResponse(http.StatusText(status)))
}

type quotaExceededDetail struct {
	Message      string  `json:"message"`
	Type         string  `json:"type"`
	QuotaName    string  `json:"quota_name"`
	CurrentUsage float64 `json:"current_usage"`
	Limit        float64 `json:"limit"`
	ResetsAt     int64   `json:"resets_at"`
}

type quotaExceededBody struct {
	Error quotaExceededDetail `json:"error"`
}

// errorStatus classifies err per §7's taxonomy. A plexus.HTTPStatusError
// anywhere in the chain wins; otherwise the sentinel errors map to their
// documented status.
func errorStatus(err error) int {
	var hserr plexus.HTTPStatusError
	if errors.As(err, &hserr) {
		return hserr.HTTPStatus()
	}
	switch {
	case errors.Is(err, plexus.ErrAuthInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, plexus.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, plexus.ErrConfigInvalid):
		return http.StatusBadRequest
	case errors.Is(err, plexus.ErrAliasUnknown), errors.Is(err, plexus.ErrNoTargets), errors.Is(err, plexus.ErrAllTargetsCoolingDown):
		return http.StatusBadGateway
	case errors.Is(err, plexus.ErrTransformFailed):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
