package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	plexus "github.com/plexusgw/plexus/internal"
)

// handleGemini serves §6.1's ":modelWithAction" Gemini route. Unlike every
// other dialect, the model name travels in the URL path rather than the
// JSON body (generateContent/streamGenerateContent is itself a path
// segment), so the effective request body that dialect.Gemini.Parse and
// the rest of the dispatch pipeline expect has to be assembled here first.
func (s *server) handleGemini(w http.ResponseWriter, r *http.Request) {
	raw, ok := readRequestBody(w, r)
	if !ok {
		return
	}

	modelWithAction := chi.URLParam(r, "modelWithAction")
	model, action, found := strings.Cut(modelWithAction, ":")
	if !found {
		writeJSON(w, http.StatusBadRequest, errorResponse("missing :action in path"))
		return
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}
	body["model"] = model
	body["stream"] = action == "streamGenerateContent"

	effective, err := json.Marshal(body)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		return
	}

	s.dispatchAndRespond(w, r, plexus.DialectGemini, effective)
}
