package server

import (
	"net/http"
	"time"
)

// handleListModels lists every configured alias (canonical id and its
// additionalAliases) as an OpenAI-compatible model object, per §6.1.
// Unauthenticated: the endpoint is public.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Config()
	now := time.Now().Unix()

	var data []modelEntry
	for id, alias := range cfg.Models {
		data = append(data, modelEntry{ID: id, Object: "model", Created: now, OwnedBy: "plexus"})
		for _, extra := range alias.AdditionalAliases {
			data = append(data, modelEntry{ID: extra, Object: "model", Created: now, OwnedBy: "plexus"})
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{Object: "list", Data: data})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
