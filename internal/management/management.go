// Package management implements the admin-key-gated config and operations
// surface of §6.2: full-document config read/replace, model-alias and
// provider deletion, quota clear/status, user-quota CRUD, and config
// snapshot CRUD. Grounded on the teacher's internal/server/admin.go
// (pagination-free here since these collections are config-sized, not
// database tables; same decodeJSON/writeJSON/errorResponse response shape
// and the same "log the real error, return a sanitized message" split in
// writeManagementError). Audited with a zap.Logger per the teacher pack's
// BaSui01-agentflow config/hotreload.go, kept distinct from the request-path
// slog logger since management changes are operator actions worth a
// separate audit trail rather than hot-path telemetry.
package management

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/config"
	"github.com/plexusgw/plexus/internal/quota"
	"github.com/plexusgw/plexus/internal/storage"
)

// maxBody is the maximum allowed management request body size (1 MB),
// mirroring the teacher's maxAdminBody.
const maxBody = 1 << 20

// Dependencies collects everything the management surface needs to
// service §6.2's endpoints.
type Dependencies struct {
	Watcher    *config.Watcher
	ConfigPath string
	Quota      *quota.Enforcer
	QuotaStore storage.QuotaStore
	Snapshots  storage.ConfigSnapshotStore
	Logger     *zap.Logger
}

// Service implements the management HTTP surface. Admin authentication is
// the caller's responsibility (internal/server mounts Routes behind an
// auth.AuthenticateAdmin middleware group), matching the teacher's own
// split between admin.go's handlers and server.go's requirePerm wrapping.
type Service struct {
	deps Dependencies

	// fileMu serializes read-modify-write sequences against the config
	// file (model/provider delete, user-quota CRUD all read-parse-edit-
	// write the same document and must not interleave).
	fileMu sync.Mutex
}

// New returns a Service backed by deps. A nil Logger falls back to a no-op
// logger rather than panicking on the first audit call.
func New(deps Dependencies) *Service {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{deps: deps}
}

// Routes builds the chi router for the management surface. The caller
// mounts it under /v0/management (config, models, providers, quota,
// user-quotas) and /api/v1/config (snapshots) with admin auth applied.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/config", s.handleGetConfig)
	r.Post("/config", s.handlePostConfig)

	r.Delete("/models", s.handleDeleteModel)
	r.Delete("/models/{aliasId}", s.handleDeleteModel)
	r.Delete("/providers/{id}", s.handleDeleteProvider)

	r.Post("/quota/clear", s.handleQuotaClear)
	r.Get("/quota/status/{key}", s.handleQuotaStatus)

	r.Get("/user-quotas", s.handleListUserQuotas)
	r.Post("/user-quotas", s.handleCreateUserQuota)
	r.Get("/user-quotas/{name}", s.handleGetUserQuota)
	r.Patch("/user-quotas/{name}", s.handleUpdateUserQuota)
	r.Delete("/user-quotas/{name}", s.handleDeleteUserQuota)

	return r
}

// SnapshotRoutes builds the chi router for /api/v1/config's snapshot CRUD,
// kept separate from Routes because the teacher mounts admin sub-resources
// under their own distinct path prefixes rather than one flat tree.
func (s *Service) SnapshotRoutes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", s.handleListSnapshots)
	r.Post("/", s.handleCreateSnapshot)
	r.Get("/{name}", s.handleGetSnapshot)
	r.Put("/{name}", s.handleUpdateSnapshot)
	r.Delete("/{name}", s.handleDeleteSnapshot)

	return r
}

// --- shared response helpers ---

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
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// stillReferencedError is returned when a provider delete is rejected
// because a model alias still targets it and cascade wasn't requested.
// Implements plexus.HTTPStatusError so writeManagementError can recover
// the 409 through the generic error-handling switch.
type stillReferencedError struct{ msg string }

func (e *stillReferencedError) Error() string    { return e.msg }
func (e *stillReferencedError) HTTPStatus() int { return http.StatusConflict }

// writeManagementError logs the real error via the audit logger and writes
// a sanitized message to the client, mirroring the teacher's
// writeAdminError split.
func (s *Service) writeManagementError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *plexus.ConfigValidationError
	var statusErr plexus.HTTPStatusError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, validationErrorResponse(verr))
	case errors.As(err, &statusErr):
		writeJSON(w, statusErr.HTTPStatus(), errorResponse(statusErr.Error()))
	case errors.Is(err, plexus.ErrConfigInvalid):
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, plexus.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse("not found"))
	default:
		s.deps.Logger.Error("management request failed",
			zap.String("path", r.URL.Path),
			zap.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal error"))
	}
}

type fieldErrorResponse struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type validationErrResponse struct {
	Error  string                `json:"error"`
	Fields []fieldErrorResponse  `json:"fields"`
}

func validationErrorResponse(verr *plexus.ConfigValidationError) validationErrResponse {
	out := validationErrResponse{Error: "config invalid", Fields: make([]fieldErrorResponse, len(verr.Fields))}
	for i, f := range verr.Fields {
		out.Fields[i] = fieldErrorResponse{Field: f.Field, Message: f.Message}
	}
	return out
}

// --- config read/replace (GET/POST /v0/management/config) ---

func (s *Service) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.fileMu.Lock()
	data, err := os.ReadFile(s.deps.ConfigPath)
	s.fileMu.Unlock()
	if err != nil {
		s.writeManagementError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Service) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("failed to read request body"))
		return
	}

	if _, err := config.Parse(body); err != nil {
		s.writeManagementError(w, r, err)
		return
	}

	if err := s.writeConfigFile(body); err != nil {
		s.writeManagementError(w, r, err)
		return
	}

	s.deps.Logger.Info("config replaced via management API", zap.String("path", s.deps.ConfigPath))
	w.WriteHeader(http.StatusNoContent)
}

// writeConfigFile atomically replaces the config file's contents: write to
// a sibling temp file, then rename over the target. The watcher's fsnotify
// loop (already watching the parent directory) picks up the rename and
// reloads, per §6.2's "writes atomically, reloads".
func (s *Service) writeConfigFile(data []byte) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	dir := filepath.Dir(s.deps.ConfigPath)
	tmp, err := os.CreateTemp(dir, ".plexus-config-*.yaml")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.deps.ConfigPath)
}

// --- raw document helpers for model/provider delete and user-quota CRUD ---
//
// These edit the config file as a generic yaml.Node tree rather than going
// through the typed Document/Config round trip, which would lose the
// yaml.Node union fields (apiBaseUrl, models) that config.Document itself
// only ever decodes, never re-encodes.

// mapNode returns the mapping node at root.Content[0] for a standard
// single-document YAML file.
func mapNode(root *yaml.Node) (*yaml.Node, bool) {
	if len(root.Content) == 0 {
		return nil, false
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, false
	}
	return doc, true
}

// findKey returns the value node for key in a mapping node, and its index
// pair's position in Content, or -1 if absent.
func findKey(m *yaml.Node, key string) (*yaml.Node, int) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1], i
		}
	}
	return nil, -1
}

// deleteMapEntry removes the key/value pair at index i (as returned by
// findKey) from mapping node m.
func deleteMapEntry(m *yaml.Node, i int) {
	m.Content = append(m.Content[:i], m.Content[i+2:]...)
}

func (s *Service) applyDocumentEdit(edit func(doc *yaml.Node) error) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	root, _, err := s.readDocumentLocked()
	if err != nil {
		return err
	}
	doc, ok := mapNode(root)
	if !ok {
		return errors.New("config document is not a mapping")
	}
	if err := edit(doc); err != nil {
		return err
	}

	out, err := yaml.Marshal(root)
	if err != nil {
		return err
	}
	if _, err := config.Parse(out); err != nil {
		return err
	}
	return s.writeConfigFileLocked(out)
}

// readDocumentLocked reads and parses the config file into a YAML node tree
// without acquiring fileMu, for callers that already hold it.
func (s *Service) readDocumentLocked() (*yaml.Node, []byte, error) {
	data, err := os.ReadFile(s.deps.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, nil, err
	}
	return &root, data, nil
}

// writeConfigFileLocked is writeConfigFile without acquiring fileMu.
func (s *Service) writeConfigFileLocked(data []byte) error {
	dir := filepath.Dir(s.deps.ConfigPath)
	tmp, err := os.CreateTemp(dir, ".plexus-config-*.yaml")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.deps.ConfigPath)
}

// --- models / providers delete ---

func (s *Service) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	aliasID := chi.URLParam(r, "aliasId")
	err := s.applyDocumentEdit(func(doc *yaml.Node) error {
		models, _ := findKey(doc, "models")
		if models == nil || models.Kind != yaml.MappingNode {
			return plexus.ErrNotFound
		}
		if aliasID == "" {
			models.Content = nil
			return nil
		}
		_, i := findKey(models, aliasID)
		if i < 0 {
			return plexus.ErrNotFound
		}
		deleteMapEntry(models, i)
		return nil
	})
	if err != nil {
		s.writeManagementError(w, r, err)
		return
	}
	s.deps.Logger.Info("model alias deleted via management API", zap.String("alias", aliasID))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cascade := r.URL.Query().Get("cascade") == "true"

	err := s.applyDocumentEdit(func(doc *yaml.Node) error {
		providers, _ := findKey(doc, "providers")
		if providers == nil || providers.Kind != yaml.MappingNode {
			return plexus.ErrNotFound
		}
		_, i := findKey(providers, id)
		if i < 0 {
			return plexus.ErrNotFound
		}
		if !cascade && providerReferenced(doc, id) {
			return &stillReferencedError{msg: "provider " + id + " is still referenced by one or more models; use cascade=true"}
		}
		deleteMapEntry(providers, i)

		if cascade {
			removeProviderFromModels(doc, id)
		}
		return nil
	})
	if err != nil {
		s.writeManagementError(w, r, err)
		return
	}
	s.deps.Logger.Info("provider deleted via management API",
		zap.String("provider", id), zap.Bool("cascade", cascade))
	w.WriteHeader(http.StatusNoContent)
}

// providerReferenced reports whether any model alias targets providerID.
func providerReferenced(doc *yaml.Node, providerID string) bool {
	models, _ := findKey(doc, "models")
	if models == nil || models.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(models.Content); i += 2 {
		targets, _ := findKey(models.Content[i+1], "targets")
		if targets == nil {
			continue
		}
		for _, t := range targets.Content {
			providerField, _ := findKey(t, "provider")
			if providerField != nil && providerField.Value == providerID {
				return true
			}
		}
	}
	return false
}

// removeProviderFromModels strips any target referencing providerID from
// every model alias's targets list, per the cascade=true query flag.
// Aliases left with zero targets are themselves removed, since a target-less
// alias can never select anything (§4.1's NoTargets error).
func removeProviderFromModels(doc *yaml.Node, providerID string) {
	models, _ := findKey(doc, "models")
	if models == nil || models.Kind != yaml.MappingNode {
		return
	}
	var keep []*yaml.Node
	for i := 0; i+1 < len(models.Content); i += 2 {
		aliasKey, aliasVal := models.Content[i], models.Content[i+1]
		targets, _ := findKey(aliasVal, "targets")
		if targets != nil && targets.Kind == yaml.SequenceNode {
			var remaining []*yaml.Node
			for _, t := range targets.Content {
				providerField, _ := findKey(t, "provider")
				if providerField != nil && providerField.Value == providerID {
					continue
				}
				remaining = append(remaining, t)
			}
			targets.Content = remaining
		}
		if targets == nil || len(targets.Content) > 0 {
			keep = append(keep, aliasKey, aliasVal)
		}
	}
	models.Content = keep
}

// --- quota clear / status ---

func (s *Service) handleQuotaClear(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Key == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("key is required"))
		return
	}
	if err := s.deps.Quota.Clear(r.Context(), req.Key); err != nil {
		s.writeManagementError(w, r, err)
		return
	}
	s.deps.Logger.Info("quota cleared via management API", zap.String("key", req.Key))
	w.WriteHeader(http.StatusNoContent)
}

// quotaStatusResponse is the GET /quota/status/:key response shape.
type quotaStatusResponse struct {
	KeyName      string    `json:"key_name"`
	QuotaName    string    `json:"quota_name"`
	LimitType    string    `json:"limit_type"`
	Limit        float64   `json:"limit"`
	CurrentUsage float64   `json:"current_usage"`
	Remaining    float64   `json:"remaining"`
	LastUpdated  time.Time `json:"last_updated"`
	WindowStart  time.Time `json:"window_start"`
}

func (s *Service) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	state, found, err := s.deps.QuotaStore.GetQuotaState(r.Context(), key)
	if err != nil {
		s.writeManagementError(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse("no quota state recorded for key"))
		return
	}

	cfg := s.deps.Watcher.Current()
	var limit float64
	if kc, ok := cfg.Keys[key]; ok {
		if def, ok := cfg.UserQuotas[kc.Quota]; ok {
			limit = def.Limit
		}
	}
	remaining := limit - state.CurrentUsage
	if remaining < 0 {
		remaining = 0
	}
	writeJSON(w, http.StatusOK, quotaStatusResponse{
		KeyName:      state.KeyName,
		QuotaName:    state.QuotaName,
		LimitType:    string(state.LimitType),
		Limit:        limit,
		CurrentUsage: state.CurrentUsage,
		Remaining:    remaining,
		LastUpdated:  state.LastUpdated,
		WindowStart:  state.WindowStart,
	})
}

// --- user-quota CRUD (edits the config document's userQuotas map) ---

type userQuotaPayload struct {
	Type      string  `json:"type"`
	LimitType string  `json:"limitType"`
	Limit     float64 `json:"limit"`
	Duration  string  `json:"duration,omitempty"`
}

func (s *Service) handleListUserQuotas(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Watcher.Current()
	out := make(map[string]userQuotaPayload, len(cfg.UserQuotas))
	for name, def := range cfg.UserQuotas {
		out[name] = userQuotaPayload{
			Type: string(def.Type), LimitType: string(def.LimitType), Limit: def.Limit,
			Duration: def.Duration.String(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleGetUserQuota(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cfg := s.deps.Watcher.Current()
	def, ok := cfg.UserQuotas[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse("not found"))
		return
	}
	writeJSON(w, http.StatusOK, userQuotaPayload{
		Type: string(def.Type), LimitType: string(def.LimitType), Limit: def.Limit,
		Duration: def.Duration.String(),
	})
}

func (s *Service) handleCreateUserQuota(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name string `json:"name"`
		userQuotaPayload
	}
	if !decodeJSON(w, r, &payload) {
		return
	}
	if payload.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	err := s.applyDocumentEdit(func(doc *yaml.Node) error {
		return upsertUserQuota(doc, payload.Name, payload.userQuotaPayload)
	})
	if err != nil {
		s.writeManagementError(w, r, err)
		return
	}
	s.deps.Logger.Info("user quota created via management API", zap.String("name", payload.Name))
	w.WriteHeader(http.StatusCreated)
}

func (s *Service) handleUpdateUserQuota(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var payload userQuotaPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	err := s.applyDocumentEdit(func(doc *yaml.Node) error {
		return upsertUserQuota(doc, name, payload)
	})
	if err != nil {
		s.writeManagementError(w, r, err)
		return
	}
	s.deps.Logger.Info("user quota updated via management API", zap.String("name", name))
	w.WriteHeader(http.StatusOK)
}

func (s *Service) handleDeleteUserQuota(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.applyDocumentEdit(func(doc *yaml.Node) error {
		quotas, _ := findKey(doc, "userQuotas")
		if quotas == nil || quotas.Kind != yaml.MappingNode {
			return plexus.ErrNotFound
		}
		_, i := findKey(quotas, name)
		if i < 0 {
			return plexus.ErrNotFound
		}
		deleteMapEntry(quotas, i)
		return nil
	})
	if err != nil {
		s.writeManagementError(w, r, err)
		return
	}
	s.deps.Logger.Info("user quota deleted via management API", zap.String("name", name))
	w.WriteHeader(http.StatusNoContent)
}

// upsertUserQuota inserts or replaces name's entry under the document's
// userQuotas mapping, creating the mapping if it doesn't yet exist.
func upsertUserQuota(doc *yaml.Node, name string, payload userQuotaPayload) error {
	quotas, _ := findKey(doc, "userQuotas")
	if quotas == nil {
		doc.Content = append(doc.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: "userQuotas"},
			&yaml.Node{Kind: yaml.MappingNode},
		)
		quotas = doc.Content[len(doc.Content)-1]
	}

	var entry yaml.Node
	if err := entry.Encode(map[string]any{
		"type":      payload.Type,
		"limitType": payload.LimitType,
		"limit":     payload.Limit,
		"duration":  payload.Duration,
	}); err != nil {
		return err
	}

	if _, i := findKey(quotas, name); i >= 0 {
		quotas.Content[i+1] = &entry
		return nil
	}
	quotas.Content = append(quotas.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Value: name},
		&entry,
	)
	return nil
}

// --- config snapshot CRUD (/api/v1/config/*) ---

type snapshotPayload struct {
	Name   string `json:"name"`
	Config string `json:"config"`
}

func (s *Service) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.deps.Snapshots.ListSnapshots(r.Context())
	if err != nil {
		s.writeManagementError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": snaps})
}

func (s *Service) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var payload snapshotPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	if payload.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	if payload.Config == "" {
		data, err := s.currentConfigBytes()
		if err != nil {
			s.writeManagementError(w, r, err)
			return
		}
		payload.Config = string(data)
	}
	snap, err := s.deps.Snapshots.CreateSnapshot(r.Context(), plexus.ConfigSnapshot{
		Name: payload.Name, Config: payload.Config,
	})
	if err != nil {
		s.writeManagementError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Service) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	snap, found, err := s.deps.Snapshots.GetSnapshot(r.Context(), name)
	if err != nil {
		s.writeManagementError(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse("not found"))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Service) handleUpdateSnapshot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var payload snapshotPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	if err := s.deps.Snapshots.UpdateSnapshot(r.Context(), plexus.ConfigSnapshot{
		Name: name, Config: payload.Config,
	}); err != nil {
		s.writeManagementError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Service) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.deps.Snapshots.DeleteSnapshot(r.Context(), name); err != nil {
		s.writeManagementError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) currentConfigBytes() ([]byte, error) {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	return os.ReadFile(s.deps.ConfigPath)
}
