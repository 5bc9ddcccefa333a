package server

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	plexus "github.com/plexusgw/plexus/internal"
)

// maxUploadBody caps the in-memory multipart parse, matching
// maxRequestBody for consistency with the JSON-bodied endpoints.
const maxUploadBody = maxRequestBody

// handleTranscription serves /v1/audio/transcriptions (§6.1): the upload
// is multipart/form-data, but internal/dispatcher only ever marshals a
// JSON outgoing body (DESIGN.md decision 7), so the file is re-encoded as
// base64 under a file_data/mime_type pair in the canonical body before
// dispatch.
func (s *server) handleTranscription(w http.ResponseWriter, r *http.Request) {
	s.handleMultipart(w, r, plexus.DialectTranscriptions)
}

// handleImageEdit serves /v1/images/edits (§6.1), same multipart-to-base64
// re-encoding as handleTranscription.
func (s *server) handleImageEdit(w http.ResponseWriter, r *http.Request) {
	s.handleMultipart(w, r, plexus.DialectImages)
}

func (s *server) handleMultipart(w http.ResponseWriter, r *http.Request, d plexus.Dialect) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(maxUploadBody); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid multipart body"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("missing file field"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("failed to read file"))
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	body := map[string]any{
		"file_data": base64.StdEncoding.EncodeToString(data),
		"mime_type": mimeType,
	}
	for key, vals := range r.MultipartForm.Value {
		if len(vals) > 0 {
			body[key] = vals[0]
		}
	}

	if requestID := plexus.RequestIDFromContext(r.Context()); s.deps.Debug != nil {
		s.deps.Debug.StubUpload(requestID, header.Filename, mimeType, header.Size)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		return
	}

	s.dispatchAndRespond(w, r, d, raw)
}
