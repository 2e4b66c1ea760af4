package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/modelfront/ollabridge/pkg/catalog"
	"github.com/modelfront/ollabridge/pkg/upstream"
)

// runningModelTTL is advertised as expires_at on /api/ps. The backend
// keeps models resident, so they are all reported as running with a
// rolling expiry.
const runningModelTTL = 24 * time.Hour

type tagsResponse struct {
	Models []catalog.Descriptor `json:"models"`
}

type runningModel struct {
	Name      string          `json:"name"`
	Model     string          `json:"model"`
	Size      int64           `json:"size"`
	Digest    string          `json:"digest"`
	Details   catalog.Details `json:"details"`
	ExpiresAt string          `json:"expires_at"`
	SizeVRAM  int64           `json:"size_vram"`
}

type psResponse struct {
	Models []runningModel `json:"models"`
}

type showRequest struct {
	Model string `json:"model"`
	Name  string `json:"name"`
}

type showResponse struct {
	Modelfile  string          `json:"modelfile"`
	Parameters string          `json:"parameters"`
	Template   string          `json:"template"`
	Details    catalog.Details `json:"details"`
	ModelInfo  map[string]any  `json:"model_info"`
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	models, err := s.catalog.Models(r.Context())
	if err != nil {
		s.writeCatalogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tagsResponse{Models: models})
}

func (s *Server) handlePS(w http.ResponseWriter, r *http.Request) {
	models, err := s.catalog.Models(r.Context())
	if err != nil {
		s.writeCatalogError(w, r, err)
		return
	}
	expires := time.Now().UTC().Add(runningModelTTL).Format(time.RFC3339)
	out := psResponse{Models: make([]runningModel, 0, len(models))}
	for _, m := range models {
		out.Models = append(out.Models, runningModel{
			Name:      m.Name,
			Model:     m.Model,
			Size:      m.Size,
			Digest:    m.Digest,
			Details:   m.Details,
			ExpiresAt: expires,
			SizeVRAM:  m.Size,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	var req showRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("parse request: %w", err))
		return
	}
	name := req.Model
	if name == "" {
		name = req.Name
	}
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, errors.New("model name is required"))
		return
	}

	d, ok, err := s.catalog.Find(r.Context(), name)
	if err != nil {
		s.writeCatalogError(w, r, err)
		return
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("model %q not found", name))
		return
	}
	writeJSON(w, http.StatusOK, showResponse{
		Modelfile:  fmt.Sprintf("# Modelfile generated for %s", d.Name),
		Parameters: "",
		Template:   "{{ .Prompt }}",
		Details:    d.Details,
		ModelInfo: map[string]any{
			"general.architecture":   d.Details.Family,
			"general.basename":       d.Name,
			"general.parameter_size": d.Details.ParameterSize,
		},
	})
}

// writeCatalogError maps a failed model-list fetch onto the gateway's
// error surface: the backend's own rejection is reported with its
// status text attached, anything else as a plain bad gateway.
func (s *Server) writeCatalogError(w http.ResponseWriter, r *http.Request, err error) {
	var httpErr *upstream.HTTPError
	switch {
	case r.Context().Err() != nil:
		return
	case errors.As(err, &httpErr):
		s.log.Warn().Int("status", httpErr.StatusCode).Msg("backend rejected model list request")
		writeJSONError(w, http.StatusBadGateway, err)
	default:
		s.log.Error().Err(err).Msg("model list fetch failed")
		writeJSONError(w, http.StatusBadGateway, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
