package surrealcollab

import (
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/surrealdb/surrealcollab/pkg/auth"
	"github.com/surrealdb/surrealcollab/pkg/crdt"
	"github.com/surrealdb/surrealcollab/pkg/hub"
	"github.com/surrealdb/surrealcollab/pkg/store"
	"github.com/surrealdb/surrealcollab/pkg/store/mirror"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_, _ = w.Write(response)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// requireToken rejects requests whose bearer token the verifier does not accept.
func (a *App) requireToken(verifier auth.Verifier) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := verifier.Verify(r.Context(), auth.TokenFromRequest(r))
			if err != nil {
				a.log.Warn("admin request rejected", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
				respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			a.log.Info("admin request", "subject", id.Subject, "method", r.Method, "path", r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}

func (a *App) handleHealth(s *server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]any{
			"status":      "healthy",
			"store":       a.config.Store,
			"readOnly":    a.IsReadOnly(),
			"connections": s.hub.Connections(),
			"documents":   len(s.registry.Documents()),
			"time":        time.Now().Unix(),
		}
		if a.mirror != nil {
			response["mode"] = a.mirror.Mode()
		}
		respondJSON(w, http.StatusOK, response)
	}
}

func (a *App) handleListDocuments(s *server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{"documents": s.registry.Documents()})
	}
}

// ContentResponse is the body of GET /api/documents/{documentID}/content.
type ContentResponse struct {
	DocumentID  crdt.DocumentID   `json:"documentId"`
	StateVector crdt.StateVector  `json:"stateVector"`
	SavedAt     time.Time         `json:"savedAt"`
	Content     *crdt.ContentTree `json:"content"`
}

// handleContent serves the last saved snapshot. Edits still waiting for the
// debounce are not included.
func (a *App) handleContent(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := hub.ParseDocumentID(mux.Vars(r)[hub.DocumentIDVar])
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		snap, err := st.LoadSnapshot(r.Context(), id)
		switch {
		case errors.Is(err, store.ErrCorruptSnapshot):
			a.log.Error("corrupt snapshot", "document", id, "error", err)
			respondError(w, http.StatusInternalServerError, "stored document is corrupt")
			return
		case err != nil:
			a.log.Error("failed to load snapshot", "document", id, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to load document")
			return
		case snap == nil:
			respondError(w, http.StatusNotFound, "document not found")
			return
		}
		content := snap.Content
		if content == nil {
			doc, err := crdt.UnmarshalState(snap.State, "")
			if err != nil {
				respondError(w, http.StatusInternalServerError, "stored document is corrupt")
				return
			}
			content = doc.Materialize()
		}
		respondJSON(w, http.StatusOK, ContentResponse{
			DocumentID:  id,
			StateVector: snap.StateVector,
			SavedAt:     snap.SavedAt,
			Content:     content,
		})
	}
}

// ModeRequest is the body of POST /api/admin/mode. Omitted fields are left
// unchanged.
type ModeRequest struct {
	Mode     *string `json:"mode,omitempty"`
	ReadOnly *bool   `json:"readOnly,omitempty"`
}

func (a *App) modeResponse() map[string]any {
	response := map[string]any{"store": a.config.Store, "readOnly": a.IsReadOnly()}
	if a.mirror != nil {
		response["mode"] = a.mirror.Mode()
	}
	return response
}

func (a *App) handleGetMode(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.modeResponse())
}

func (a *App) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Mode != nil {
		if a.mirror == nil {
			respondError(w, http.StatusConflict, "mode can only be changed with the mirror store")
			return
		}
		mode, err := mirror.ParseMode(*req.Mode)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.mirror.SetMode(mode); err != nil {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		a.log.Info("mirror mode changed", "mode", mode)
	}
	if req.ReadOnly != nil {
		a.SetReadOnly(*req.ReadOnly)
	}
	respondJSON(w, http.StatusOK, a.modeResponse())
}
