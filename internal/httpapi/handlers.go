package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/DoyleJ11/tabletop-sessions/internal/engine"
	"github.com/DoyleJ11/tabletop-sessions/internal/hub"
)

type sessionLookup struct {
	ID             string `json:"id"`
	InviteCode     string `json:"inviteCode"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	ConnectedCount int    `json:"connectedCount"`
}

// LookupSession lets a client preview a session before authenticating.
func LookupSession(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := h.FindByCode(r.Context(), chi.URLParam(r, "code"))
		if err != nil {
			writeError(w, err)
			return
		}
		info := sess.Info()
		writeJSON(w, http.StatusOK, sessionLookup{
			ID:             info.ID,
			InviteCode:     info.InviteCode,
			Name:           info.Name,
			Status:         info.Status,
			ConnectedCount: info.ConnectedCount,
		})
	}
}

func Healthz(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := h.Count(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Status   string `json:"status"`
			Sessions int    `json:"sessions"`
		}{Status: "ok", Sessions: n})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch engine.CodeOf(err) {
	case engine.CodeNotFound:
		status = http.StatusNotFound
	case engine.CodeTransientUnavailable:
		status = http.StatusServiceUnavailable
	case engine.CodeInvalidInput:
		status = http.StatusBadRequest
	}
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}{Code: string(engine.CodeOf(err)), Message: err.Error()})
}
