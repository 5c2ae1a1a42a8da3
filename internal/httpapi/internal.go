package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"authrelay.org/internal/envelope"
	"authrelay.org/internal/obs"
	"authrelay.org/internal/session"
)

// authResult accepts a sealed result from the identity service. The body is
// the compact envelope itself.
func (a *API) authResult(w http.ResponseWriter, r *http.Request) {
	attrID := r.PathValue("attr_id")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unreadable body")
		return
	}
	sealed := strings.TrimSpace(string(body))
	if sealed == "" {
		writeError(w, r, http.StatusBadRequest, "auth result is required")
		return
	}

	if err := a.deps.Sessions.RegisterResult(r.Context(), attrID, sealed); err != nil {
		evt := obs.Logger().Warn()
		if errors.Is(err, session.ErrStore) {
			evt = obs.Logger().Error()
		}
		var cerr *envelope.CryptoError
		if errors.As(err, &cerr) {
			evt = evt.Str("kind", string(cerr.Kind))
		}
		evt.Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("auth result rejected")
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "registered"})
}

// cleanDB runs the inactivity sweep on demand.
func (a *API) cleanDB(w http.ResponseWriter, r *http.Request) {
	n, err := a.deps.Sessions.SweepExpired(r.Context(), a.deps.Retention)
	if err != nil {
		obs.Logger().Error().Err(err).Msg("sweep sessions")
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}
