package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"authrelay.org/internal/obs"
	"authrelay.org/internal/platform"
)

type startRequest struct {
	Purpose    string `json:"purpose"`
	AuthMethod string `json:"auth_method"`
}

type clientURLResponse struct {
	ClientURL string `json:"client_url"`
}

// guestInit sends the guest to the auth-method widget with signed
// instructions on where to start and where to go on cancel.
func (a *API) guestInit(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	guest, err := platform.VerifyGuest(token, a.deps.GuestVerifier)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}

	params, err := platform.SignAuthSelectParams(platform.AuthSelectParams{
		Purpose:     guest.Purpose,
		StartURL:    a.deps.ExternalGuestURL + "/start/" + token,
		CancelURL:   guest.RedirectURL,
		DisplayName: a.deps.DisplayName,
	}, a.deps.WidgetSigner)
	if err != nil {
		obs.Logger().Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("sign auth select params")
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	http.Redirect(w, r, a.deps.WidgetURL+params, http.StatusFound)
}

// guestStart creates or restarts the guest's session, asks the identity
// service to start and returns its client url.
func (a *API) guestStart(w http.ResponseWriter, r *http.Request) {
	guest, err := platform.VerifyGuest(r.PathValue("token"), a.deps.GuestVerifier)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}

	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Purpose != guest.Purpose {
		writeError(w, r, http.StatusBadRequest, "purpose does not match guest token")
		return
	}
	if strings.TrimSpace(req.AuthMethod) == "" {
		writeError(w, r, http.StatusBadRequest, "auth_method is required")
		return
	}

	ctx := r.Context()
	attrID, _, err := a.deps.Sessions.CreateOrRestart(ctx, guest)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}

	clientURL, err := a.deps.Core.Start(ctx, platform.StartRequest{
		Purpose:    guest.Purpose,
		AuthMethod: req.AuthMethod,
		CommURL:    guest.RedirectURL,
		AttrURL:    a.deps.InternalURL + "/auth_result/" + attrID,
	})
	if err != nil {
		obs.Logger().Warn().Err(err).Str("request_id", RequestIDFromContext(ctx)).Msg("start authentication")
		handleSessionError(w, r, err)
		return
	}

	if err := a.deps.Sessions.MarkAwaiting(ctx, attrID); err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clientURLResponse{ClientURL: clientURL})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
