package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"authrelay.org/internal/envelope"
	"authrelay.org/internal/obs"
	"authrelay.org/internal/platform"
	"authrelay.org/internal/session"
	"authrelay.org/internal/stream"
)

// Markers written on the live stream.
const (
	markStart      = "start"
	markUpdate     = "update"
	markBadRequest = "badrequest"
	markForbidden  = "forbidden"
)

type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (s sseWriter) data(marker string) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", marker); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s sseWriter) ping() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	return s.rc.Flush()
}

// hostLive streams "update" whenever a session of the host's room changes.
// Membership is re-checked against the store for every event.
func (a *API) hostLive(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	out := sseWriter{w: w, rc: rc}

	host, err := platform.VerifyHost(r.PathValue("token"), a.deps.HostVerifier)
	if err != nil {
		_ = out.data(markForbidden)
		return
	}
	if a.deps.Bus == nil {
		_ = out.data(markBadRequest)
		return
	}

	sub := a.deps.Bus.Subscribe()
	defer sub.Close()
	obs.LiveSubscribers.Inc()
	defer obs.LiveSubscribers.Dec()

	if err := out.data(markStart); err != nil {
		return
	}

	ctx := r.Context()
	for {
		evt, err := a.nextEvent(ctx, sub)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded):
			if out.ping() != nil {
				return
			}
			continue
		case errors.Is(err, stream.ErrLagged):
			obs.BusLagged.Inc()
			// Missed events are unknown; tell the host to refresh if the
			// room has anything to show.
			sessions, ferr := a.deps.Sessions.FindByRoom(ctx, host.RoomID)
			if ferr != nil {
				a.endStream(ctx, out, ferr)
				return
			}
			if len(sessions) > 0 && out.data(markUpdate) != nil {
				return
			}
			continue
		case err != nil:
			a.endStream(ctx, out, err)
			return
		}

		relevant, err := a.inRoom(ctx, host.RoomID, evt.AttrID)
		if err != nil {
			a.endStream(ctx, out, err)
			return
		}
		if relevant && out.data(markUpdate) != nil {
			return
		}
	}
}

// nextEvent waits for the next bus event, giving up after one heartbeat
// interval with context.DeadlineExceeded.
func (a *API) nextEvent(ctx context.Context, sub *stream.Subscription) (stream.Event, error) {
	wait, cancel := context.WithTimeout(ctx, a.deps.Heartbeat)
	defer cancel()
	return sub.Next(wait)
}

func (a *API) inRoom(ctx context.Context, roomID, attrID string) (bool, error) {
	sessions, err := a.deps.Sessions.FindByRoom(ctx, roomID)
	if err != nil {
		return false, err
	}
	return session.Contains(sessions, attrID), nil
}

func (a *API) endStream(ctx context.Context, out sseWriter, err error) {
	if !errors.Is(err, stream.ErrClosed) {
		obs.Logger().Error().Err(err).Str("request_id", RequestIDFromContext(ctx)).Msg("live stream aborted")
	}
	_ = out.data(markBadRequest)
}

// hostCredentials returns the decrypted attributes of every guest in the
// host's room, oldest session first.
func (a *API) hostCredentials(w http.ResponseWriter, r *http.Request) {
	host, err := platform.VerifyHost(r.PathValue("token"), a.deps.HostVerifier)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	creds, err := a.deps.Sessions.CredentialsForRoom(r.Context(), host.RoomID)
	if err != nil {
		obs.Logger().Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("collect credentials")
		if errors.Is(err, envelope.ErrCrypto) {
			// Stored results were accepted once; failing now is our fault.
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}
