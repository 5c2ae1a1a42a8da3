// Package httpapi is the relay's HTTP surface: guest entry points, the
// identity service callback and the host-side live stream and credentials.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"authrelay.org/internal/continuation"
	"authrelay.org/internal/core"
	"authrelay.org/internal/envelope"
	"authrelay.org/internal/obs"
	"authrelay.org/internal/platform"
	"authrelay.org/internal/session"
	"authrelay.org/internal/stream"
)

const serviceName = "authrelay"

// ReadyCheck pings the configured backends. Nil fields are skipped.
type ReadyCheck struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rp ReadyCheck) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Sessions is the part of session.Engine the handlers use.
type Sessions interface {
	CreateOrRestart(ctx context.Context, guest platform.GuestToken) (string, bool, error)
	MarkAwaiting(ctx context.Context, attrID string) error
	RegisterResult(ctx context.Context, attrID, sealed string) error
	FindByRoom(ctx context.Context, roomID string) ([]session.Session, error)
	SweepExpired(ctx context.Context, retention time.Duration) (int64, error)
	CredentialsForRoom(ctx context.Context, roomID string) ([]session.Credentials, error)
}

// Starter hands a start request to the identity service.
type Starter interface {
	Start(ctx context.Context, req platform.StartRequest) (string, error)
}

// Deps are constructed once at startup and shared by all requests.
type Deps struct {
	Sessions Sessions
	Bus      *stream.Bus
	Core     Starter

	GuestVerifier *platform.Verifier
	HostVerifier  *platform.Verifier
	WidgetSigner  *platform.Signer

	// InternalURL is the base the identity service posts results to,
	// including the /internal prefix.
	InternalURL      string
	ExternalGuestURL string
	WidgetURL        string
	DisplayName      string

	Retention   time.Duration
	Heartbeat   time.Duration
	RateBurst   int
	RatePerSec  int
	TrustProxy  bool
	HostOrigins []string

	Ready   ReadyCheck
	Version string
}

// API routes guest, internal and host requests to the session engine.
type API struct {
	mux  *http.ServeMux
	deps Deps
	stop func()
}

func New(deps Deps) *API {
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 15 * time.Second
	}
	if deps.RateBurst <= 0 {
		deps.RateBurst = 20
	}
	if deps.RatePerSec <= 0 {
		deps.RatePerSec = 10
	}
	deps.InternalURL = strings.TrimRight(deps.InternalURL, "/")
	deps.ExternalGuestURL = strings.TrimRight(deps.ExternalGuestURL, "/")

	a := &API{mux: http.NewServeMux(), deps: deps}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	guest := http.NewServeMux()
	guest.HandleFunc("GET /guest/init/{token}", a.guestInit)
	guest.HandleFunc("POST /guest/start/{token}", a.guestStart)
	limited, stop := RateLimit(guest, deps.RateBurst, deps.RatePerSec, deps.TrustProxy)
	a.stop = stop
	a.mux.Handle("/guest/", limited)

	a.mux.HandleFunc("POST /internal/auth_result/{attr_id}", a.authResult)
	a.mux.HandleFunc("GET /internal/clean_db", a.cleanDB)

	host := http.NewServeMux()
	host.HandleFunc("GET /host/live/{token}", a.hostLive)
	host.HandleFunc("GET /host/credentials/{token}", a.hostCredentials)
	a.mux.Handle("/host/", CORS(host, deps.HostOrigins))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	return a
}

// Close releases background work started by New.
func (a *API) Close() {
	a.stop()
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.deps.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// handleSessionError maps domain errors to status codes. Messages for
// authentication failures carry no detail.
func handleSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, platform.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, continuation.ErrDecode), errors.Is(err, continuation.ErrUnknownAttribute):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, envelope.ErrCrypto):
		writeError(w, r, http.StatusBadRequest, "invalid auth result")
	case errors.Is(err, session.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrConflict):
		writeError(w, r, http.StatusConflict, "auth result already registered")
	case errors.Is(err, core.ErrUnavailable):
		writeError(w, r, http.StatusBadGateway, "identity service unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
