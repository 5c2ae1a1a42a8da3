// Package authtest is a stand-in identity provider. It accepts any user,
// hands out the attribute values from a static catalog and delivers the
// sealed result either inline on the continuation URL or to a callback.
package authtest

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"authrelay.org/internal/continuation"
	"authrelay.org/internal/envelope"
	"authrelay.org/internal/httpapi"
	"authrelay.org/internal/obs"
)

//go:embed templates/*.html
var templatesFS embed.FS

var templates = template.Must(template.ParseFS(templatesFS, "templates/*.html"))

const deliverTimeout = 10 * time.Second

// Config carries everything the provider needs. Keys are parsed once at
// startup.
type Config struct {
	ServerURL   string
	InternalURL string
	WithSession bool
	Catalog     continuation.Catalog
	Signer      jose.Signer
	Encrypter   jose.Encrypter
	// HTTPClient delivers out-of-band results. Defaults to a client with a
	// 10s timeout.
	HTTPClient *http.Client
}

// StartRequest is the body of POST /start_authentication.
type StartRequest struct {
	Attributes   []string `json:"attributes"`
	Continuation string   `json:"continuation"`
	AttrURL      string   `json:"attr_url,omitempty"`
}

// StartResponse tells the caller where to send the user.
type StartResponse struct {
	ClientURL string `json:"client_url"`
}

type Server struct {
	cfg    Config
	mux    *http.ServeMux
	client *http.Client
}

func New(cfg Config) (*Server, error) {
	if cfg.Signer == nil || cfg.Encrypter == nil {
		return nil, errors.New("authtest: signer and encrypter are required")
	}
	if len(cfg.Catalog) == 0 {
		return nil, errors.New("authtest: attribute catalog is empty")
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	cfg.InternalURL = strings.TrimRight(cfg.InternalURL, "/")
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: deliverTimeout}
	}

	s := &Server{cfg: cfg, mux: http.NewServeMux(), client: client}
	s.mux.HandleFunc("POST /start_authentication", s.start)
	s.mux.HandleFunc("GET /confirm/{attrs}/{cont}", s.confirm)
	s.mux.HandleFunc("GET /confirm/{attrs}/{cont}/{attr_url}", s.confirm)
	s.mux.HandleFunc("POST /browser/{attrs}/{cont}", s.login)
	s.mux.HandleFunc("POST /browser/{attrs}/{cont}/{attr_url}", s.login)
	s.mux.HandleFunc("POST /cancel/{cont}", s.cancel)
	s.mux.HandleFunc("POST /cancel/{cont}/{attr_url}", s.cancel)
	s.mux.HandleFunc("POST /session/update", s.sessionUpdate)
	return s, nil
}

// Handler returns the routes wrapped in request id and access logging.
func (s *Server) Handler() http.Handler {
	return httpapi.RequestID(httpapi.LoggingJSON(httpapi.SecurityHeaders(s.mux)))
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.cfg.Catalog.Validate(req.Attributes); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	seg, err := continuation.Encode(continuation.Continuation{
		Attributes:        req.Attributes,
		ContinuationURL:   req.Continuation,
		ResultCallbackURL: req.AttrURL,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StartResponse{ClientURL: s.cfg.ServerURL + "/confirm/" + seg.Path()})
}

type confirmPage struct {
	Login      string
	Logout     string
	Attributes map[string]string
}

func (s *Server) confirm(w http.ResponseWriter, r *http.Request) {
	seg := segments(r)
	attrs, err := continuation.DecodeAttributes(seg.Attributes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	values, err := s.cfg.Catalog.Map(attrs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var buf bytes.Buffer
	err = templates.ExecuteTemplate(&buf, "confirm.html", confirmPage{
		Login:      s.cfg.ServerURL + "/browser/" + seg.Path(),
		Logout:     s.cfg.ServerURL + "/cancel/" + seg.Tail(),
		Attributes: values,
	})
	if err != nil {
		obs.Logger().Error().Err(err).Msg("render confirm page")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	seg := segments(r)
	attrs, err := continuation.DecodeAttributes(seg.Attributes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	values, err := s.cfg.Catalog.Map(attrs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.finish(w, r, seg, envelope.AuthResult{Status: envelope.StatusSuccess, Attributes: values})
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	s.finish(w, r, segments(r), envelope.AuthResult{Status: envelope.StatusFailed, Attributes: map[string]string{}})
}

// finish seals the result and returns the user to the continuation URL,
// either carrying the result or after posting it to the callback.
func (s *Server) finish(w http.ResponseWriter, r *http.Request, seg continuation.Segments, result envelope.AuthResult) {
	if s.cfg.WithSession {
		result.SessionURL = s.cfg.InternalURL + "/session/update"
	}
	cont, err := continuation.Parse(segOrEmptyAttrs(seg), seg.ContinuationURL, seg.ResultCallbackURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sealed, err := envelope.Seal(result, s.cfg.Signer, s.cfg.Encrypter)
	if err != nil {
		obs.Logger().Error().Err(err).Msg("seal auth result")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if seg.Inline() {
		http.Redirect(w, r, continuation.BuildRedirect(sealed, cont.ContinuationURL), http.StatusSeeOther)
		return
	}
	// Delivery failures do not change where the user goes.
	if err := s.deliver(r.Context(), cont.ResultCallbackURL, sealed); err != nil {
		obs.Logger().Warn().Err(err).Str("status", string(result.Status)).Msg("report auth result")
	} else {
		obs.Logger().Info().Str("status", string(result.Status)).Msg("reported auth result")
	}
	http.Redirect(w, r, cont.ContinuationURL, http.StatusSeeOther)
}

func (s *Server) deliver(ctx context.Context, url, sealed string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(sealed))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/jwt")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("callback returned %d", resp.StatusCode)
	}
	return nil
}

func (s *Server) sessionUpdate(w http.ResponseWriter, r *http.Request) {
	obs.Logger().Info().
		Str("type", r.URL.Query().Get("type")).
		Str("request_id", httpapi.RequestIDFromContext(r.Context())).
		Msg("session update received")
	w.WriteHeader(http.StatusOK)
}

func segments(r *http.Request) continuation.Segments {
	return continuation.Segments{
		Attributes:        r.PathValue("attrs"),
		ContinuationURL:   r.PathValue("cont"),
		ResultCallbackURL: r.PathValue("attr_url"),
	}
}

// segOrEmptyAttrs fills the attribute segment for cancel routes, which do
// not carry one.
func segOrEmptyAttrs(seg continuation.Segments) string {
	if seg.Attributes != "" {
		return seg.Attributes
	}
	return emptyAttrs
}

var emptyAttrs = continuation.EncodeURL("[]")

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
