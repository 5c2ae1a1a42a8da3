package authtest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"authrelay.org/internal/continuation"
	"authrelay.org/internal/envelope"
	"authrelay.org/internal/testkeys"
)

type fixture struct {
	srv       *httptest.Server
	client    *http.Client
	verifier  envelope.Verifier
	decrypter envelope.Decrypter
}

func newFixture(t *testing.T, withSession bool) *fixture {
	t.Helper()
	idp := testkeys.EC(t)
	relay := testkeys.EC(t)

	signer, err := envelope.SignerFromPEM(envelope.KeyTypeEC, idp.Private)
	require.NoError(t, err)
	enc, err := envelope.EncrypterFromPEM(envelope.KeyTypeEC, relay.Public)
	require.NoError(t, err)

	f := &fixture{}
	f.verifier, err = envelope.VerifierFromPEM(envelope.KeyTypeEC, idp.Public)
	require.NoError(t, err)
	f.decrypter, err = envelope.DecrypterFromPEM(envelope.KeyTypeEC, relay.Private)
	require.NoError(t, err)

	mux := http.NewServeMux()
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	s, err := New(Config{
		ServerURL:   f.srv.URL + "/",
		InternalURL: "http://idp.internal",
		WithSession: withSession,
		Catalog:     continuation.Catalog{"age": "42", "email": "jan@example.com"},
		Signer:      signer,
		Encrypter:   enc,
	})
	require.NoError(t, err)
	mux.Handle("/", s.Handler())

	f.client = f.srv.Client()
	f.client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return f
}

func (f *fixture) startAuth(t *testing.T, req StartRequest) (*http.Response, StartResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := f.client.Post(f.srv.URL+"/start_authentication", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out StartResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func (f *fixture) post(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := f.client.Post(path, "application/x-www-form-urlencoded", nil)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestStartBuildsConfirmURL(t *testing.T) {
	f := newFixture(t, false)

	resp, out := f.startAuth(t, StartRequest{Attributes: []string{"age"}, Continuation: "https://relay.example/done"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	seg, err := continuation.Encode(continuation.Continuation{Attributes: []string{"age"}, ContinuationURL: "https://relay.example/done"})
	require.NoError(t, err)
	require.Equal(t, f.srv.URL+"/confirm/"+seg.Path(), out.ClientURL)

	resp, out = f.startAuth(t, StartRequest{Attributes: []string{"age"}, Continuation: "https://relay.example/done", AttrURL: "https://relay.example/cb"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 3, strings.Count(strings.TrimPrefix(out.ClientURL, f.srv.URL+"/confirm/"), "/")+1)

	resp, _ = f.startAuth(t, StartRequest{Attributes: []string{"shoe_size"}, Continuation: "https://relay.example/done"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.startAuth(t, StartRequest{Attributes: []string{"age"}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConfirmPageListsAttributes(t *testing.T) {
	f := newFixture(t, false)
	_, out := f.startAuth(t, StartRequest{Attributes: []string{"age", "email"}, Continuation: "https://relay.example/done"})

	resp, err := f.client.Get(out.ClientURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	html := string(page)
	require.Contains(t, html, "jan@example.com")
	require.Contains(t, html, "<td>42</td>")
	require.Contains(t, html, `action="`+f.srv.URL+"/browser/")
	require.Contains(t, html, `action="`+f.srv.URL+"/cancel/")

	resp, err = f.client.Get(f.srv.URL + "/confirm/not-base64!!!/eA")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInlineLoginRedirectsWithResult(t *testing.T) {
	f := newFixture(t, true)
	seg, err := continuation.Encode(continuation.Continuation{Attributes: []string{"age"}, ContinuationURL: "https://relay.example/done?x=1"})
	require.NoError(t, err)

	resp := f.post(t, f.srv.URL+"/browser/"+seg.Path())
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "relay.example", loc.Host)
	require.Equal(t, "1", loc.Query().Get("x"))

	res, err := envelope.Open(loc.Query().Get("result"), f.verifier, f.decrypter)
	require.NoError(t, err)
	require.Equal(t, envelope.StatusSuccess, res.Status)
	require.Equal(t, map[string]string{"age": "42"}, res.Attributes)
	require.Equal(t, "http://idp.internal/session/update", res.SessionURL)
}

func TestInlineCancelCarriesFailedResult(t *testing.T) {
	f := newFixture(t, false)
	resp := f.post(t, f.srv.URL+"/cancel/"+continuation.EncodeURL("https://relay.example/done"))
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	res, err := envelope.Open(loc.Query().Get("result"), f.verifier, f.decrypter)
	require.NoError(t, err)
	require.Equal(t, envelope.StatusFailed, res.Status)
	require.Empty(t, res.Attributes)
	require.Empty(t, res.SessionURL)
}

type callback struct {
	mu     sync.Mutex
	bodies []string
	types  []string
}

func (c *callback) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.bodies = append(c.bodies, string(body))
	c.types = append(c.types, r.Header.Get("Content-Type"))
	c.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func TestOutOfBandLoginPostsResult(t *testing.T) {
	f := newFixture(t, false)
	cb := &callback{}
	cbSrv := httptest.NewServer(cb)
	defer cbSrv.Close()

	seg, err := continuation.Encode(continuation.Continuation{
		Attributes:        []string{"email"},
		ContinuationURL:   "https://relay.example/done",
		ResultCallbackURL: cbSrv.URL + "/internal/auth_result/abc",
	})
	require.NoError(t, err)

	resp := f.post(t, f.srv.URL+"/browser/"+seg.Path())
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "https://relay.example/done", resp.Header.Get("Location"))

	cb.mu.Lock()
	defer cb.mu.Unlock()
	require.Len(t, cb.bodies, 1)
	require.Equal(t, "application/jwt", cb.types[0])
	res, err := envelope.Open(cb.bodies[0], f.verifier, f.decrypter)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"email": "jan@example.com"}, res.Attributes)
}

func TestOutOfBandDeliveryFailureStillRedirects(t *testing.T) {
	f := newFixture(t, false)
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	resp := f.post(t, f.srv.URL+"/cancel/"+continuation.EncodeURL("https://relay.example/done")+"/"+continuation.EncodeURL(deadURL+"/cb"))
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "https://relay.example/done", resp.Header.Get("Location"))
}

func TestSessionUpdateIsAccepted(t *testing.T) {
	f := newFixture(t, false)
	resp := f.post(t, f.srv.URL+"/session/update?type=user_active")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Catalog: continuation.Catalog{"age": "42"}})
	require.Error(t, err)
}
