package core

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"authrelay.org/internal/platform"
)

func keys(t *testing.T) (*platform.Signer, *platform.Verifier) {
	t.Helper()
	s, err := platform.NewHMACSigner([]byte("start-secret"), "relay-1")
	if err != nil {
		t.Fatalf("NewHMACSigner: %v", err)
	}
	v, err := platform.NewHMACVerifier([]byte("start-secret"))
	if err != nil {
		t.Fatalf("NewHMACVerifier: %v", err)
	}
	return s, v
}

func TestStartPostsSignedRequest(t *testing.T) {
	signer, verifier := keys(t)
	want := platform.StartRequest{
		Purpose:    "id-check",
		AuthMethod: "irma",
		CommURL:    "https://comm.example/room1",
		AttrURL:    "http://relay/internal/auth_result/abc",
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/start" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/jwt" {
			t.Errorf("unexpected content type %q", ct)
		}
		if acc := r.Header.Get("Accept"); acc != "application/json" {
			t.Errorf("unexpected accept %q", acc)
		}
		body, _ := io.ReadAll(r.Body)
		got, err := platform.VerifyStartRequest(string(body), verifier)
		if err != nil {
			t.Errorf("verify start request: %v", err)
		}
		if got != want {
			t.Errorf("start request = %+v, want %+v", got, want)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"client_url":"https://idp.example/confirm/x"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/", signer, time.Second)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	url, err := c.Start(context.Background(), want)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if url != "https://idp.example/confirm/x" {
		t.Fatalf("unexpected client url %q", url)
	}
}

func TestStartFailures(t *testing.T) {
	signer, _ := keys(t)

	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"not json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		},
		"empty url": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"client_url":""}`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			c, err := NewClient(srv.URL, signer, time.Second)
			if err != nil {
				t.Fatalf("NewClient: %v", err)
			}
			if _, err := c.Start(context.Background(), platform.StartRequest{Purpose: "p"}); !errors.Is(err, ErrUnavailable) {
				t.Fatalf("expected ErrUnavailable, got %v", err)
			}
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		addr := srv.URL
		srv.Close()
		c, _ := NewClient(addr, signer, time.Second)
		if _, err := c.Start(context.Background(), platform.StartRequest{Purpose: "p"}); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
	})
}

func TestNewClientValidation(t *testing.T) {
	signer, _ := keys(t)
	if _, err := NewClient(" ", signer, 0); err == nil {
		t.Fatal("expected error for empty url")
	}
	if _, err := NewClient("http://core", nil, 0); err == nil {
		t.Fatal("expected error for missing signer")
	}
}
