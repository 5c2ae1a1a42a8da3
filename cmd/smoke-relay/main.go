package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"authrelay.org/internal/platform"
	"authrelay.org/internal/session"
)

// smoke-relay drives one guest through /guest/start against a running relay
// and checks that the host sees the pending session.
func main() {
	base := os.Getenv("SMOKE_RELAY_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	guestSigner, err := platform.NewHMACSigner([]byte(mustEnv("RELAY_GUEST_SECRET")), "")
	if err != nil {
		log.Fatalf("guest signer: %v", err)
	}
	hostSigner, err := platform.NewHMACSigner([]byte(mustEnv("RELAY_HOST_SECRET")), "")
	if err != nil {
		log.Fatalf("host signer: %v", err)
	}

	room := "smoke-" + uuid.NewString()
	guest := platform.GuestToken{Purpose: "id-check", Name: "Smoke Guest", RedirectURL: "https://example.org/" + room, RoomID: room}
	guestToken, err := platform.SignGuest(guest, guestSigner, 5*time.Minute)
	if err != nil {
		log.Fatalf("sign guest: %v", err)
	}
	hostToken, err := platform.SignHost(room, hostSigner, 5*time.Minute)
	if err != nil {
		log.Fatalf("sign host: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := &http.Client{Timeout: 5 * time.Second}

	body, _ := json.Marshal(map[string]string{"purpose": guest.Purpose, "auth_method": "irma"})
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, base+"/guest/start/"+guestToken, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	var started struct {
		ClientURL string `json:"client_url"`
	}
	if err := call(client, req, &started); err != nil {
		log.Fatalf("guest start: %v", err)
	}

	req, _ = http.NewRequestWithContext(ctx, http.MethodGet, base+"/host/credentials/"+hostToken, nil)
	var creds []session.Credentials
	if err := call(client, req, &creds); err != nil {
		log.Fatalf("host credentials: %v", err)
	}
	if len(creds) != 1 || creds[0].Name != guest.Name || creds[0].Attributes != nil {
		log.Fatalf("unexpected credentials for %s: %+v", room, creds)
	}

	fmt.Printf("✅ relay smoke test passed: room=%s client_url=%s\n", room, started.ClientURL)
}

func call(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("%s is required", key)
	}
	return v
}
