// Package platform verifies the capability tokens issued by the communication
// platform and signs the JWTs the relay sends onward.
package platform

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is the only error a caller ever sees for a rejected token.
var ErrUnauthorized = errors.New("platform: unauthorized")

// clockSkew tolerated on exp/iat.
const clockSkew = 5 * time.Second

// GuestToken grants the right to start one authentication session.
type GuestToken struct {
	Purpose     string `json:"purpose"`
	Name        string `json:"name"`
	RedirectURL string `json:"redirect_url"`
	RoomID      string `json:"room_id"`
}

// HostToken grants read access to all sessions of a room.
type HostToken struct {
	RoomID    string
	ExpiresAt time.Time
}

type guestClaims struct {
	GuestToken
	jwt.RegisteredClaims
}

type hostClaims struct {
	RoomID string `json:"room_id"`
	// Guest-only claims. A host token never carries them.
	Purpose     string `json:"purpose,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
	jwt.RegisteredClaims
}

// VerifyGuest checks signature and expiry of a guest token.
func VerifyGuest(token string, v *Verifier) (GuestToken, error) {
	var claims guestClaims
	if err := v.parse(token, &claims); err != nil {
		return GuestToken{}, ErrUnauthorized
	}
	if strings.TrimSpace(claims.RoomID) == "" || strings.TrimSpace(claims.Purpose) == "" {
		return GuestToken{}, ErrUnauthorized
	}
	return claims.GuestToken, nil
}

// VerifyHost checks signature and expiry of a host token.
func VerifyHost(token string, v *Verifier) (HostToken, error) {
	var claims hostClaims
	if err := v.parse(token, &claims); err != nil {
		return HostToken{}, ErrUnauthorized
	}
	if strings.TrimSpace(claims.RoomID) == "" || claims.Purpose != "" || claims.RedirectURL != "" {
		return HostToken{}, ErrUnauthorized
	}
	return HostToken{RoomID: claims.RoomID, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// SignGuest mints a guest token. The relay never does this itself; it is
// used by the smoke client and tests standing in for the platform.
func SignGuest(g GuestToken, s *Signer, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	return s.Sign(guestClaims{
		GuestToken: g,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
}

// SignHost mints a host token for roomID.
func SignHost(roomID string, s *Signer, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	return s.Sign(hostClaims{
		RoomID: roomID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
}
