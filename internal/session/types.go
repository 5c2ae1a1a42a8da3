package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"authrelay.org/internal/platform"
)

// State is the lifecycle position of a session.
type State string

const (
	StateCreated  State = "created"
	StateAwaiting State = "awaiting_result"
	StateResolved State = "resolved"
)

// Session is one authentication attempt of a guest.
type Session struct {
	AttrID       string
	GuestKey     string
	Guest        platform.GuestToken
	State        State
	AuthResult   *string // sealed envelope, never decrypted at rest
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Credentials is the render-time projection of a session.
type Credentials struct {
	Name       string            `json:"name"`
	Purpose    string            `json:"purpose"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"created_at"`
}

var (
	ErrNotFound = errors.New("session: not found")
	ErrConflict = errors.New("session: result already registered")
	ErrStore    = errors.New("session: store failure")
)

// Store persists sessions. Every method is a single transaction.
type Store interface {
	// CreateOrRestart inserts candidate unless an unresolved session with the
	// same GuestKey exists, in which case that one is touched and returned
	// with isNew=false. A resolved session for the same key is replaced.
	CreateOrRestart(ctx context.Context, candidate Session) (s Session, isNew bool, err error)
	MarkAwaiting(ctx context.Context, attrID string, now time.Time) error
	// SetResult stores a sealed envelope. ErrNotFound for unknown ids,
	// ErrConflict when a result is already present.
	SetResult(ctx context.Context, attrID, envelope string, now time.Time) error
	// FindByRoom returns the room's sessions and touches last_active_at.
	FindByRoom(ctx context.Context, roomID string, now time.Time) ([]Session, error)
	DeleteInactive(ctx context.Context, cutoff time.Time) (int64, error)
	Get(ctx context.Context, attrID string) (Session, error)
}

// NewAttrID returns 256 random bits, hex encoded.
func NewAttrID() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate attr id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// GuestKey fingerprints the guest claims. Two starts with the same claims
// are the same guest.
func GuestKey(g platform.GuestToken) string {
	h, _ := blake2b.New256(nil)
	for _, field := range []string{g.Purpose, g.Name, g.RedirectURL, g.RoomID} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}
