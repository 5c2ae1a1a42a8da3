// Package session correlates authentication attempts with their results and
// with the room that may observe them.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"authrelay.org/internal/audit"
	"authrelay.org/internal/envelope"
	"authrelay.org/internal/obs"
	"authrelay.org/internal/platform"
	"authrelay.org/internal/stream"
)

// Publisher receives an event after every committed change a host may see.
type Publisher interface {
	Publish(stream.Event)
}

// ResultKeys open the envelopes posted by the identity service.
type ResultKeys struct {
	Verifier  envelope.Verifier
	Decrypter envelope.Decrypter
}

// Engine is the session state machine on top of a Store.
type Engine struct {
	store Store
	pub   Publisher
	keys  ResultKeys
	now   func() time.Time
	newID func() (string, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs overrides attr id generation.
func WithIDs(gen func() (string, error)) Option {
	return func(e *Engine) { e.newID = gen }
}

// WithPublisher sets where update events go.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

type noopPublisher struct{}

func (noopPublisher) Publish(stream.Event) {}

// NewEngine builds an engine over store.
func NewEngine(store Store, keys ResultKeys, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		pub:   noopPublisher{},
		keys:  keys,
		now:   func() time.Time { return time.Now().UTC() },
		newID: NewAttrID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateOrRestart returns the live session of this guest or starts a new one.
func (e *Engine) CreateOrRestart(ctx context.Context, guest platform.GuestToken) (string, bool, error) {
	id, err := e.newID()
	if err != nil {
		return "", false, err
	}
	now := e.now()
	s, isNew, err := e.store.CreateOrRestart(ctx, Session{
		AttrID:       id,
		GuestKey:     GuestKey(guest),
		Guest:        guest,
		State:        StateCreated,
		CreatedAt:    now,
		LastActiveAt: now,
	})
	if err != nil {
		return "", false, err
	}

	event, outcome := "session.created", "new"
	if !isNew {
		event, outcome = "session.restarted", "restart"
	}
	obs.SessionsStarted.WithLabelValues(outcome).Inc()
	_ = audit.LogEvent(ctx, event, map[string]any{"room_id": guest.RoomID, "purpose": guest.Purpose})
	return s.AttrID, isNew, nil
}

// MarkAwaiting records that the identity service accepted the start request
// and lets hosts see the pending guest.
func (e *Engine) MarkAwaiting(ctx context.Context, attrID string) error {
	if err := e.store.MarkAwaiting(ctx, attrID, e.now()); err != nil {
		return err
	}
	e.pub.Publish(stream.Event{AttrID: attrID})
	return nil
}

// RegisterResult validates envelope (expiry enforced) and stores it still
// sealed. Subscribers are notified only after the write committed.
func (e *Engine) RegisterResult(ctx context.Context, attrID, sealed string) error {
	if _, err := envelope.OpenAt(sealed, e.keys.Verifier, e.keys.Decrypter, e.now()); err != nil {
		obs.ResultsRegistered.WithLabelValues("invalid").Inc()
		return err
	}
	if err := e.store.SetResult(ctx, attrID, sealed, e.now()); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			obs.ResultsRegistered.WithLabelValues("not_found").Inc()
		case errors.Is(err, ErrConflict):
			obs.ResultsRegistered.WithLabelValues("conflict").Inc()
		default:
			obs.ResultsRegistered.WithLabelValues("error").Inc()
		}
		return err
	}
	obs.ResultsRegistered.WithLabelValues("ok").Inc()
	_ = audit.LogEvent(ctx, "result.registered", map[string]any{"attr_id": attrID})
	e.pub.Publish(stream.Event{AttrID: attrID})
	return nil
}

// FindByRoom returns the room's sessions ordered by creation time and keeps
// them alive.
func (e *Engine) FindByRoom(ctx context.Context, roomID string) ([]Session, error) {
	sessions, err := e.store.FindByRoom(ctx, roomID, e.now())
	if err != nil {
		return nil, err
	}
	sort.SliceStable(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	return sessions, nil
}

// SweepExpired deletes sessions idle for longer than retention.
func (e *Engine) SweepExpired(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("sweep: retention must be positive, got %s", retention)
	}
	n, err := e.store.DeleteInactive(ctx, e.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		obs.SessionsSwept.Add(float64(n))
		_ = audit.LogEvent(ctx, "sessions.swept", map[string]any{"deleted": n})
	}
	return n, nil
}

// CredentialsForRoom decrypts every resolved session of the room. Results
// were accepted once already, so their expiry is not checked again.
func (e *Engine) CredentialsForRoom(ctx context.Context, roomID string) ([]Credentials, error) {
	sessions, err := e.FindByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]Credentials, 0, len(sessions))
	for _, s := range sessions {
		c := Credentials{Name: s.Guest.Name, Purpose: s.Guest.Purpose, CreatedAt: s.CreatedAt}
		if s.AuthResult != nil {
			res, err := envelope.OpenWithoutExpiryCheck(*s.AuthResult, e.keys.Verifier, e.keys.Decrypter)
			if err != nil {
				return nil, fmt.Errorf("open stored result %s: %w", s.AttrID, err)
			}
			c.Attributes = res.Attributes
		}
		out = append(out, c)
	}
	return out, nil
}

// Contains reports whether attrID is one of sessions.
func Contains(sessions []Session, attrID string) bool {
	for _, s := range sessions {
		if s.AttrID == attrID {
			return true
		}
	}
	return false
}
