// Package sqlite provides a single-node SQLite session store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"authrelay.org/internal/migrate"
	"authrelay.org/internal/session"
	"authrelay.org/internal/store/sqlite/migrations"
)

// Store persists sessions in SQLite.
type Store struct {
	sqlDB *sql.DB
}

var _ session.Store = (*Store)(nil)

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(v int64) time.Time { return time.Unix(0, v).UTC() }

// Open opens and migrates a SQLite store at path. ":memory:" is accepted
// for tests.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := ":memory:"
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; also keeps ":memory:" on a single database.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	m := migrate.NewManager(sqlDB, migrations.FS, nil, migrate.WithDialect(migrate.SQLite))
	if err := m.Up(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// DB exposes the handle for readiness checks.
func (s *Store) DB() *sql.DB { return s.sqlDB }

const sessionColumns = `attr_id, guest_key, purpose, name, redirect_url, room_id, state, auth_result, created_at, last_active_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (session.Session, error) {
	var (
		out                 session.Session
		state               string
		result              sql.NullString
		created, lastActive int64
	)
	if err := row.Scan(&out.AttrID, &out.GuestKey, &out.Guest.Purpose, &out.Guest.Name, &out.Guest.RedirectURL,
		&out.Guest.RoomID, &state, &result, &created, &lastActive); err != nil {
		return session.Session{}, err
	}
	out.State = session.State(state)
	if result.Valid {
		env := result.String
		out.AuthResult = &env
	}
	out.CreatedAt = fromNanos(created)
	out.LastActiveAt = fromNanos(lastActive)
	return out, nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", session.ErrStore, op, err)
}

func (s *Store) CreateOrRestart(ctx context.Context, c session.Session) (session.Session, bool, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return session.Session{}, false, storeErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE guest_key = ?`, c.GuestKey))
	switch {
	case err == nil && existing.State != session.StateResolved:
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET last_active_at = ? WHERE attr_id = ?`,
			toNanos(c.LastActiveAt), existing.AttrID); err != nil {
			return session.Session{}, false, storeErr("touch session", err)
		}
		if err := tx.Commit(); err != nil {
			return session.Session{}, false, storeErr("commit", err)
		}
		existing.LastActiveAt = c.LastActiveAt
		return existing, false, nil
	case err == nil:
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE attr_id = ?`, existing.AttrID); err != nil {
			return session.Session{}, false, storeErr("replace session", err)
		}
	case !errors.Is(err, sql.ErrNoRows):
		return session.Session{}, false, storeErr("lookup guest", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (attr_id, guest_key, purpose, name, redirect_url, room_id, state, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.AttrID, c.GuestKey, c.Guest.Purpose, c.Guest.Name, c.Guest.RedirectURL, c.Guest.RoomID,
		string(session.StateCreated), toNanos(c.CreatedAt), toNanos(c.LastActiveAt)); err != nil {
		return session.Session{}, false, storeErr("insert session", err)
	}
	if err := tx.Commit(); err != nil {
		return session.Session{}, false, storeErr("commit", err)
	}
	c.State = session.StateCreated
	return c, true, nil
}

func (s *Store) MarkAwaiting(ctx context.Context, attrID string, now time.Time) error {
	res, err := s.sqlDB.ExecContext(ctx, `
		UPDATE sessions
		SET state = CASE WHEN state = 'created' THEN 'awaiting_result' ELSE state END,
		    last_active_at = ?
		WHERE attr_id = ?`, toNanos(now), attrID)
	if err != nil {
		return storeErr("mark awaiting", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *Store) SetResult(ctx context.Context, attrID, envelope string, now time.Time) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET auth_result = ?, state = 'resolved', last_active_at = ?
		WHERE attr_id = ? AND auth_result IS NULL`, envelope, toNanos(now), attrID)
	if err != nil {
		return storeErr("set result", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE attr_id = ?`, attrID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return session.ErrNotFound
		}
		if err != nil {
			return storeErr("lookup session", err)
		}
		return session.ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

func (s *Store) FindByRoom(ctx context.Context, roomID string, now time.Time) ([]session.Session, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		UPDATE sessions SET last_active_at = ?
		WHERE room_id = ?
		RETURNING `+sessionColumns, toNanos(now), roomID)
	if err != nil {
		return nil, storeErr("find by room", err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storeErr("scan session", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("find by room", err)
	}
	return out, nil
}

func (s *Store) DeleteInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM sessions WHERE last_active_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, storeErr("delete inactive", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("delete inactive", err)
	}
	return n, nil
}

func (s *Store) Get(ctx context.Context, attrID string) (session.Session, error) {
	sess, err := scanSession(s.sqlDB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE attr_id = ?`, attrID))
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, storeErr("get session", err)
	}
	return sess, nil
}
