package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"authrelay.org/internal/migrate"
	"authrelay.org/internal/session"
	"authrelay.org/internal/store/pg/migrations"
)

type Store struct {
	db *sql.DB
}

var _ session.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle (tests, shared pools).
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Migrate applies the embedded schema.
func (s *Store) Migrate(ctx context.Context) error {
	return migrate.NewManager(s.db, migrations.FS, nil).Up(ctx)
}

const sessionColumns = `attr_id, guest_key, purpose, name, redirect_url, room_id, state, auth_result, created_at, last_active_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (session.Session, error) {
	var (
		out    session.Session
		state  string
		result sql.NullString
	)
	err := row.Scan(&out.AttrID, &out.GuestKey, &out.Guest.Purpose, &out.Guest.Name, &out.Guest.RedirectURL,
		&out.Guest.RoomID, &state, &result, &out.CreatedAt, &out.LastActiveAt)
	if err != nil {
		return session.Session{}, err
	}
	out.State = session.State(state)
	if result.Valid {
		env := result.String
		out.AuthResult = &env
	}
	return out, nil
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %w", session.ErrStore, err)
}

func (s *Store) CreateOrRestart(ctx context.Context, c session.Session) (session.Session, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return session.Session{}, false, storeErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanSession(tx.QueryRowContext(ctx,
		`select `+sessionColumns+` from sessions where guest_key=$1 for update`, c.GuestKey))
	switch {
	case err == nil && existing.State != session.StateResolved:
		return s.touchExisting(ctx, tx, existing, c.LastActiveAt)
	case err == nil:
		// A finished attempt is replaced so the guest can try again.
		if _, err := tx.ExecContext(ctx, `delete from sessions where attr_id=$1`, existing.AttrID); err != nil {
			return session.Session{}, false, storeErr(err)
		}
	case !errors.Is(err, sql.ErrNoRows):
		return session.Session{}, false, storeErr(err)
	}

	res, err := tx.ExecContext(ctx, `
		insert into sessions(attr_id, guest_key, purpose, name, redirect_url, room_id, state, created_at, last_active_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		on conflict (guest_key) do nothing
	`, c.AttrID, c.GuestKey, c.Guest.Purpose, c.Guest.Name, c.Guest.RedirectURL, c.Guest.RoomID,
		string(session.StateCreated), c.CreatedAt, c.LastActiveAt)
	if err != nil {
		return session.Session{}, false, storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// A concurrent start for the same guest committed first.
		winner, err := scanSession(tx.QueryRowContext(ctx,
			`select `+sessionColumns+` from sessions where guest_key=$1`, c.GuestKey))
		if err != nil {
			return session.Session{}, false, storeErr(err)
		}
		return s.touchExisting(ctx, tx, winner, c.LastActiveAt)
	}
	if err := tx.Commit(); err != nil {
		return session.Session{}, false, storeErr(err)
	}
	c.State = session.StateCreated
	return c, true, nil
}

func (s *Store) touchExisting(ctx context.Context, tx *sql.Tx, existing session.Session, now time.Time) (session.Session, bool, error) {
	if _, err := tx.ExecContext(ctx, `update sessions set last_active_at=$2 where attr_id=$1`, existing.AttrID, now); err != nil {
		return session.Session{}, false, storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return session.Session{}, false, storeErr(err)
	}
	existing.LastActiveAt = now
	return existing, false, nil
}

func (s *Store) MarkAwaiting(ctx context.Context, attrID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update sessions
		set state = case when state = 'created' then 'awaiting_result' else state end,
		    last_active_at = $2
		where attr_id = $1
	`, attrID, now)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *Store) SetResult(ctx context.Context, attrID, envelope string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update sessions
		set auth_result = $2, state = 'resolved', last_active_at = $3
		where attr_id = $1 and auth_result is null
	`, attrID, envelope, now)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `select 1 from sessions where attr_id=$1`, attrID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return session.ErrNotFound
		}
		if err != nil {
			return storeErr(err)
		}
		return session.ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *Store) FindByRoom(ctx context.Context, roomID string, now time.Time) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		update sessions set last_active_at = $2
		where room_id = $1
		returning `+sessionColumns, roomID, now)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

func (s *Store) DeleteInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from sessions where last_active_at < $1`, cutoff)
	if err != nil {
		return 0, storeErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr(err)
	}
	return n, nil
}

func (s *Store) Get(ctx context.Context, attrID string) (session.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where attr_id=$1`, attrID))
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, storeErr(err)
	}
	return sess, nil
}
