package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"authrelay.org/internal/platform"
	"authrelay.org/internal/session"
)

var columns = []string{"attr_id", "guest_key", "purpose", "name", "redirect_url", "room_id", "state", "auth_result", "created_at", "last_active_at"}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

func candidate(now time.Time) session.Session {
	return session.Session{
		AttrID:       "new-id",
		GuestKey:     "gk",
		Guest:        platform.GuestToken{Purpose: "id-check", Name: "Jan", RedirectURL: "https://comm", RoomID: "room1"},
		State:        session.StateCreated,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

func TestCreateOrRestartInsertsNew(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`select .* from sessions where guest_key=\$1 for update`).WithArgs("gk").WillReturnRows(sqlmock.NewRows(columns))
	mock.ExpectExec(`insert into sessions`).
		WithArgs("new-id", "gk", "id-check", "Jan", "https://comm", "room1", "created", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, isNew, err := s.CreateOrRestart(context.Background(), candidate(now))
	if err != nil {
		t.Fatalf("CreateOrRestart: %v", err)
	}
	if !isNew || got.AttrID != "new-id" {
		t.Fatalf("unexpected result: %+v new=%v", got, isNew)
	}
}

func TestCreateOrRestartReturnsUnresolved(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	created := now.Add(-time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery(`select .* from sessions where guest_key=\$1 for update`).WithArgs("gk").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("old-id", "gk", "id-check", "Jan", "https://comm", "room1", "awaiting_result", nil, created, created))
	mock.ExpectExec(`update sessions set last_active_at=\$2 where attr_id=\$1`).WithArgs("old-id", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, isNew, err := s.CreateOrRestart(context.Background(), candidate(now))
	if err != nil {
		t.Fatalf("CreateOrRestart: %v", err)
	}
	if isNew || got.AttrID != "old-id" || got.State != session.StateAwaiting {
		t.Fatalf("unexpected result: %+v new=%v", got, isNew)
	}
	if !got.LastActiveAt.Equal(now) {
		t.Fatalf("last_active_at not refreshed: %v", got.LastActiveAt)
	}
}

func TestCreateOrRestartSupersedesResolved(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`select .* from sessions where guest_key=\$1 for update`).WithArgs("gk").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("old-id", "gk", "id-check", "Jan", "https://comm", "room1", "resolved", "sealed", now, now))
	mock.ExpectExec(`delete from sessions where attr_id=\$1`).WithArgs("old-id").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into sessions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, isNew, err := s.CreateOrRestart(context.Background(), candidate(now))
	if err != nil {
		t.Fatalf("CreateOrRestart: %v", err)
	}
	if !isNew || got.AttrID != "new-id" {
		t.Fatalf("unexpected result: %+v new=%v", got, isNew)
	}
}

func TestCreateOrRestartLostRace(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`for update`).WithArgs("gk").WillReturnRows(sqlmock.NewRows(columns))
	mock.ExpectExec(`insert into sessions`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select .* from sessions where guest_key=\$1`).WithArgs("gk").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("winner", "gk", "id-check", "Jan", "https://comm", "room1", "created", nil, now, now))
	mock.ExpectExec(`update sessions set last_active_at`).WithArgs("winner", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, isNew, err := s.CreateOrRestart(context.Background(), candidate(now))
	if err != nil {
		t.Fatalf("CreateOrRestart: %v", err)
	}
	if isNew || got.AttrID != "winner" {
		t.Fatalf("unexpected result: %+v new=%v", got, isNew)
	}
}

func TestSetResult(t *testing.T) {
	now := time.Now().UTC()

	t.Run("stores envelope", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(`update sessions\s+set auth_result = \$2`).WithArgs("id", "sealed", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		if err := s.SetResult(context.Background(), "id", "sealed", now); err != nil {
			t.Fatalf("SetResult: %v", err)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(`update sessions`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`select 1 from sessions where attr_id=\$1`).WithArgs("id").WillReturnRows(sqlmock.NewRows([]string{"one"}))
		mock.ExpectRollback()
		if err := s.SetResult(context.Background(), "id", "sealed", now); !errors.Is(err, session.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("already resolved", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(`update sessions`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`select 1 from sessions`).WithArgs("id").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
		mock.ExpectRollback()
		if err := s.SetResult(context.Background(), "id", "sealed", now); !errors.Is(err, session.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("driver failure", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(`update sessions`).WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()
		err := s.SetResult(context.Background(), "id", "sealed", now)
		if !errors.Is(err, session.ErrStore) {
			t.Fatalf("expected ErrStore, got %v", err)
		}
	})
}

func TestFindByRoomTouchesRows(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	created := now.Add(-time.Hour)

	mock.ExpectQuery(`update sessions set last_active_at = \$2\s+where room_id = \$1\s+returning`).WithArgs("room1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("a", "gk-a", "id-check", "Jan", "https://comm", "room1", "resolved", "sealed", created, now).
			AddRow("b", "gk-b", "id-check", "Piet", "https://comm", "room1", "created", nil, created.Add(time.Minute), now))

	got, err := s.FindByRoom(context.Background(), "room1", now)
	if err != nil {
		t.Fatalf("FindByRoom: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(got))
	}
	if got[0].AuthResult == nil || *got[0].AuthResult != "sealed" || got[1].AuthResult != nil {
		t.Fatalf("auth_result not mapped: %+v", got)
	}
	if got[1].Guest.Name != "Piet" || got[1].State != session.StateCreated {
		t.Fatalf("unexpected session: %+v", got[1])
	}
}

func TestDeleteInactive(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`delete from sessions where last_active_at < \$1`).WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.DeleteInactive(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("DeleteInactive: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 deleted, got %d", n)
	}
}

func TestMarkAwaitingAndGet(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectExec(`update sessions\s+set state = case`).WithArgs("missing", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.MarkAwaiting(context.Background(), "missing", now); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mock.ExpectQuery(`select .* from sessions where attr_id=\$1`).WithArgs("missing").WillReturnRows(sqlmock.NewRows(columns))
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
