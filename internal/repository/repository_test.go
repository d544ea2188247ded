package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/genchat/internal/model"
	"github.com/iliyamo/genchat/internal/retry"
)

var testRetry = retry.Policy{Attempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

var userCols = []string{"username", "email", "password_hash", "active_token", "remaining_generations", "is_admin",
	"token_activated_at", "token_deactivated_at", "created_at", "updated_at"}

func TestUserRepo_CreateDuplicates(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want error
	}{
		{"email taken", "users.uq_users_email", ErrEmailExists},
		{"username taken", "users.PRIMARY", ErrUsernameExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMock(t)
			mock.ExpectExec(q("INSERT INTO users")).
				WithArgs("alice", "alice@example.com", "hash", false).
				WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'x' for key '" + tt.key + "'"})

			err := NewUserRepo(db, testRetry).Create(context.Background(),
				model.User{Username: "alice", Email: " Alice@Example.com ", PasswordHash: "hash"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestUserRepo_GetByUsername(t *testing.T) {
	db, mock := newMock(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(q("FROM users WHERE username=?")).WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("alice", "a@x.io", "h", "ab", 7, true, now, nil, now, now))
	mock.ExpectQuery(q("FROM users WHERE username=?")).WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	repo := NewUserRepo(db, testRetry)
	u, err := repo.GetByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "ab", u.ActiveToken)
	assert.Equal(t, 7, u.RemainingGenerations)
	assert.True(t, u.IsAdmin)
	require.NotNil(t, u.TokenActivatedAt)
	assert.Nil(t, u.TokenDeactivatedAt)

	_, err = repo.GetByUsername(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserRepo_UpdateRenameCascades(t *testing.T) {
	db, mock := newMock(t)
	newName := "alice2"

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE users SET username=? WHERE username=?")).WithArgs("alice2", "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE chat_sessions SET username=?")).WithArgs("alice2", "alice").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(q("UPDATE chat_history SET username=?")).WithArgs("alice2", "alice").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(q("UPDATE refresh_tokens SET revoked_at=?")).WithArgs(sqlmock.AnyArg(), "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, NewUserRepo(db, testRetry).Update(context.Background(), "alice", UserUpdate{Username: &newName}))
}

func TestUserRepo_UpdateMissingUser(t *testing.T) {
	db, mock := newMock(t)
	email := "new@x.io"

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE users SET email=? WHERE username=?")).WithArgs("new@x.io", "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := NewUserRepo(db, testRetry).Update(context.Background(), "ghost", UserUpdate{Email: &email})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserRepo_ReleaseToken(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT username FROM users WHERE active_token=? FOR UPDATE")).WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"username"}).AddRow("alice"))
	mock.ExpectExec(q("UPDATE users SET active_token=NULL")).WithArgs(sqlmock.AnyArg(), "tok").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	holders, err := NewUserRepo(db, testRetry).ReleaseToken(context.Background(), "tok", time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, holders)
}

func TestUserRepo_ReleaseDangling(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("LEFT JOIN access_tokens")).
		WillReturnRows(sqlmock.NewRows([]string{"username"}).AddRow("bob").AddRow("carol"))
	mock.ExpectExec(q("WHERE username IN (?,?)")).WithArgs(sqlmock.AnyArg(), "bob", "carol").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	released, err := NewUserRepo(db, testRetry).ReleaseDangling(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, released)
}

func TestAccessTokenRepo_Decrement(t *testing.T) {
	t.Run("applied", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(q("SET remaining_generations=GREATEST(remaining_generations-?,0) WHERE token=? AND remaining_generations>0")).
			WithArgs(3, "tok").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(q("SELECT remaining_generations FROM access_tokens")).WithArgs("tok").
			WillReturnRows(sqlmock.NewRows([]string{"remaining_generations"}).AddRow(7))
		mock.ExpectCommit()

		remaining, applied, err := NewAccessTokenRepo(db, testRetry).Decrement(context.Background(), "tok", 3)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, 7, remaining)
	})

	t.Run("already empty", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(q("UPDATE access_tokens")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(q("SELECT remaining_generations")).
			WillReturnRows(sqlmock.NewRows([]string{"remaining_generations"}).AddRow(0))
		mock.ExpectCommit()

		remaining, applied, err := NewAccessTokenRepo(db, testRetry).Decrement(context.Background(), "tok", 1)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Zero(t, remaining)
	})

	t.Run("missing", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(q("UPDATE access_tokens")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(q("SELECT remaining_generations")).WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, _, err := NewAccessTokenRepo(db, testRetry).Decrement(context.Background(), "tok", 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("deadlock is retried", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(q("UPDATE access_tokens")).WillReturnError(&mysql.MySQLError{Number: 1213, Message: "Deadlock found"})
		mock.ExpectRollback()
		mock.ExpectBegin()
		mock.ExpectExec(q("UPDATE access_tokens")).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(q("SELECT remaining_generations")).
			WillReturnRows(sqlmock.NewRows([]string{"remaining_generations"}).AddRow(4))
		mock.ExpectCommit()

		remaining, applied, err := NewAccessTokenRepo(db, testRetry).Decrement(context.Background(), "tok", 1)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, 4, remaining)
	})
}

func TestAccessTokenRepo_StoreUnavailable(t *testing.T) {
	db, mock := newMock(t)
	for i := 0; i < int(testRetry.Attempts); i++ {
		mock.ExpectQuery(q("FROM access_tokens WHERE token=?")).WillReturnError(mysql.ErrInvalidConn)
	}

	_, err := NewAccessTokenRepo(db, testRetry).Get(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestAccessTokenRepo_CreateDuplicate(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec(q("INSERT INTO access_tokens")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'x' for key 'access_tokens.PRIMARY'"})

	err := NewAccessTokenRepo(db, testRetry).Create(context.Background(),
		model.AccessToken{Token: "x", TotalGenerations: 10, RemainingGenerations: 10, CreatedAt: time.Now(), CreatedBy: "admin"})
	assert.ErrorIs(t, err, ErrTokenExists)
}

func TestAccessTokenRepo_MarkUsed(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec(q("WHERE token=? AND used=FALSE")).WithArgs(sqlmock.AnyArg(), "alice", "tok").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("WHERE token=? AND used=FALSE")).WithArgs(sqlmock.AnyArg(), "bob", "tok").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewAccessTokenRepo(db, testRetry)
	ok, err := repo.MarkUsed(context.Background(), "tok", "alice", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.MarkUsed(context.Background(), "tok", "bob", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAccessTokenRepo_DeleteDead(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("WHERE remaining_generations<=0 FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"token"}).AddRow("empty"))
	mock.ExpectQuery(q("expires_at<? FOR UPDATE")).WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"token"}).AddRow("old1").AddRow("old2"))
	mock.ExpectExec(q("DELETE FROM access_tokens WHERE token IN (?,?,?)")).WithArgs("empty", "old1", "old2").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	exhausted, expired, err := NewAccessTokenRepo(db, testRetry).DeleteDead(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"empty"}, exhausted)
	assert.Equal(t, []string{"old1", "old2"}, expired)
}

func TestAccessTokenRepo_Existing(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(q("SELECT token FROM access_tokens WHERE token IN (?,?)")).WithArgs("a", "b").
		WillReturnRows(sqlmock.NewRows([]string{"token"}).AddRow("b"))

	found, err := NewAccessTokenRepo(db, testRetry).Existing(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"b": true}, found)
}

func TestChatRepo_AppendMessages(t *testing.T) {
	db, mock := newMock(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT IGNORE INTO chat_history")).WithArgs("alice", "f", "s", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT messages FROM chat_history")).WithArgs("alice", "f", "s").
		WillReturnRows(sqlmock.NewRows([]string{"messages"}).AddRow(`[{"role":"user","content":"hi"}]`))
	mock.ExpectExec(q("UPDATE chat_history SET messages=?")).
		WithArgs(`[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]`, at, "alice", "f", "s").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	h, err := NewChatRepo(db, testRetry).AppendMessages(context.Background(), "alice", "f", "s",
		[]model.Message{{Role: "assistant", Content: "hello"}}, at)
	require.NoError(t, err)
	require.Len(t, h.Messages, 2)
	assert.Equal(t, "hello", h.Messages[1].Content)
}

func TestChatRepo_GetHistory(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(q("SELECT messages, updated_at FROM chat_history")).WithArgs("alice", "f", "s").
		WillReturnRows(sqlmock.NewRows([]string{"messages", "updated_at"}).AddRow(`[]`, time.Now()))
	mock.ExpectQuery(q("SELECT messages, updated_at FROM chat_history")).WithArgs("alice", "f", "none").
		WillReturnError(sql.ErrNoRows)

	repo := NewChatRepo(db, testRetry)
	h, err := repo.GetHistory(context.Background(), "alice", "f", "s")
	require.NoError(t, err)
	assert.Empty(t, h.Messages)

	_, err = repo.GetHistory(context.Background(), "alice", "f", "none")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChatRepo_DeleteSession(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(q("DELETE FROM chat_history")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("DELETE FROM chat_sessions")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := NewChatRepo(db, testRetry).DeleteSession(context.Background(), "alice", "f", "s")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChatRepo_DeleteMessage(t *testing.T) {
	db, mock := newMock(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	stored := `[{"role":"user","content":"a"},{"role":"assistant","content":"b"},{"role":"user","content":"c"}]`

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT messages FROM chat_history")).WithArgs("alice", "f", "s").
		WillReturnRows(sqlmock.NewRows([]string{"messages"}).AddRow(stored))
	mock.ExpectExec(q("UPDATE chat_history SET messages=?")).
		WithArgs(`[{"role":"user","content":"a"},{"role":"user","content":"c"}]`, at, "alice", "f", "s").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT messages FROM chat_history")).WithArgs("alice", "f", "s").
		WillReturnRows(sqlmock.NewRows([]string{"messages"}).AddRow(stored))
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT messages FROM chat_history")).WithArgs("alice", "f", "none").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	repo := NewChatRepo(db, testRetry)
	h, err := repo.DeleteMessage(context.Background(), "alice", "f", "s", 1, at)
	require.NoError(t, err)
	assert.Equal(t, []model.Message{{Role: "user", Content: "a"}, {Role: "user", Content: "c"}}, h.Messages)

	_, err = repo.DeleteMessage(context.Background(), "alice", "f", "s", 3, at)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.DeleteMessage(context.Background(), "alice", "f", "none", 0, at)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChatRepo_ListFlows(t *testing.T) {
	db, mock := newMock(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(q("SELECT flow_id, COUNT(*), MAX(updated_at)")).WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"flow_id", "count", "updated_at"}).
			AddRow("support", 2, at).
			AddRow("sales", 1, at))

	flows, err := NewChatRepo(db, testRetry).ListFlows(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []model.ChatFlow{
		{FlowID: "support", Sessions: 2, UpdatedAt: at},
		{FlowID: "sales", Sessions: 1, UpdatedAt: at},
	}, flows)
}

func TestChatRepo_DeleteFlow(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(q("DELETE FROM chat_history WHERE username=? AND flow_id=?")).WithArgs("alice", "f").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(q("DELETE FROM chat_sessions WHERE username=? AND flow_id=?")).WithArgs("alice", "f").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(q("DELETE FROM chat_history WHERE username=? AND flow_id=?")).WithArgs("alice", "none").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("DELETE FROM chat_sessions WHERE username=? AND flow_id=?")).WithArgs("alice", "none").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	repo := NewChatRepo(db, testRetry)
	n, err := repo.DeleteFlow(context.Background(), "alice", "f")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = repo.DeleteFlow(context.Background(), "alice", "none")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefreshTokenRepo_ValidateRefresh(t *testing.T) {
	db, mock := newMock(t)
	future := time.Now().UTC().Add(time.Hour)
	cols := []string{"username", "expires_at", "revoked_at"}
	mock.ExpectQuery(q("FROM refresh_tokens WHERE token_hash=?")).WithArgs("good").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("alice", future, nil))
	mock.ExpectQuery(q("FROM refresh_tokens WHERE token_hash=?")).WithArgs("revoked").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("alice", future, time.Now()))
	mock.ExpectQuery(q("FROM refresh_tokens WHERE token_hash=?")).WithArgs("stale").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("alice", time.Now().Add(-time.Hour), nil))

	repo := NewRefreshTokenRepo(db, testRetry)
	u, err := repo.ValidateRefresh(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "alice", u)
	for _, h := range []string{"revoked", "stale"} {
		_, err := repo.ValidateRefresh(context.Background(), h)
		assert.ErrorIs(t, err, ErrNotFound, h)
	}
}
