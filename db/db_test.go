package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB opens a migrated sqlite database in a temp directory.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := New(DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestCreateAndAuthenticateUser(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	user, err := database.CreateUser(ctx, "alice", "alice@example.com", "password123")
	require.NoError(t, err)
	assert.NotZero(t, user.ID)
	assert.NotEqual(t, "password123", user.PasswordHash)

	got, err := database.AuthenticateUser(ctx, "alice@example.com", "password123")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, "alice", got.Username)

	_, err = database.AuthenticateUser(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = database.AuthenticateUser(ctx, "nobody@example.com", "password123")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	_, err := database.CreateUser(ctx, "alice", "alice@example.com", "password123")
	require.NoError(t, err)

	_, err = database.CreateUser(ctx, "alice2", "alice@example.com", "password123")
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestUserExistsAndList(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	alice, err := database.CreateUser(ctx, "alice", "alice@example.com", "pw")
	require.NoError(t, err)
	bob, err := database.CreateUser(ctx, "bob", "bob@example.com", "pw")
	require.NoError(t, err)

	exists, err := database.UserExists(ctx, bob.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = database.UserExists(ctx, 9999)
	require.NoError(t, err)
	assert.False(t, exists)

	others, err := database.ListUsersExcept(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Equal(t, "bob", others[0].Username)
	assert.Empty(t, others[0].PasswordHash)

	_, err = database.GetUser(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversationOrdering(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	alice, err := database.CreateUser(ctx, "alice", "alice@example.com", "pw")
	require.NoError(t, err)
	bob, err := database.CreateUser(ctx, "bob", "bob@example.com", "pw")
	require.NoError(t, err)
	carol, err := database.CreateUser(ctx, "carol", "carol@example.com", "pw")
	require.NoError(t, err)

	m1, err := database.SaveMessage(ctx, alice.ID, bob.ID, "first")
	require.NoError(t, err)
	m2, err := database.SaveMessage(ctx, alice.ID, bob.ID, "second")
	require.NoError(t, err)
	m3, err := database.SaveMessage(ctx, bob.ID, alice.ID, "reply")
	require.NoError(t, err)
	_, err = database.SaveMessage(ctx, carol.ID, bob.ID, "unrelated")
	require.NoError(t, err)

	conv, err := database.GetConversation(ctx, alice.ID, bob.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, conv, 3)
	assert.Equal(t, []int64{m1.ID, m2.ID, m3.ID}, []int64{conv[0].ID, conv[1].ID, conv[2].ID})
	assert.Equal(t, "alice", conv[0].SenderName)
	assert.Equal(t, "bob", conv[2].SenderName)
	assert.True(t, m1.CreatedAt.Equal(conv[0].CreatedAt))

	// Reading from the other side yields the same order.
	reverse, err := database.GetConversation(ctx, bob.ID, alice.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, conv, reverse)

	page, err := database.GetConversation(ctx, alice.ID, bob.ID, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, m2.ID, page[0].ID)

	tail, err := database.GetConversation(ctx, alice.ID, bob.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, m3.ID, tail[0].ID)
}

func TestSaveMessageUnknownUser(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	alice, err := database.CreateUser(ctx, "alice", "alice@example.com", "pw")
	require.NoError(t, err)

	_, err = database.SaveMessage(ctx, alice.ID, 4242, "hi")
	assert.ErrorIs(t, err, ErrStore)
}

func TestAddSubscriptionDeduplicates(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	alice, err := database.CreateUser(ctx, "alice", "alice@example.com", "pw")
	require.NoError(t, err)
	bob, err := database.CreateUser(ctx, "bob", "bob@example.com", "pw")
	require.NoError(t, err)

	desc := `{"endpoint":"https://push.example.com/1","expirationTime":null,"keys":{"p256dh":"k","auth":"a"}}`

	inserted, err := database.AddSubscription(ctx, alice.ID, desc)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = database.AddSubscription(ctx, alice.ID, desc)
	require.NoError(t, err)
	assert.False(t, inserted)

	// Same descriptor for a different user is a separate row.
	inserted, err = database.AddSubscription(ctx, bob.ID, desc)
	require.NoError(t, err)
	assert.True(t, inserted)

	subs, err := database.GetSubscriptions(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, desc, subs[0].Descriptor)
	assert.Equal(t, alice.ID, subs[0].UserID)
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	first, err := New(DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := New(DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestSaveMessage_DBError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	database := Wrap(conn, DriverPostgres)

	mock.ExpectQuery("INSERT INTO messages").
		WithArgs(int64(1), int64(2), "hi", sqlmock.AnyArg()).
		WillReturnError(errors.New("connection refused"))

	_, err = database.SaveMessage(context.Background(), 1, 2, "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStore)
	assert.Contains(t, err.Error(), "inserting message")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveMessage_PostgresPlaceholders(t *testing.T) {
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	database := Wrap(conn, DriverPostgres)

	mock.ExpectQuery("INSERT INTO messages (sender_id,receiver_id,content,created_at) VALUES ($1,$2,$3,$4) RETURNING id").
		WithArgs(int64(1), int64(2), "hi", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(77)))

	msg, err := database.SaveMessage(context.Background(), 1, 2, "hi")
	require.NoError(t, err)
	assert.Equal(t, int64(77), msg.ID)
	assert.Equal(t, int64(1), msg.SenderID)
	assert.Equal(t, int64(2), msg.ReceiverID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubscriptions_DBError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	database := Wrap(conn, DriverSQLite)

	mock.ExpectQuery("SELECT .+ FROM push_subscriptions").
		WithArgs(int64(5)).
		WillReturnError(errors.New("disk I/O error"))

	_, err = database.GetSubscriptions(context.Background(), 5)
	assert.ErrorIs(t, err, ErrStore)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserExists_DBError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	database := Wrap(conn, DriverSQLite)

	mock.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("database is locked"))

	_, err = database.UserExists(context.Background(), 3)
	assert.ErrorIs(t, err, ErrStore)
	assert.NoError(t, mock.ExpectationsWereMet())
}
