package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"pushchat/models"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrUserExists = errors.New("user already exists")
	// ErrStore marks a durable-store failure. Callers treat it as fatal to the
	// current operation and never retry on their own.
	ErrStore = errors.New("store unavailable")
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

var userColumns = []string{"id", "username", "email", "password_hash", "created_at"}

type DB struct {
	conn   *sql.DB
	driver string
	sb     sq.StatementBuilderType
}

// New opens the database, verifies the connection and applies pending
// migrations. For sqlite3 the path is a file name, for postgres a DSN.
func New(driver, path string) (*DB, error) {
	dsn := path
	if driver == DriverSQLite && !strings.Contains(path, "?") {
		dsn = path + "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000"
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, err
	}

	if err := Migrate(conn, driver); err != nil {
		conn.Close()
		return nil, err
	}

	return Wrap(conn, driver), nil
}

// Wrap builds a DB around an already opened connection without migrating it.
func Wrap(conn *sql.DB, driver string) *DB {
	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == DriverPostgres {
		placeholder = sq.Dollar
	}
	return &DB{
		conn:   conn,
		driver: driver,
		sb:     sq.StatementBuilder.PlaceholderFormat(placeholder),
	}
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

// now is rounded to microseconds so values survive a postgres round trip.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// User methods
func (db *DB) CreateUser(ctx context.Context, username, email, password string) (*models.User, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		Username:     username,
		Email:        email,
		PasswordHash: string(hashed),
		CreatedAt:    now(),
	}

	query, args, err := db.sb.Insert("users").
		Columns("username", "email", "password_hash", "created_at").
		Values(user.Username, user.Email, user.PasswordHash, user.CreatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building user insert: %w", err)
	}

	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&user.ID); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUserExists
		}
		return nil, storeErr("inserting user", err)
	}
	return user, nil
}

// AuthenticateUser returns the user when the password matches, ErrNotFound otherwise.
func (db *DB) AuthenticateUser(ctx context.Context, email, password string) (*models.User, error) {
	user, err := db.getUser(ctx, sq.Eq{"email": email})
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrNotFound
	}
	return user, nil
}

func (db *DB) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return db.getUser(ctx, sq.Eq{"id": id})
}

func (db *DB) getUser(ctx context.Context, where sq.Eq) (*models.User, error) {
	query, args, err := db.sb.Select(userColumns...).From("users").Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building user select: %w", err)
	}

	var u models.User
	err = db.conn.QueryRowContext(ctx, query, args...).
		Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("selecting user", err)
	}
	return &u, nil
}

func (db *DB) UserExists(ctx context.Context, id int64) (bool, error) {
	query, args, err := db.sb.Select("COUNT(*)").From("users").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return false, fmt.Errorf("building user count: %w", err)
	}

	var count int
	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, storeErr("counting users", err)
	}
	return count > 0, nil
}

// ListUsersExcept returns every user but the given one, ordered by username.
func (db *DB) ListUsersExcept(ctx context.Context, id int64) ([]models.User, error) {
	query, args, err := db.sb.Select("id", "username", "email", "created_at").
		From("users").
		Where(sq.NotEq{"id": id}).
		OrderBy("username ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building user list: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("listing users", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.CreatedAt); err != nil {
			return nil, storeErr("scanning user", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterating users", err)
	}
	return users, nil
}
