// Package identity persists user accounts and checks credentials. Passwords
// are stored as bcrypt hashes; plaintext never leaves the caller.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store wraps the SQLite handle behind the identity operations the engine
// needs.
type Store struct {
	db *sql.DB
}

// User represents a row in the users table.
type User struct {
	ID           int64
	Username     string
	PasswordHash []byte
	CreatedAt    time.Time
}

// ErrExists is returned when registering a username that is already taken.
var ErrExists = errors.New("user already exists")

// NewStore initializes the SQLite database at the provided path. Call Close
// when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "clinchat.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash BLOB NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`)
	return err
}

// Lookup fetches a user by username. A missing user is (nil, nil).
func (s *Store) Lookup(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username)
	var user User
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// Register hashes the credential and inserts a new user. ErrExists is
// returned on conflicts.
func (s *Store) Register(ctx context.Context, username, credential string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO users(username, password_hash) VALUES(?, ?)`, username, hash); err != nil {
		if isConstraintError(err) {
			return ErrExists
		}
		return err
	}
	return nil
}

// Verify reports whether the credential matches the stored hash. An unknown
// username verifies as false without error.
func (s *Store) Verify(ctx context.Context, username, credential string) (bool, error) {
	user, err := s.Lookup(ctx, username)
	if err != nil {
		return false, err
	}
	if user == nil {
		return false, nil
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(credential)); err != nil {
		return false, nil
	}
	return true, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// The driver reports extended result codes (a unique clash is
		// 2067); the low byte carries the primary constraint class.
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
