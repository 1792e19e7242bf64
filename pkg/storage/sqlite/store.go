// Package sqlite implements the storage interfaces on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/vaultwarden/vwsso/pkg/storage"
)

// Store implements storage.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if necessary) the database at path and applies
// pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	// _pragma busy_timeout keeps concurrent writers from failing fast on
	// SQLITE_BUSY; foreign_keys enforces the sso_users -> users reference.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const userColumns = `uuid, email, email_verified, name, private_key, created_at, updated_at`

func scanUser(row *sql.Row) (*storage.User, error) {
	var u storage.User
	err := row.Scan(&u.UUID, &u.Email, &u.EmailVerified, &u.Name, &u.PrivateKey, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return &u, nil
}

// GetUser returns the user with the given UUID.
func (s *Store) GetUser(ctx context.Context, uuid string) (*storage.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE uuid = ?`, uuid)
	return scanUser(row)
}

// GetUserByEmail returns the user with the given email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, strings.ToLower(email))
	return scanUser(row)
}

// CreateUser stores a new user.
func (s *Store) CreateUser(ctx context.Context, user *storage.User) error {
	now := time.Now()
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (uuid, email, email_verified, name, private_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.UUID, strings.ToLower(user.Email), user.EmailVerified, user.Name,
		user.PrivateKey, createdAt, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// DeleteUser removes a user.
func (s *Store) DeleteUser(ctx context.Context, uuid string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetIdentity returns the identity link for (issuer, subject).
func (s *Store) GetIdentity(ctx context.Context, issuer, subject string) (*storage.SsoIdentity, error) {
	var id storage.SsoIdentity
	err := s.db.QueryRowContext(ctx, `
		SELECT issuer, subject, user_uuid, created_at
		FROM sso_users WHERE issuer = ? AND subject = ?`,
		issuer, subject,
	).Scan(&id.Issuer, &id.Subject, &id.UserUUID, &id.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning identity: %w", err)
	}
	return &id, nil
}

// CreateIdentity stores a new identity link. The primary key on
// (issuer, subject) is the serialization point for racing callbacks:
// the loser receives ErrAlreadyExists.
func (s *Store) CreateIdentity(ctx context.Context, identity *storage.SsoIdentity) error {
	createdAt := identity.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sso_users (issuer, subject, user_uuid, created_at)
		VALUES (?, ?, ?, ?)`,
		identity.Issuer, identity.Subject, identity.UserUUID, createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting identity: %w", err)
	}
	return nil
}

// DeleteIdentity removes an identity link.
func (s *Store) DeleteIdentity(ctx context.Context, issuer, subject string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sso_users WHERE issuer = ? AND subject = ?`, issuer, subject)
	if err != nil {
		return fmt.Errorf("deleting identity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetDevice returns the device for (uuid, userUUID).
func (s *Store) GetDevice(ctx context.Context, uuid, userUUID string) (*storage.Device, error) {
	var d storage.Device
	err := s.db.QueryRowContext(ctx, `
		SELECT uuid, user_uuid, name, type, refresh_random, created_at, updated_at
		FROM devices WHERE uuid = ? AND user_uuid = ?`,
		uuid, userUUID,
	).Scan(&d.UUID, &d.UserUUID, &d.Name, &d.Type, &d.RefreshRandom, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning device: %w", err)
	}
	return &d, nil
}

// SaveDevice inserts or updates a device.
func (s *Store) SaveDevice(ctx context.Context, device *storage.Device) error {
	now := time.Now()
	createdAt := device.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (uuid, user_uuid, name, type, refresh_random, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uuid, user_uuid) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			refresh_random = excluded.refresh_random,
			updated_at = excluded.updated_at`,
		device.UUID, device.UserUUID, device.Name, device.Type,
		device.RefreshRandom, createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("saving device: %w", err)
	}
	return nil
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
