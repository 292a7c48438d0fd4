// Package sqlite persists identities and the access event log in a SQLite
// database using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/facelock/facelock/internal/domain/identity"
	"github.com/facelock/facelock/internal/domain/password"
)

const schema = `
CREATE TABLE IF NOT EXISTS identities (
	label         TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	images        TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS access_events (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	label      TEXT NOT NULL DEFAULT '',
	decision   TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	at         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_access_events_at ON access_events(at);
`

// Store implements identity.Registry and identity.AccessEventStore.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; the terminal has a single session anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	logger.Debug("identity store opened", "path", path)
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ListIdentities returns all identities ordered by label.
func (s *Store) ListIdentities(ctx context.Context) ([]identity.Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT label, images, created_at FROM identities ORDER BY label`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []identity.Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	return out, nil
}

// GetIdentity returns one identity or identity.ErrNotFound.
func (s *Store) GetIdentity(ctx context.Context, label string) (identity.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT label, images, created_at FROM identities WHERE label = ?`, label)
	id, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Identity{}, identity.ErrNotFound
	}
	return id, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIdentity(sc scanner) (identity.Identity, error) {
	var (
		id     identity.Identity
		images string
	)
	if err := sc.Scan(&id.Label, &images, &id.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return id, err
		}
		return id, fmt.Errorf("scan identity: %w", err)
	}
	if err := json.Unmarshal([]byte(images), &id.ReferenceImages); err != nil {
		return id, fmt.Errorf("decode images of %s: %w", id.Label, err)
	}
	return id, nil
}

// IdentityExists reports whether label is enrolled.
func (s *Store) IdentityExists(ctx context.Context, label string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM identities WHERE label = ?`, label).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check identity: %w", err)
	}
	return n > 0, nil
}

// VerifyPassword compares pw against the stored hash for label.
// An unknown label is a plain mismatch, not an error.
func (s *Store) VerifyPassword(ctx context.Context, label, pw string) (bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash FROM identities WHERE label = ?`, label).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load password hash: %w", err)
	}
	return identity.VerifyPasswordHash(pw, hash)
}

// CreateIdentity enrolls label with a hashed password and its image refs.
func (s *Store) CreateIdentity(ctx context.Context, label, pw string, images []string) error {
	if err := identity.ValidateLabel(label); err != nil {
		return err
	}
	if err := password.Validate(pw); err != nil {
		return err
	}
	if len(images) > identity.MaxReferenceImages {
		return fmt.Errorf("at most %d reference images allowed", identity.MaxReferenceImages)
	}

	hash, err := identity.HashPassword(pw)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if images == nil {
		images = []string{}
	}
	encoded, err := json.Marshal(images)
	if err != nil {
		return fmt.Errorf("encode images: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO identities (label, password_hash, images, created_at) VALUES (?, ?, ?, ?)`,
		label, hash, string(encoded), s.now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return identity.ErrExists
		}
		return fmt.Errorf("insert identity: %w", err)
	}
	s.logger.Info("identity enrolled", "label", label, "images", len(images))
	return nil
}

// DeleteIdentity removes label or returns identity.ErrNotFound.
func (s *Store) DeleteIdentity(ctx context.Context, label string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE label = ?`, label)
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	if n == 0 {
		return identity.ErrNotFound
	}
	s.logger.Info("identity removed", "label", label)
	return nil
}

// AppendAccessEvents stores events in one transaction. Events without an ID
// get a fresh UUID.
func (s *Store) AppendAccessEvents(ctx context.Context, events ...identity.AccessEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO access_events (id, session_id, label, decision, reason, at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.At.IsZero() {
			e.At = s.now()
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.SessionID, e.Label, string(e.Decision), e.Reason, e.At.UTC()); err != nil {
			return fmt.Errorf("insert access event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListAccessEvents returns the newest events first. limit <= 0 means all.
func (s *Store) ListAccessEvents(ctx context.Context, limit int) ([]identity.AccessEvent, error) {
	query := `SELECT id, session_id, label, decision, reason, at FROM access_events ORDER BY at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list access events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []identity.AccessEvent
	for rows.Next() {
		var (
			e        identity.AccessEvent
			decision string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Label, &decision, &e.Reason, &e.At); err != nil {
			return nil, fmt.Errorf("scan access event: %w", err)
		}
		e.Decision = identity.Decision(decision)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list access events: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Compile-time interface verification.
var (
	_ identity.Registry         = (*Store)(nil)
	_ identity.AccessEventStore = (*Store)(nil)
)
