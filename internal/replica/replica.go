// Package replica is the device-local SQLite store: records with per-field
// CRDT metadata, dirty tracking against the last pushed baseline, spaces,
// epoch keys, per-device cursors and invitations.
package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/migrations"
)

const (
	metaClock       = "lamport_clock"
	metaDeviceID    = "device_id"
	metaIdentityKey = "identity_key"
	metaSession     = "session_token"
)

// Store is a local replica backed by SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	// mu serializes mutations and guards clock and author.
	mu     sync.Mutex
	clock  uint64
	author string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the replica at path and applies migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create replica directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open replica: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := enablePragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}
	if err := migrations.Up(ctx, db, migrations.ReplicaDir); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	raw, err := s.Meta(ctx, metaClock)
	if err != nil && !errors.Is(err, errMetaMissing) {
		db.Close()
		return nil, err
	}
	if raw != "" {
		if s.clock, err = strconv.ParseUint(raw, 10, 64); err != nil {
			db.Close()
			return nil, fmt.Errorf("parse lamport clock %q: %w", raw, err)
		}
	}
	return s, nil
}

func enablePragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetAuthor sets the DID stamped on every local field write and tombstone.
func (s *Store) SetAuthor(did string) {
	s.mu.Lock()
	s.author = did
	s.mu.Unlock()
}

// Clock returns the current Lamport clock.
func (s *Store) Clock() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// tick advances the clock inside tx. Callers hold s.mu.
func (s *Store) tick(ctx context.Context, tx *sql.Tx) (uint64, error) {
	next := s.clock + 1
	if err := setMeta(ctx, tx, metaClock, strconv.FormatUint(next, 10)); err != nil {
		return 0, err
	}
	s.clock = next
	return next, nil
}

// observe advances the clock to at least seen inside tx. Callers hold s.mu.
func (s *Store) observe(ctx context.Context, tx *sql.Tx, seen uint64) error {
	if seen <= s.clock {
		return nil
	}
	if err := setMeta(ctx, tx, metaClock, strconv.FormatUint(seen, 10)); err != nil {
		return err
	}
	s.clock = seen
	return nil
}

var errMetaMissing = errors.New("replica meta key missing")

// Meta returns a replica metadata value.
func (s *Store) Meta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM replica_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errMetaMissing
	}
	if err != nil {
		return "", fmt.Errorf("get replica meta %q: %w", key, err)
	}
	return value, nil
}

// SetMeta stores a replica metadata value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO replica_meta (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("set replica meta %q: %w", key, err)
	}
	return nil
}

func setMeta(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO replica_meta (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("set replica meta %q: %w", key, err)
	}
	return nil
}

// DeviceID returns the replica's persistent device id, generating it with
// gen on first use.
func (s *Store) DeviceID(ctx context.Context, gen func() string) (string, error) {
	id, err := s.Meta(ctx, metaDeviceID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, errMetaMissing) {
		return "", err
	}
	id = gen()
	if err := s.SetMeta(ctx, metaDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

// IdentityKey returns the stored identity private key, or nil if none.
func (s *Store) IdentityKey(ctx context.Context) ([]byte, error) {
	v, err := s.Meta(ctx, metaIdentityKey)
	if errors.Is(err, errMetaMissing) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeBytes(v)
}

// SetIdentityKey persists the identity private key.
func (s *Store) SetIdentityKey(ctx context.Context, key []byte) error {
	return s.SetMeta(ctx, metaIdentityKey, encodeBytes(key))
}

// SessionToken returns the stored relay session token, or "".
func (s *Store) SessionToken(ctx context.Context) (string, error) {
	v, err := s.Meta(ctx, metaSession)
	if errors.Is(err, errMetaMissing) {
		return "", nil
	}
	return v, err
}

// SetSessionToken persists the relay session token.
func (s *Store) SetSessionToken(ctx context.Context, token string) error {
	return s.SetMeta(ctx, metaSession, token)
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		slog.Warn("replica: failed to parse timestamp", "value", v, "error", err)
	}
	return t
}
