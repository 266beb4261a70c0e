package store

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

const (
	// KeyPrefix is the literal prefix of every issued key.
	KeyPrefix = "sk-kiro-"
	// keyPrefixDisplayLen is how much of the full key is kept for display.
	keyPrefixDisplayLen = 15
	// AdminKeyID is the reserved row for the configured admin key.
	AdminKeyID = 0
)

// ErrKeyNotFound is returned by operations addressing a missing key id.
var ErrKeyNotFound = errors.New("api key not found")

// APIKey is one stored key row. The full key is never stored and never
// recoverable; only its SHA-256 hash and display prefix are.
type APIKey struct {
	ID        int64      `json:"id"`
	KeyPrefix string     `json:"key_prefix"`
	Name      string     `json:"name"`
	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RateLimit *int64     `json:"rate_limit,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// KeyUpdate is a partial update; nil fields are left untouched.
type KeyUpdate struct {
	Name      *string
	Enabled   *bool
	RateLimit *int64
	ExpiresAt *time.Time
}

// HashKey returns the hex SHA-256 of a full key string.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// generateKey draws 16 random bytes and formats the full key.
func generateKey() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("failed to generate key material: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(raw[:]), nil
}

// CreateKey mints a new key and stores its hash. The returned full key is
// shown to the caller once.
func (db *DB) CreateKey(name string, expiresAt *time.Time, rateLimit *int64) (*APIKey, string, error) {
	fullKey, err := generateKey()
	if err != nil {
		return nil, "", err
	}

	keyHash := HashKey(fullKey)
	prefix := fullKey[:keyPrefixDisplayLen]
	now := time.Now().UTC()

	var expires any
	if expiresAt != nil {
		expires = formatTime(*expiresAt)
	}
	var limit any
	if rateLimit != nil {
		limit = *rateLimit
	}

	db.mu.Lock()
	res, err := db.conn.Exec(
		`INSERT INTO api_keys (key_hash, key_prefix, name, enabled, created_at, expires_at, rate_limit)
		 VALUES (?, ?, ?, 1, ?, ?, ?)`,
		keyHash, prefix, name, formatTime(now), expires, limit)
	db.mu.Unlock()
	if err != nil {
		return nil, "", fmt.Errorf("failed to insert api key: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, "", fmt.Errorf("failed to read inserted key id: %w", err)
	}

	return &APIKey{
		ID:        id,
		KeyPrefix: prefix,
		Name:      name,
		Enabled:   true,
		CreatedAt: now,
		ExpiresAt: expiresAt,
		RateLimit: rateLimit,
	}, fullKey, nil
}

// VerifyKey resolves a presented key to its stored row. Returns nil when
// the key is unknown, soft-deleted, disabled, or expired.
func (db *DB) VerifyKey(fullKey string) (*APIKey, error) {
	keyHash := HashKey(fullKey)

	row := db.conn.QueryRow(
		`SELECT id, key_prefix, name, enabled, created_at, expires_at, rate_limit, deleted_at
		 FROM api_keys WHERE key_hash = ? AND deleted_at IS NULL`,
		keyHash)

	key, err := scanKey(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if !key.Enabled {
		return nil, nil
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, nil
	}
	return key, nil
}

// ListKeys returns all live rows, newest first.
func (db *DB) ListKeys() ([]APIKey, error) {
	rows, err := db.conn.Query(
		`SELECT id, key_prefix, name, enabled, created_at, expires_at, rate_limit, deleted_at
		 FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *key)
	}
	return keys, rows.Err()
}

// GetKeyByID returns the row regardless of soft-deletion state.
func (db *DB) GetKeyByID(id int64) (*APIKey, error) {
	row := db.conn.QueryRow(
		`SELECT id, key_prefix, name, enabled, created_at, expires_at, rate_limit, deleted_at
		 FROM api_keys WHERE id = ?`, id)

	key, err := scanKey(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return key, nil
}

// UpdateKey applies a partial update to a live row.
func (db *DB) UpdateKey(id int64, update KeyUpdate) error {
	set := ""
	var args []any
	appendSet := func(clause string, value any) {
		if set != "" {
			set += ", "
		}
		set += clause
		args = append(args, value)
	}

	if update.Name != nil {
		appendSet("name = ?", *update.Name)
	}
	if update.Enabled != nil {
		appendSet("enabled = ?", boolToInt(*update.Enabled))
	}
	if update.RateLimit != nil {
		appendSet("rate_limit = ?", *update.RateLimit)
	}
	if update.ExpiresAt != nil {
		appendSet("expires_at = ?", formatTime(*update.ExpiresAt))
	}
	if set == "" {
		return nil
	}

	args = append(args, id)

	db.mu.Lock()
	res, err := db.conn.Exec(
		`UPDATE api_keys SET `+set+` WHERE id = ? AND deleted_at IS NULL`, args...)
	db.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// DeleteKey soft-deletes a row. Usage records referencing it remain.
func (db *DB) DeleteKey(id int64) (bool, error) {
	db.mu.Lock()
	res, err := db.conn.Exec(
		`UPDATE api_keys SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		formatTime(time.Now()), id)
	db.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("failed to delete api key: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*APIKey, error) {
	var (
		key       APIKey
		enabled   int
		createdAt string
		expiresAt sql.NullString
		rateLimit sql.NullInt64
		deletedAt sql.NullString
	)
	err := row.Scan(&key.ID, &key.KeyPrefix, &key.Name, &enabled, &createdAt,
		&expiresAt, &rateLimit, &deletedAt)
	if err != nil {
		return nil, err
	}

	key.Enabled = enabled != 0
	key.CreatedAt = parseTime(createdAt)
	if expiresAt.Valid {
		t := parseTime(expiresAt.String)
		key.ExpiresAt = &t
	}
	if rateLimit.Valid {
		v := rateLimit.Int64
		key.RateLimit = &v
	}
	if deletedAt.Valid {
		t := parseTime(deletedAt.String)
		key.DeletedAt = &t
	}
	return &key, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
