package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const tokenPrefix = "agb_"

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
	ErrInvalidToken  = errors.New("invalid token format")
	ErrInvalidScope  = errors.New("invalid token scope")
)

// Validator resolves a bearer secret to its token
type Validator interface {
	ValidateToken(ctx context.Context, secret string) (*Token, error)
}

// Store persists tokens in SQLite. Only a SHA-256 hash of each secret is
// kept.
type Store struct {
	db *sql.DB
}

var _ Validator = (*Store)(nil)

// NewStore opens (or creates) dataDir/auth.db
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "auth.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tokens (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		scope TEXT NOT NULL,
		secret_hash TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL,
		last_used_at DATETIME,
		expires_at DATETIME
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Snapshot writes a consistent copy of the database to path
func (s *Store) Snapshot(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("failed to snapshot database: %w", err)
	}
	return nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// CreateToken creates a token and returns it with its secret. The secret
// cannot be recovered later.
func (s *Store) CreateToken(ctx context.Context, name, scope string, expiresAt *time.Time) (*Token, string, error) {
	if !ValidScope(scope) {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}
	secret := tokenPrefix + hex.EncodeToString(secretBytes)

	token := &Token{
		ID:        uuid.NewString(),
		Name:      name,
		Scope:     scope,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (id, name, scope, secret_hash, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
		token.ID, token.Name, token.Scope, hashSecret(secret), token.CreatedAt, token.ExpiresAt,
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to insert token: %w", err)
	}
	return token, secret, nil
}

// ValidateToken resolves secret and records its use
func (s *Store) ValidateToken(ctx context.Context, secret string) (*Token, error) {
	if !strings.HasPrefix(secret, tokenPrefix) || len(secret) == len(tokenPrefix) {
		return nil, ErrInvalidToken
	}

	token, err := s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT id, name, scope, created_at, last_used_at, expires_at FROM tokens WHERE secret_hash = ?`,
		hashSecret(secret),
	))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if token.Expired(now) {
		return nil, ErrTokenExpired
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE tokens SET last_used_at = ? WHERE id = ?`, now, token.ID); err == nil {
		token.LastUsedAt = &now
	}
	return token, nil
}

// GetToken returns a token by id
func (s *Store) GetToken(ctx context.Context, id string) (*Token, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT id, name, scope, created_at, last_used_at, expires_at FROM tokens WHERE id = ?`, id,
	))
}

// ListTokens returns all tokens, newest first
func (s *Store) ListTokens(ctx context.Context) ([]*Token, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, scope, created_at, last_used_at, expires_at FROM tokens ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []*Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// RevokeToken deletes a token by id
func (s *Store) RevokeToken(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrTokenNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanOne(row *sql.Row) (*Token, error) {
	token, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query token: %w", err)
	}
	return token, nil
}

func scanToken(row scanner) (*Token, error) {
	var token Token
	var lastUsedAt, expiresAt sql.NullTime
	if err := row.Scan(&token.ID, &token.Name, &token.Scope, &token.CreatedAt, &lastUsedAt, &expiresAt); err != nil {
		return nil, err
	}
	if lastUsedAt.Valid {
		token.LastUsedAt = &lastUsedAt.Time
	}
	if expiresAt.Valid {
		token.ExpiresAt = &expiresAt.Time
	}
	return &token, nil
}
