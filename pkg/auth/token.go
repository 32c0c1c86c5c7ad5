package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/schoolguard/pkg/database"
)

const (
	// TokenPrefix identifies schoolguard tokens
	TokenPrefix = "sg_"
	// TokenLength is the total length of random bytes (32 bytes = 256 bits)
	TokenLength = 32
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")
)

// TokenGenerator generates and validates API tokens
type TokenGenerator struct{}

// NewTokenGenerator creates a new token generator
func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{}
}

// GenerateToken creates a new API token
// Format: sg_<base64url(32 random bytes)>
func (tg *TokenGenerator) GenerateToken() (token string, tokenHash string, tokenPrefix string, err error) {
	randomBytes := make([]byte, TokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(randomBytes)
	fullToken := TokenPrefix + encoded

	return fullToken, tg.HashToken(fullToken), TokenPrefix + encoded[:8], nil
}

// HashToken computes the SHA256 hash of a token for lookup
func (tg *TokenGenerator) HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidateTokenFormat checks if a token has the correct format
func (tg *TokenGenerator) ValidateTokenFormat(token string) error {
	if !strings.HasPrefix(token, TokenPrefix) {
		return fmt.Errorf("token must start with %q", TokenPrefix)
	}
	encoded := strings.TrimPrefix(token, TokenPrefix)
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid token encoding: %w", err)
	}
	if len(raw) != TokenLength {
		return fmt.Errorf("token has wrong length")
	}
	return nil
}

// RevocationList shares token revocations between instances
type RevocationList interface {
	Revoke(ctx context.Context, tokenHash string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenHash string) (bool, error)
}

// TokenManager manages API token lifecycle
type TokenManager struct {
	db          *database.DB
	generator   *TokenGenerator
	revocations RevocationList
	cache       *expirable.LRU[string, *APIToken]
	now         func() time.Time
}

// NewTokenManager creates a token manager. revocations may be nil; a zero
// cacheTTL disables the validated-token cache.
func NewTokenManager(db *database.DB, revocations RevocationList, cacheTTL time.Duration) *TokenManager {
	tm := &TokenManager{
		db:          db,
		generator:   NewTokenGenerator(),
		revocations: revocations,
		now:         database.Now,
	}
	if cacheTTL > 0 {
		tm.cache = expirable.NewLRU[string, *APIToken](10000, nil, cacheTTL)
	}
	return tm
}

// CreateToken issues a token for the user. The plaintext is returned once and
// never stored.
func (tm *TokenManager) CreateToken(ctx context.Context, userID int64, name string, ttl time.Duration) (*APIToken, string, error) {
	token, tokenHash, tokenPrefix, err := tm.generator.GenerateToken()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}

	now := tm.now()
	apiToken := &APIToken{
		UserID:      userID,
		TokenHash:   tokenHash,
		TokenPrefix: tokenPrefix,
		Name:        name,
		CreatedAt:   now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		apiToken.ExpiresAt = &exp
	}

	err = tm.db.QueryRowContext(ctx, `
		INSERT INTO api_tokens (user_id, token_hash, token_prefix, name, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, userID, tokenHash, tokenPrefix, name, database.NullTime(apiToken.ExpiresAt), now).Scan(&apiToken.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to store token: %w", err)
	}

	return apiToken, token, nil
}

// ValidateToken resolves a presented token to its live record
func (tm *TokenManager) ValidateToken(ctx context.Context, token string) (*APIToken, error) {
	if err := tm.generator.ValidateTokenFormat(token); err != nil {
		return nil, ErrInvalidToken
	}
	tokenHash := tm.generator.HashToken(token)

	useCache := tm.cache != nil
	if tm.revocations != nil {
		revoked, err := tm.revocations.IsRevoked(ctx, tokenHash)
		switch {
		case err != nil:
			// the database row stays authoritative
			useCache = false
		case revoked:
			tm.evict(tokenHash)
			return nil, ErrTokenRevoked
		}
	}

	if useCache {
		if cached, ok := tm.cache.Get(tokenHash); ok {
			if cached.Expired(tm.now()) {
				tm.evict(tokenHash)
				return nil, ErrTokenExpired
			}
			return cached, nil
		}
	}

	apiToken, err := tm.getByHash(ctx, tokenHash)
	if err != nil {
		return nil, err
	}
	if apiToken.RevokedAt != nil {
		return nil, ErrTokenRevoked
	}
	now := tm.now()
	if apiToken.Expired(now) {
		return nil, ErrTokenExpired
	}

	if _, err := tm.db.ExecContext(ctx,
		"UPDATE api_tokens SET last_used_at = $1 WHERE id = $2", now, apiToken.ID); err != nil {
		return nil, fmt.Errorf("failed to touch token: %w", err)
	}
	apiToken.LastUsedAt = &now

	if tm.cache != nil {
		tm.cache.Add(tokenHash, apiToken)
	}
	return apiToken, nil
}

func (tm *TokenManager) getByHash(ctx context.Context, tokenHash string) (*APIToken, error) {
	row := tm.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, token_prefix, name, expires_at, last_used_at, created_at, revoked_at
		FROM api_tokens WHERE token_hash = $1
	`, tokenHash)

	t, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanToken(row rowScanner) (*APIToken, error) {
	var (
		t                           APIToken
		expiresAt, lastUsed, revoke sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.TokenPrefix, &t.Name,
		&expiresAt, &lastUsed, &t.CreatedAt, &revoke); err != nil {
		return nil, err
	}
	t.ExpiresAt = database.TimePtr(expiresAt)
	t.LastUsedAt = database.TimePtr(lastUsed)
	t.RevokedAt = database.TimePtr(revoke)
	return &t, nil
}

// RevokeToken revokes a token and publishes the revocation
func (tm *TokenManager) RevokeToken(ctx context.Context, t *APIToken) error {
	now := tm.now()
	if _, err := tm.db.ExecContext(ctx,
		"UPDATE api_tokens SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL", now, t.ID); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	t.RevokedAt = &now
	tm.evict(t.TokenHash)

	if tm.revocations != nil {
		ttl := 24 * time.Hour
		if t.ExpiresAt != nil {
			ttl = t.ExpiresAt.Sub(now)
		}
		if ttl > 0 {
			if err := tm.revocations.Revoke(ctx, t.TokenHash, ttl); err != nil {
				return fmt.Errorf("failed to publish revocation: %w", err)
			}
		}
	}
	return nil
}

// RevokeUserTokens revokes every live token of a user
func (tm *TokenManager) RevokeUserTokens(ctx context.Context, userID int64) (int, error) {
	tokens, err := tm.ListUserTokens(ctx, userID)
	if err != nil {
		return 0, err
	}
	revoked := 0
	for _, t := range tokens {
		if t.RevokedAt != nil {
			continue
		}
		if err := tm.RevokeToken(ctx, t); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

// ListUserTokens lists all tokens for a user, newest first
func (tm *TokenManager) ListUserTokens(ctx context.Context, userID int64) ([]*APIToken, error) {
	rows, err := tm.db.QueryContext(ctx, `
		SELECT id, user_id, token_hash, token_prefix, name, expires_at, last_used_at, created_at, revoked_at
		FROM api_tokens WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*APIToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// CleanupExpiredTokens deletes tokens past their expiry
func (tm *TokenManager) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	result, err := tm.db.ExecContext(ctx,
		"DELETE FROM api_tokens WHERE expires_at IS NOT NULL AND expires_at < $1", tm.now())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup tokens: %w", err)
	}
	return result.RowsAffected()
}

func (tm *TokenManager) evict(tokenHash string) {
	if tm.cache != nil {
		tm.cache.Remove(tokenHash)
	}
}
