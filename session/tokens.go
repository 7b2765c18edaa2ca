package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/warden/internal/uuid"
	"github.com/jmcleod/warden/storage"
)

const tokensBucket = "remember_tokens"

// rememberToken is the server-side half of a remember-me cookie. Only a
// SHA-256 digest of the token is used as the storage key, so a leaked
// database cannot be replayed as cookies.
type rememberToken struct {
	Username  string    `json:"username"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// tokenStore maps opaque remember-me tokens to usernames.
type tokenStore struct {
	repo storage.Repository
	ttl  time.Duration
	now  func() time.Time
}

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (ts *tokenStore) ensureReady(ctx context.Context) error {
	return ts.repo.EnsureBucket(ctx, tokensBucket)
}

// issue creates a new token for username. A ttl of zero never expires.
func (ts *tokenStore) issue(ctx context.Context, username string) (string, rememberToken, error) {
	token := uuid.New()
	now := ts.now().UTC()
	rec := rememberToken{Username: username, IssuedAt: now}
	if ts.ttl > 0 {
		rec.ExpiresAt = now.Add(ts.ttl)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", rememberToken{}, err
	}
	if err := ts.repo.Create(ctx, tokensBucket, tokenKey(token), data); err != nil {
		return "", rememberToken{}, fmt.Errorf("storing remember token: %w", err)
	}
	return token, rec, nil
}

// resolve returns the record for token. Expired tokens are removed and
// reported as ErrTokenNotFound.
func (ts *tokenStore) resolve(ctx context.Context, token string) (rememberToken, error) {
	if !uuid.Valid(token) {
		return rememberToken{}, ErrTokenNotFound
	}
	data, err := ts.repo.Get(ctx, tokensBucket, tokenKey(token))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return rememberToken{}, ErrTokenNotFound
		}
		return rememberToken{}, err
	}
	var rec rememberToken
	if err := json.Unmarshal(data, &rec); err != nil {
		return rememberToken{}, fmt.Errorf("decoding remember token: %w", err)
	}
	if !rec.ExpiresAt.IsZero() && !ts.now().Before(rec.ExpiresAt) {
		_ = ts.revoke(ctx, token)
		return rememberToken{}, ErrTokenNotFound
	}
	return rec, nil
}

// revoke deletes token. Revoking an unknown token is not an error.
func (ts *tokenStore) revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	err := ts.repo.Delete(ctx, tokensBucket, tokenKey(token))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// sweep removes expired tokens and returns how many were deleted.
func (ts *tokenStore) sweep(ctx context.Context) (int, error) {
	keys, err := ts.repo.List(ctx, tokensBucket)
	if err != nil {
		return 0, err
	}
	now := ts.now()
	removed := 0
	for _, key := range keys {
		data, err := ts.repo.Get(ctx, tokensBucket, key)
		if err != nil {
			continue
		}
		var rec rememberToken
		if err := json.Unmarshal(data, &rec); err != nil || (!rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt)) {
			// Corrupt or expired entry.
			if err := ts.repo.Delete(ctx, tokensBucket, key); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
