package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type errMsg string

func (e errMsg) Error() string { return string(e) }

// ErrInvalidToken is returned for tokens that are malformed, unknown,
// revoked, expired or whose secret does not match.
const ErrInvalidToken = errMsg("invalid association token")

const (
	tokenSize   = 32 // raw bytes: lookupSize id followed by the secret
	lookupSize  = 8
	defaultCost = bcrypt.DefaultCost
)

// Association is what a token grants: one slot in one pool.
type Association struct {
	Pool string
	Slot uint8
}

// Issue creates a token for slot in pool. A ttl <= 0 never expires.
func (s *Store) Issue(ctx context.Context, pool string, slot uint8, ttl time.Duration) (string, error) {
	if pool == "" {
		return "", errors.New("pool name is required")
	}

	var raw [tokenSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	salted, err := bcrypt.GenerateFromPassword(raw[lookupSize:], s.cost)
	if err != nil {
		return "", err
	}

	now := time.Now()
	var expires sql.NullInt64
	if ttl > 0 {
		expires.Int64 = now.Add(ttl).UnixMilli()
		expires.Valid = true
	}

	_, err = s.db.ExecContext(ctx, `
		insert into associations (
			token_id,
			salted_secret,
			pool,
			slot,
			issued_at_unixms,
			expires_at_unixms
		) values (?, ?, ?, ?, ?, ?)`,
		lookupID(raw[:]), salted, pool, int(slot), now.UnixMilli(), expires)
	if err != nil {
		return "", fmt.Errorf("unable to store token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// Resolve returns the association granted by token.
func (s *Store) Resolve(ctx context.Context, token string) (Association, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != tokenSize {
		return Association{}, ErrInvalidToken
	}

	var (
		salted  []byte
		assoc   Association
		slot    int
		expires sql.NullInt64
	)
	err = s.db.QueryRowContext(ctx,
		"select salted_secret, pool, slot, expires_at_unixms from associations where token_id = ?",
		lookupID(raw)).Scan(&salted, &assoc.Pool, &slot, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Association{}, ErrInvalidToken
	}
	if err != nil {
		return Association{}, fmt.Errorf("unable to read token: %w", err)
	}

	if expires.Valid && time.Now().UnixMilli() > expires.Int64 {
		return Association{}, ErrInvalidToken
	}
	if bcrypt.CompareHashAndPassword(salted, raw[lookupSize:]) != nil {
		return Association{}, ErrInvalidToken
	}

	assoc.Slot = uint8(slot)
	return assoc, nil
}

// Revoke deletes token. Revoking an unknown token is ErrInvalidToken.
func (s *Store) Revoke(ctx context.Context, token string) error {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != tokenSize {
		return ErrInvalidToken
	}
	res, err := s.db.ExecContext(ctx, "delete from associations where token_id = ?", lookupID(raw))
	if err != nil {
		return fmt.Errorf("unable to revoke token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidToken
	}
	return nil
}

// Purge removes expired tokens and returns how many were deleted.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"delete from associations where expires_at_unixms is not null and expires_at_unixms < ?",
		time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func lookupID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw[:lookupSize])
}
