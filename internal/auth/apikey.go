package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
)

var (
	ErrMissingAuthorization       = errors.New("authorization header is missing")
	ErrInvalidAuthorizationFormat = errors.New("invalid authorization header format, expected 'Bearer <token>'")
)

// KeySet is the allow-list of caller API keys. Only SHA-256 digests are kept.
type KeySet struct {
	hashes [][sha256.Size]byte
}

func NewKeySet(keys []string) *KeySet {
	ks := &KeySet{}
	for _, k := range keys {
		if k == "" {
			continue
		}
		ks.hashes = append(ks.hashes, sha256.Sum256([]byte(k)))
	}
	return ks
}

func (ks *KeySet) Len() int {
	return len(ks.hashes)
}

// Valid compares key against every allowed key in constant time.
func (ks *KeySet) Valid(key string) bool {
	h := sha256.Sum256([]byte(key))
	found := 0
	for i := range ks.hashes {
		found |= subtle.ConstantTimeCompare(h[:], ks.hashes[i][:])
	}
	return found == 1
}

// Authenticate extracts the bearer token from an Authorization header value
// and checks it against the allow-list.
func (ks *KeySet) Authenticate(header string) (string, error) {
	if header == "" {
		return "", ErrMissingAuthorization
	}

	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", ErrInvalidAuthorizationFormat
	}

	if !ks.Valid(parts[1]) {
		return "", domain.ErrInvalidAPIKey
	}
	return parts[1], nil
}

type callerKey struct{}

func WithCaller(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, callerKey{}, key)
}

func CallerFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(callerKey{}).(string)
	return key, ok
}

// Fingerprint is a stable, non-reversible identifier for a caller key, safe to
// use in external stores.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}
