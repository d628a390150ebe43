package secrets

import (
	"context"
	"fmt"
)

// GeminiCookies is the browser session used to authenticate with the
// upstream web app.
type GeminiCookies struct {
	Secure1PSID   string `json:"secure_1psid"`
	Secure1PSIDTS string `json:"secure_1psidts"`
}

// CookieSource yields the current upstream cookies. It is consulted on every
// upstream client initialisation so rotated cookies are picked up.
type CookieSource interface {
	Cookies(ctx context.Context) (GeminiCookies, error)
	// Invalidate is called after the upstream rejected the cookies so the
	// next read bypasses any cache.
	Invalidate()
}

// StaticCookies returns the same cookies every time.
type StaticCookies GeminiCookies

func (s StaticCookies) Cookies(ctx context.Context) (GeminiCookies, error) {
	if s.Secure1PSID == "" {
		return GeminiCookies{}, fmt.Errorf("secure_1psid is empty")
	}
	return GeminiCookies(s), nil
}

func (s StaticCookies) Invalidate() {}

// StoreCookies reads the cookies from a JSON secret.
type StoreCookies struct {
	Store SecretStore
	Name  string
}

func (s StoreCookies) Cookies(ctx context.Context) (GeminiCookies, error) {
	var c GeminiCookies
	if err := s.Store.GetSecretJSON(ctx, s.Name, &c); err != nil {
		return GeminiCookies{}, fmt.Errorf("load cookies from secret %s: %w", s.Name, err)
	}
	if c.Secure1PSID == "" {
		return GeminiCookies{}, fmt.Errorf("secret %s has no secure_1psid", s.Name)
	}
	return c, nil
}

func (s StoreCookies) Invalidate() {
	s.Store.Invalidate(s.Name)
}
