package engine

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
)

// ErrInvalidCredential is returned by TokenAuthenticator for unknown tokens.
var ErrInvalidCredential = errors.New("invalid credential")

// TokenAuthenticator accepts a fixed set of bearer tokens. An empty set
// accepts every credential, which leaves authorization to the downstream
// telemetry and chat-history backends.
type TokenAuthenticator struct {
	tokens [][]byte
}

// NewTokenAuthenticator creates a TokenAuthenticator. Blank tokens are ignored.
func NewTokenAuthenticator(tokens []string) *TokenAuthenticator {
	a := &TokenAuthenticator{}
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			a.tokens = append(a.tokens, []byte(t))
		}
	}
	return a
}

// Authenticate implements reasoning.Authenticator.
func (a *TokenAuthenticator) Authenticate(_ context.Context, credential string) error {
	if len(a.tokens) == 0 {
		return nil
	}
	credential = strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if credential == "" {
		return ErrInvalidCredential
	}
	c := []byte(credential)
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare(c, t) == 1 {
			return nil
		}
	}
	return ErrInvalidCredential
}
