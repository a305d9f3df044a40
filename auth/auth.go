// Package auth holds the identity side of a realtime session: who a bearer
// token belongs to, how a token is checked, and where the client keeps its
// last login between runs.
package auth

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSession    = errors.New("no stored session")
)

// User is the account a token resolves to.
type User struct {
	ID       string `json:"id" yaml:"id"`
	Username string `json:"username" yaml:"username"`
	Role     Role   `json:"role" yaml:"role"`
}

func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// Verifier resolves a bearer token to its user. Implementations return
// ErrInvalidToken (possibly wrapped) for tokens the service refuses.
type Verifier interface {
	Verify(ctx context.Context, token string) (*User, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token string) (*User, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (*User, error) {
	return f(ctx, token)
}

// StaticVerifier checks tokens against a fixed table, typically loaded from
// the server config.
type StaticVerifier struct {
	mu     sync.RWMutex
	tokens map[string]User
}

func NewStaticVerifier(tokens map[string]User) *StaticVerifier {
	v := &StaticVerifier{tokens: make(map[string]User, len(tokens))}
	for token, user := range tokens {
		v.tokens[token] = user
	}
	return v
}

func (v *StaticVerifier) Add(token string, user User) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[token] = user
}

func (v *StaticVerifier) Revoke(token string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.tokens, token)
}

func (v *StaticVerifier) Verify(ctx context.Context, token string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	v.mu.RLock()
	user, ok := v.tokens[token]
	v.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidToken
	}
	if user.Role == "" {
		user.Role = RoleUser
	}
	return &user, nil
}
