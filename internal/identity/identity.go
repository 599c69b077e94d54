// Package identity abstracts third-party login-token validation. The
// gateway never sees provider credentials — it hands the opaque token to a
// resolver and gets back a user id and role set.
package identity

import (
	"context"
	"strings"

	"github.com/titanplay/backend/internal/apperr"
)

// User is a resolved identity.
type User struct {
	ID       string
	Provider string
	Roles    []string
	IsAdmin  bool
}

// Resolver validates a provider token into a user identity.
type Resolver interface {
	// Resolve returns the identity behind token, or an Unauthenticated
	// error when the provider rejects it.
	Resolve(ctx context.Context, token, provider string) (*User, error)
}

// MockResolver accepts tokens of the form "mock:<user-id>" under the
// provider name "Mock". User ids starting with "admin" resolve with the
// admin role. Dev and test environments only.
type MockResolver struct{}

// NewMockResolver creates the mock provider.
func NewMockResolver() *MockResolver { return &MockResolver{} }

func (m *MockResolver) Resolve(_ context.Context, token, provider string) (*User, error) {
	if !strings.EqualFold(provider, "Mock") {
		return nil, apperr.Unauthenticated("unknown identity provider")
	}
	userID, ok := strings.CutPrefix(token, "mock:")
	if !ok || userID == "" {
		return nil, apperr.Unauthenticated("invalid credentials")
	}

	user := &User{
		ID:       userID,
		Provider: "Mock",
		Roles:    []string{"player"},
	}
	if strings.HasPrefix(userID, "admin") {
		user.Roles = append(user.Roles, "admin")
		user.IsAdmin = true
	}
	return user, nil
}

// MultiResolver fans out to named providers.
type MultiResolver struct {
	providers map[string]Resolver
}

// NewMultiResolver builds a resolver over a provider map. Lookup is
// case-insensitive on the provider name.
func NewMultiResolver(providers map[string]Resolver) *MultiResolver {
	normalized := make(map[string]Resolver, len(providers))
	for name, r := range providers {
		normalized[strings.ToLower(name)] = r
	}
	return &MultiResolver{providers: normalized}
}

func (m *MultiResolver) Resolve(ctx context.Context, token, provider string) (*User, error) {
	r, ok := m.providers[strings.ToLower(provider)]
	if !ok {
		return nil, apperr.Unauthenticated("unknown identity provider")
	}
	return r.Resolve(ctx, token, provider)
}
