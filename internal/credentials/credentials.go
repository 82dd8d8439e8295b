// Package credentials resolves per-user API keys for LLM providers.
// Encrypted storage of keys lives outside this repo; the resolver is the
// contract the orchestration core depends on.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrMissingCredential is the sentinel wrapped by MissingCredentialError.
var ErrMissingCredential = errors.New("missing credential")

// MissingCredentialError reports that a user has no usable key for a
// provider. It is returned before any model call is attempted.
type MissingCredentialError struct {
	UserID   string
	Provider string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("no %s credential configured for user %s", e.Provider, e.UserID)
}

func (e *MissingCredentialError) Unwrap() error {
	return ErrMissingCredential
}

// NewMissingCredentialError creates a MissingCredentialError.
func NewMissingCredentialError(userID, provider string) *MissingCredentialError {
	return &MissingCredentialError{UserID: userID, Provider: provider}
}

// IsMissingCredential checks whether err reports a missing credential.
func IsMissingCredential(err error) bool {
	return errors.Is(err, ErrMissingCredential)
}

// noCredentialProviders run without API keys (local models).
var noCredentialProviders = map[string]bool{
	"ollama": true,
	"local":  true,
}

// RequiresCredential reports whether a provider needs a per-user key.
func RequiresCredential(provider string) bool {
	return !noCredentialProviders[provider]
}

// preferenceOrder is the fixed order used when auto-selecting a provider.
// Deterministic: the same credential set always resolves the same provider.
var preferenceOrder = []string{"anthropic", "openai", "ollama"}

// Resolver looks up provider credentials for a user.
type Resolver interface {
	// Resolve returns the API key for the given user and provider.
	// Returns a MissingCredentialError when no key is configured and the
	// provider requires one; providers in the no-credential set resolve to
	// an empty key without error.
	Resolve(ctx context.Context, userID, provider string) (string, error)

	// Providers returns the providers the user holds credentials for,
	// including no-credential providers that are available.
	Providers(ctx context.Context, userID string) ([]string, error)
}

// AutoSelect picks the user's preferred available provider using the fixed
// preference order.
func AutoSelect(ctx context.Context, resolver Resolver, userID string) (string, error) {
	available, err := resolver.Providers(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("list providers: %w", err)
	}

	availSet := make(map[string]bool, len(available))
	for _, p := range available {
		availSet[p] = true
	}

	for _, p := range preferenceOrder {
		if availSet[p] {
			return p, nil
		}
	}
	// Fall back to any provider the user holds. Sorted so the same
	// credential set always resolves the same provider regardless of how
	// the resolver orders its listing.
	if len(available) > 0 {
		sorted := make([]string, len(available))
		copy(sorted, available)
		sort.Strings(sorted)
		return sorted[0], nil
	}
	return "", NewMissingCredentialError(userID, "any")
}

// StaticResolver is an in-memory resolver keyed by user then provider.
// Used for tests and single-tenant deployments configured from file.
type StaticResolver struct {
	keys map[string]map[string]string
}

// NewStaticResolver creates a resolver over a fixed key table.
func NewStaticResolver(keys map[string]map[string]string) *StaticResolver {
	if keys == nil {
		keys = make(map[string]map[string]string)
	}
	return &StaticResolver{keys: keys}
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(_ context.Context, userID, provider string) (string, error) {
	if !RequiresCredential(provider) {
		return "", nil
	}
	if key, ok := r.keys[userID][provider]; ok && key != "" {
		return key, nil
	}
	return "", NewMissingCredentialError(userID, provider)
}

// Providers implements Resolver.
func (r *StaticResolver) Providers(_ context.Context, userID string) ([]string, error) {
	var out []string
	for provider, key := range r.keys[userID] {
		if key != "" {
			out = append(out, provider)
		}
	}
	for provider := range noCredentialProviders {
		out = append(out, provider)
	}
	return out, nil
}
