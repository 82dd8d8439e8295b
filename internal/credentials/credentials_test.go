package credentials

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestStaticResolverResolve(t *testing.T) {
	r := NewStaticResolver(map[string]map[string]string{
		"u1": {"anthropic": "sk-ant-test"},
	})

	key, err := r.Resolve(context.Background(), "u1", "anthropic")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if key != "sk-ant-test" {
		t.Errorf("key = %q", key)
	}

	_, err = r.Resolve(context.Background(), "u1", "openai")
	if !IsMissingCredential(err) {
		t.Errorf("want missing credential, got %v", err)
	}

	var mce *MissingCredentialError
	if !errors.As(err, &mce) || mce.Provider != "openai" || mce.UserID != "u1" {
		t.Errorf("error detail = %+v", mce)
	}
}

func TestNoCredentialProviders(t *testing.T) {
	r := NewStaticResolver(nil)

	key, err := r.Resolve(context.Background(), "anyone", "ollama")
	if err != nil {
		t.Fatalf("ollama should not require a credential: %v", err)
	}
	if key != "" {
		t.Errorf("key = %q, want empty", key)
	}

	if RequiresCredential("ollama") {
		t.Error("ollama should not require a credential")
	}
	if !RequiresCredential("anthropic") {
		t.Error("anthropic should require a credential")
	}
}

func TestAutoSelectPreferenceOrder(t *testing.T) {
	tests := []struct {
		name string
		keys map[string]string
		want string
	}{
		{"anthropic wins", map[string]string{"anthropic": "a", "openai": "b"}, "anthropic"},
		{"openai next", map[string]string{"openai": "b"}, "openai"},
		{"local fallback", nil, "ollama"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewStaticResolver(map[string]map[string]string{"u1": tt.keys})
			got, err := AutoSelect(context.Background(), r, "u1")
			if err != nil {
				t.Fatalf("AutoSelect: %v", err)
			}
			if got != tt.want {
				t.Errorf("AutoSelect = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAutoSelectDeterministic(t *testing.T) {
	r := NewStaticResolver(map[string]map[string]string{
		"u1": {"anthropic": "a", "openai": "b"},
	})
	first, err := AutoSelect(context.Background(), r, "u1")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		got, err := AutoSelect(context.Background(), r, "u1")
		if err != nil || got != first {
			t.Fatalf("iteration %d: got %q/%v, want %q", i, got, err, first)
		}
	}
}

// listResolver returns a fixed provider listing, none of which appear in
// the preference order.
type listResolver struct {
	providers []string
}

func (r listResolver) Resolve(context.Context, string, string) (string, error) {
	return "k", nil
}
func (r listResolver) Providers(context.Context, string) ([]string, error) {
	return r.providers, nil
}

func TestAutoSelectFallbackIsDeterministic(t *testing.T) {
	// Listing order must not matter when nothing matches the preference
	// order; the lexically smallest provider wins every time.
	orders := [][]string{
		{"zeta", "eta", "mistral"},
		{"mistral", "zeta", "eta"},
		{"eta", "mistral", "zeta"},
	}
	for _, providers := range orders {
		got, err := AutoSelect(context.Background(), listResolver{providers: providers}, "u1")
		if err != nil {
			t.Fatalf("AutoSelect(%v): %v", providers, err)
		}
		if got != "eta" {
			t.Errorf("AutoSelect(%v) = %q, want %q", providers, got, "eta")
		}
	}
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, string, string) (string, error) {
	return "", fmt.Errorf("store down")
}
func (failingResolver) Providers(context.Context, string) ([]string, error) {
	return nil, fmt.Errorf("store down")
}

func TestAutoSelectPropagatesStoreErrors(t *testing.T) {
	_, err := AutoSelect(context.Background(), failingResolver{}, "u1")
	if err == nil || IsMissingCredential(err) {
		t.Errorf("store errors must not read as missing credentials: %v", err)
	}
}
