// Package secret resolves credential references from configuration.
//
// Config files never carry raw API keys. Instead they carry references like
// "env:OPENAI_API_KEY", resolved at startup through a [Store]. Resolved
// values are handed directly to the adapter that needs them and are never
// logged; error messages name the reference, not the value.
package secret

import (
	"fmt"
	"os"
	"strings"
)

// Store resolves a secret reference to its value.
type Store interface {
	// Resolve returns the secret value for ref. An empty ref resolves to an
	// empty value without error. A reference that cannot be resolved returns
	// an error naming the reference only.
	Resolve(ref string) (string, error)
}

// EnvStore resolves "env:NAME" references from the process environment.
// Bare references without a scheme are rejected so that a raw key pasted
// into a config file fails loudly instead of being used silently.
type EnvStore struct{}

var _ Store = EnvStore{}

// Resolve implements Store.
func (EnvStore) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	name, ok := strings.CutPrefix(ref, "env:")
	if !ok {
		return "", fmt.Errorf("secret: reference %q must use the env: scheme", ref)
	}
	if name == "" {
		return "", fmt.Errorf("secret: reference %q names no variable", ref)
	}
	value, found := os.LookupEnv(name)
	if !found {
		return "", fmt.Errorf("secret: environment variable %s is not set", name)
	}
	return value, nil
}

// StaticStore resolves references from a fixed map. Used in tests.
type StaticStore map[string]string

var _ Store = StaticStore{}

// Resolve implements Store.
func (s StaticStore) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	value, ok := s[ref]
	if !ok {
		return "", fmt.Errorf("secret: unknown reference %q", ref)
	}
	return value, nil
}
