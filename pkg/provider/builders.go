package provider

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// CredentialFunc decrypts and returns the provider's credentials on demand.
// It is only invoked after the artifact hash has been verified.
type CredentialFunc func(ctx context.Context) (map[string]string, error)

// BuildSpec carries everything a Builder needs to construct an instance
// from a verified artifact.
type BuildSpec struct {
	ClassName string
	Path      string
	// Hash is the hex SHA-256 the artifact was verified against.
	Hash        string
	Credentials CredentialFunc
	// Prefs is the registration's preference document at load time.
	Prefs  map[string]map[string]any
	Logger *slog.Logger
}

// Builder constructs a Provider from a verified artifact.
type Builder func(ctx context.Context, spec BuildSpec) (Provider, error)

var (
	buildersMu sync.RWMutex
	builders   = make(map[string]Builder)
)

// Register installs a Builder for an artifact kind. Later registrations
// replace earlier ones; packages register from init.
func Register(kind string, b Builder) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	builders[kind] = b
}

// Lookup returns the Builder for a kind.
func Lookup(kind string) (Builder, bool) {
	buildersMu.RLock()
	defer buildersMu.RUnlock()
	b, ok := builders[kind]
	return b, ok
}

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d} // "\0asm"

// DetectKind sniffs the artifact kind from its leading bytes.
func DetectKind(header []byte) (string, error) {
	if bytes.HasPrefix(header, wasmMagic) {
		return "wasm", nil
	}
	return "", fmt.Errorf("provider: unrecognized artifact format")
}
