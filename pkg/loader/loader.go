// Package loader turns registered dynamic-code artifacts into live provider
// instances. Every load is gated three ways before any code runs: the
// artifact path must sit under the allow-listed root, the on-disk bytes must
// hash to the registered SHA-256, and the artifact must declare exactly one
// provider class whose name matches the registration. Credentials decrypt
// lazily under the verified hash, so a modified artifact can never see them.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ddm-j/quasar-sub001/pkg/provider"
	"github.com/ddm-j/quasar-sub001/pkg/secrets"
	"github.com/ddm-j/quasar-sub001/pkg/store"
)

// ErrOutsideRoot reports an artifact path that escapes the allow-listed
// directory. The file is rejected before it is ever opened.
var ErrOutsideRoot = errors.New("loader: artifact path escapes the allow-listed root")

// hashChunk bounds each read while streaming an artifact into SHA-256.
const hashChunk = 8 << 10

// Source resolves a provider class name to its registration row.
type Source interface {
	ProviderRegistration(ctx context.Context, className string) (*store.Registration, error)
}

// Loader verifies, builds and caches provider instances. Load and Unload
// are serialized by a single mutex: the reconciler and the unload endpoint
// are the only writers.
type Loader struct {
	root string
	src  Source
	sec  *secrets.Context
	log  *slog.Logger

	mu        sync.Mutex
	instances map[string]provider.Provider
}

// New builds a Loader confined to root. The root is resolved to an absolute
// clean path once; every artifact path is checked against it.
func New(root string, src Source, sec *secrets.Context) (*Loader, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("loader: cannot resolve allow-list root %q: %w", root, err)
	}
	return &Loader{
		root:      filepath.Clean(abs),
		src:       src,
		sec:       sec,
		log:       slog.Default().With("component", "loader"),
		instances: make(map[string]provider.Provider),
	}, nil
}

// Load returns the provider instance for className, building it on first
// use. Idempotent: a second call returns the cached instance.
func (l *Loader) Load(ctx context.Context, className string) (provider.Provider, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.instances[className]; ok {
		return p, nil
	}

	reg, err := l.src.ProviderRegistration(ctx, className)
	if err != nil {
		return nil, err
	}

	prefs, err := parsePrefs(reg.Preferences)
	if err != nil {
		return nil, fmt.Errorf("loader: preferences of %s are malformed: %w", className, err)
	}

	p, err := l.build(ctx, className, reg.FilePath, reg.FileHash,
		l.credentialFunc(reg.FileHash, reg.Nonce, reg.Ciphertext), prefs)
	if err != nil {
		return nil, err
	}

	l.instances[className] = p
	l.log.InfoContext(ctx, "provider loaded", "provider", className, "type", p.Type())
	return p, nil
}

// Unload disposes the cached instance, closing its sessions and releasing
// the underlying artifact. Unknown names are a no-op.
func (l *Loader) Unload(ctx context.Context, className string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.instances[className]
	if !ok {
		return nil
	}
	delete(l.instances, className)

	if err := p.Close(ctx); err != nil {
		return fmt.Errorf("loader: teardown of %s failed: %w", className, err)
	}
	l.log.InfoContext(ctx, "provider unloaded", "provider", className)
	return nil
}

// Validate dry-runs the full load gate against an explicit path and hash,
// returning the declared subtype. Nothing is cached; the instance is torn
// down before returning. The registry calls this during upload, before any
// row exists.
func (l *Loader) Validate(ctx context.Context, className, path, wantHash string) (string, error) {
	p, err := l.build(ctx, className, path, wantHash, nil, nil)
	if err != nil {
		return "", err
	}
	subtype := p.Type().Subtype()
	if err := p.Close(ctx); err != nil {
		l.log.WarnContext(ctx, "validation teardown failed", "provider", className, "error", err)
	}
	return subtype, nil
}

// Loaded lists the cached provider names, sorted.
func (l *Loader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, 0, len(l.instances))
	for name := range l.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close unloads every cached instance. Called at service shutdown.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for name, p := range l.instances {
		if err := p.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("loader: teardown of %s failed: %w", name, err)
		}
		delete(l.instances, name)
	}
	return firstErr
}

// build runs the verification gate and constructs the instance. Callers
// hold the mutex or (for Validate) tolerate concurrent builds.
func (l *Loader) build(ctx context.Context, className, path, wantHash string, creds provider.CredentialFunc, prefs map[string]map[string]any) (provider.Provider, error) {
	if err := l.confine(path); err != nil {
		return nil, err
	}

	sum, head, err := hashFile(path)
	if err != nil {
		return nil, fmt.Errorf("loader: cannot hash artifact of %s: %w", className, err)
	}
	if !strings.EqualFold(sum, wantHash) {
		return nil, fmt.Errorf("%w: artifact of %s hashes to %s, registered %s",
			secrets.ErrIntegrity, className, sum, wantHash)
	}

	kind, err := provider.DetectKind(head)
	if err != nil {
		return nil, fmt.Errorf("loader: artifact of %s: %w", className, err)
	}
	builder, ok := provider.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("loader: no builder for artifact kind %q", kind)
	}

	p, err := builder(ctx, provider.BuildSpec{
		ClassName:   className,
		Path:        path,
		Hash:        sum,
		Credentials: creds,
		Prefs:       prefs,
		Logger:      l.log,
	})
	if err != nil {
		return nil, err
	}

	if p.Name() != className {
		_ = p.Close(ctx)
		return nil, fmt.Errorf("loader: artifact declares class %q, registered as %q", p.Name(), className)
	}
	return p, nil
}

// confine rejects any path outside the allow-list root without opening it.
func (l *Loader) confine(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%w: %q is not absolute", ErrOutsideRoot, path)
	}
	rel, err := filepath.Rel(l.root, filepath.Clean(path))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %q is not under %q", ErrOutsideRoot, path, l.root)
	}
	return nil
}

// credentialFunc returns the lazy accessor handed to the artifact builder.
// Decryption happens on demand, under the hash the file was verified
// against; an empty envelope yields no credentials.
func (l *Loader) credentialFunc(hash string, nonce, ciphertext []byte) provider.CredentialFunc {
	return func(ctx context.Context) (map[string]string, error) {
		if len(ciphertext) == 0 {
			return nil, nil
		}
		plain, err := l.sec.Decrypt(hash, nonce, ciphertext)
		if err != nil {
			return nil, err
		}
		var creds map[string]string
		if err := json.Unmarshal(plain, &creds); err != nil {
			return nil, fmt.Errorf("loader: credential payload is malformed: %w", err)
		}
		return creds, nil
	}
}

// hashFile streams the artifact through SHA-256 in bounded chunks and
// returns the hex digest plus the leading bytes for format sniffing.
func hashFile(path string) (sum string, head []byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunk)
	first := true
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if first {
				head = append(head, buf[:min(n, 8)]...)
				first = false
			}
			h.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", nil, rerr
		}
	}
	return hex.EncodeToString(h.Sum(nil)), head, nil
}

func parsePrefs(raw []byte) (map[string]map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var prefs map[string]map[string]any
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return nil, err
	}
	return prefs, nil
}
