// Package wasm runs provider artifacts as WASI command modules inside a
// deny-by-default wazero runtime: no filesystem, no network, no environment.
//
// An artifact is a codec, not an agent. Each invocation instantiates the
// compiled module once with argv = [artifact, op], the JSON request on
// stdin and the JSON response on stdout. The host performs all I/O the
// codec plans: rate-limited HTTP for history and symbol pulls, a WebSocket
// session for live feeds. Credentials enter the module only as call input,
// after the artifact hash has been verified.
package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// Limits bound each codec invocation.
type Limits struct {
	MemoryLimitBytes int64
	CallTimeout      time.Duration
	OutputMaxBytes   int
}

// DefaultLimits is the budget for production codecs.
func DefaultLimits() Limits {
	return Limits{
		MemoryLimitBytes: 64 << 20,
		CallTimeout:      30 * time.Second,
		OutputMaxBytes:   8 << 20,
	}
}

// Module is one compiled artifact. Compilation happens once; every Invoke
// instantiates a fresh isolated instance.
type Module struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	name     string
	limits   Limits
}

// Compile builds the deny-by-default runtime and compiles the artifact.
func Compile(ctx context.Context, wasmBytes []byte, name string, limits Limits) (*Module, error) {
	rcfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if limits.MemoryLimitBytes > 0 {
		// wazero measures memory in pages (64KB each)
		pages := uint32(limits.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		rcfg = rcfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, rcfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasm: failed to instantiate WASI: %w", err)
	}

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasm: compilation of %s failed: %w", name, err)
	}

	return &Module{runtime: r, compiled: compiled, name: name, limits: limits}, nil
}

// Invoke runs one codec op: in is marshaled to stdin, stdout is unmarshaled
// into out. The call runs in a fresh instance under the module's limits.
func (m *Module) Invoke(ctx context.Context, op string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("wasm: %s/%s request marshal failed: %w", m.name, op, err)
	}

	if m.limits.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.limits.CallTimeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName(""). // anonymous, so concurrent invocations do not collide
		WithArgs(m.name, op).
		WithStdin(bytes.NewReader(payload)).
		WithStdout(&stdout).
		WithStderr(&stderr)
	// Deny-by-default: no WithFSConfig, no WithSysNanotime, no env vars.

	mod, err := m.runtime.InstantiateModule(ctx, m.compiled, cfg)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		var exitErr *sys.ExitError
		switch {
		case errors.As(err, &exitErr):
			if exitErr.ExitCode() != 0 {
				return fmt.Errorf("wasm: %s/%s exited %d: %s", m.name, op, exitErr.ExitCode(), firstLine(stderr.String()))
			}
			// exit(0) is a normal completion
		case ctx.Err() != nil:
			return fmt.Errorf("wasm: %s/%s timed out: %w", m.name, op, ctx.Err())
		default:
			return fmt.Errorf("wasm: %s/%s failed: %w", m.name, op, err)
		}
	}

	if m.limits.OutputMaxBytes > 0 && stdout.Len() > m.limits.OutputMaxBytes {
		return fmt.Errorf("wasm: %s/%s output %d bytes exceeds limit %d", m.name, op, stdout.Len(), m.limits.OutputMaxBytes)
	}

	if out != nil {
		if err := json.Unmarshal(stdout.Bytes(), out); err != nil {
			return fmt.Errorf("wasm: %s/%s returned malformed response: %w (stderr: %s)", m.name, op, err, firstLine(stderr.String()))
		}
	}
	return nil
}

// Close frees the compiled module and its runtime.
func (m *Module) Close(ctx context.Context) error {
	if err := m.compiled.Close(ctx); err != nil {
		return err
	}
	return m.runtime.Close(ctx)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
