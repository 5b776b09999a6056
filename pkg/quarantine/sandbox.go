package quarantine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// SandboxConfig bounds one summarizer execution.
type SandboxConfig struct {
	MemoryLimitBytes int64
	CPUTimeLimit     time.Duration
	OutputMaxBytes   int
}

func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		MemoryLimitBytes: 64 << 20,
		CPUTimeLimit:     5 * time.Second,
		OutputMaxBytes:   1 << 20,
	}
}

// WASISummarizer runs a summarizer compiled to WebAssembly inside a
// deny-by-default wazero sandbox: no filesystem, no network, no
// environment, no host clock, no randomness. The module reads one
// JSON submission on stdin and writes one JSON summary on stdout.
type WASISummarizer struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	config   SandboxConfig
	serial   atomic.Uint64
}

// NewWASISummarizer compiles the module once; each Summarize call
// instantiates a fresh isolated instance of it.
func NewWASISummarizer(ctx context.Context, wasmBytes []byte, cfg SandboxConfig) (*WASISummarizer, error) {
	rCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitBytes > 0 {
		// wazero measures memory in 64KB pages.
		pages := uint32(cfg.MemoryLimitBytes / 65536)
		if pages == 0 {
			pages = 1
		}
		rCfg = rCfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("quarantine: wasi instantiate: %w", err)
	}
	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("quarantine: summarizer compile: %w", err)
	}
	return &WASISummarizer{runtime: r, compiled: compiled, config: cfg}, nil
}

func (s *WASISummarizer) Summarize(ctx context.Context, sub Submission) (Summary, error) {
	input, err := json.Marshal(struct {
		Source string `json:"source"`
		Kind   string `json:"kind"`
		Text   string `json:"text"`
	}{Source: sub.Source, Kind: sub.Kind, Text: sub.Text})
	if err != nil {
		return Summary{}, fmt.Errorf("quarantine: submission encode: %w", err)
	}

	if s.config.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.CPUTimeLimit)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("summarizer-%d", s.serial.Add(1))).
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)
	// Deny-by-default: no WithFSConfig, no WithSysNanotime, no
	// WithRandSource, no environment variables.

	mod, err := s.runtime.InstantiateModule(ctx, s.compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		var exit *sys.ExitError
		switch {
		case errors.As(err, &exit) && exit.ExitCode() == 0:
			// Clean proc_exit(0); output is on stdout.
		case ctx.Err() != nil:
			return Summary{}, fmt.Errorf("quarantine: summarizer timed out after %v", s.config.CPUTimeLimit)
		default:
			return Summary{}, fmt.Errorf("quarantine: summarizer run: %w", err)
		}
	}

	if s.config.OutputMaxBytes > 0 && stdout.Len()+stderr.Len() > s.config.OutputMaxBytes {
		return Summary{}, fmt.Errorf("quarantine: summarizer output %d bytes exceeds %d",
			stdout.Len()+stderr.Len(), s.config.OutputMaxBytes)
	}

	var draft Summary
	if err := json.Unmarshal(stdout.Bytes(), &draft); err != nil {
		return Summary{}, fmt.Errorf("quarantine: summarizer output not a summary: %w", err)
	}
	return draft, nil
}

// Close shuts the runtime down, freeing compiled code and instances.
func (s *WASISummarizer) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}
