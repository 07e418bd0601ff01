// Package adapter runs one assistant CLI subprocess per session and exposes it
// as an ordered event stream plus an input sink.
package adapter

import (
	"context"
	"errors"

	"github.com/zjrosen/conduit/internal/wire"
)

// Mode selects whether the subprocess starts a new conversation or resumes one.
type Mode string

const (
	ModeCreate Mode = "create"
	ModeResume Mode = "resume"
)

var (
	// ErrSessionExited is returned by Emit once the subprocess has exited.
	ErrSessionExited = errors.New("adapter: session has exited")

	// ErrInputClosed is returned by Emit after a Stop closed the subprocess input.
	ErrInputClosed = errors.New("adapter: session input is closed")
)

// Config describes one subprocess.
type Config struct {
	SessionID string
	Mode      Mode
	WorkDir   string
	Env       map[string]string

	Model string

	// SystemPrompt replaces the CLI's system prompt, or is appended to it
	// when AppendSystemPrompt is set.
	SystemPrompt       string
	AppendSystemPrompt bool

	SkipPermissions bool
	ExtraArgs       []string
}

// Process is a running adapter session as seen by its owner.
type Process interface {
	// SessionID returns the session the process serves.
	SessionID() string

	// Events yields decoded output in subprocess order followed by exactly one
	// wire.ExitEvent, then closes.
	Events() <-chan wire.OutputEvent

	// Emit sends one input event. Safe for concurrent use.
	Emit(evt wire.InputEvent) error

	// Kill terminates the process. Idempotent.
	Kill() error
}

// Spawner starts adapter sessions. ctx bounds the lifetime of the subprocess.
type Spawner interface {
	Spawn(ctx context.Context, cfg Config) (Process, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(ctx context.Context, cfg Config) (Process, error)

func (f SpawnerFunc) Spawn(ctx context.Context, cfg Config) (Process, error) {
	return f(ctx, cfg)
}
