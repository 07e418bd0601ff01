package adapter

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/zjrosen/conduit/internal/log"
	"github.com/zjrosen/conduit/internal/wire"
)

// CommandFactoryFunc creates the exec.Cmd for a spawn. Tests swap it to run
// scripted stand-ins for the CLI. The command should be bound to ctx with
// exec.CommandContext so Kill can stop it.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// waitDelay bounds how long a reaped subprocess's inherited pipes may stay
// open before they are closed on it.
const waitDelay = time.Second

// SpawnBuilder assembles and starts a Session.
//
//	sess, err := NewSpawnBuilder(ctx).
//		WithExecutable(path, BuildArgs(cfg)).
//		WithSessionID(cfg.SessionID).
//		WithWorkDir(cfg.WorkDir).
//		Build()
type SpawnBuilder struct {
	ctx            context.Context
	execPath       string
	args           []string
	workDir        string
	sessionID      string
	env            []string
	stderrLimit    int
	commandFactory CommandFactoryFunc
	decoderOpts    []wire.DecoderOption
}

// NewSpawnBuilder creates a builder. Cancelling ctx kills the subprocess.
func NewSpawnBuilder(ctx context.Context) *SpawnBuilder {
	return &SpawnBuilder{ctx: ctx, stderrLimit: defaultStderrLimit}
}

// WithExecutable sets the binary and its arguments.
func (b *SpawnBuilder) WithExecutable(path string, args []string) *SpawnBuilder {
	b.execPath = path
	b.args = args
	return b
}

// WithWorkDir sets the subprocess working directory.
func (b *SpawnBuilder) WithWorkDir(dir string) *SpawnBuilder {
	b.workDir = dir
	return b
}

// WithSessionID sets the session the subprocess serves.
func (b *SpawnBuilder) WithSessionID(id string) *SpawnBuilder {
	b.sessionID = id
	return b
}

// WithEnv appends KEY=VALUE pairs to the inherited environment.
func (b *SpawnBuilder) WithEnv(env []string) *SpawnBuilder {
	b.env = env
	return b
}

// WithStderrLimit caps how many trailing bytes of stderr are kept for the exit event.
func (b *SpawnBuilder) WithStderrLimit(n int) *SpawnBuilder {
	b.stderrLimit = n
	return b
}

// WithCommandFactory overrides how the exec.Cmd is created.
func (b *SpawnBuilder) WithCommandFactory(fn CommandFactoryFunc) *SpawnBuilder {
	b.commandFactory = fn
	return b
}

// WithDecoderOptions configures the stdout decoder.
func (b *SpawnBuilder) WithDecoderOptions(opts ...wire.DecoderOption) *SpawnBuilder {
	b.decoderOpts = opts
	return b
}

// Build starts the subprocess and its reader goroutines.
func (b *SpawnBuilder) Build() (*Session, error) {
	if b.execPath == "" {
		return nil, fmt.Errorf("spawn builder: executable path is required")
	}
	if b.sessionID == "" {
		return nil, fmt.Errorf("spawn builder: session id is required")
	}

	procCtx, cancel := context.WithCancel(b.ctx)

	var cmd *exec.Cmd
	if b.commandFactory != nil {
		cmd = b.commandFactory(procCtx, b.execPath, b.args...)
	} else {
		cmd = exec.CommandContext(procCtx, b.execPath, b.args...) // #nosec G204 -- executable resolved from config or known paths
	}
	cmd.Dir = b.workDir
	if len(b.env) > 0 {
		cmd.Env = append(os.Environ(), b.env...)
	}
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	// The session closes the write ends once cmd.Wait returns.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	cleanup := func() {
		cancel()
		for _, c := range []io.Closer{stdoutR, stdoutW, stderrR, stderrW} {
			_ = c.Close()
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("spawn builder: failed to create stdin pipe: %w", err)
	}

	log.Debug(log.CatAdapter, "Spawning process",
		"session", b.sessionID,
		"execPath", b.execPath,
		"workDir", b.workDir,
		"env", redactEnv(b.env))

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("spawn builder: failed to start %s: %w", b.execPath, err)
	}

	log.Debug(log.CatAdapter, "Process started", "session", b.sessionID, "pid", cmd.Process.Pid)

	s := newSession(sessionParams{
		id:          b.sessionID,
		cmd:         cmd,
		cancel:      cancel,
		stdin:       stdin,
		stdout:      stdoutR,
		stderr:      stderrR,
		outputs:     []io.Closer{stdoutW, stderrW},
		encoder:     wire.NewEncoder(b.sessionID, b.workDir),
		decoder:     wire.NewDecoder(b.decoderOpts...),
		stderrLimit: b.stderrLimit,
	})
	s.start()
	return s, nil
}
