package adapter

import (
	"context"
	"fmt"
)

// DefaultExecutableName is the CLI looked up when no explicit path is configured.
const DefaultExecutableName = "claude"

// ClaudeSpawner starts the assistant CLI.
type ClaudeSpawner struct {
	// Executable is an explicit path to the CLI. Empty means search.
	Executable string

	// StderrLimit caps the stderr tail attached to exit events.
	StderrLimit int

	// CommandFactory overrides command creation, for tests.
	CommandFactory CommandFactoryFunc
}

// Spawn resolves the executable and starts a session for cfg.
func (c *ClaudeSpawner) Spawn(ctx context.Context, cfg Config) (Process, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("claude spawner: session id is required")
	}

	path := c.Executable
	if c.CommandFactory == nil {
		var err error
		if path, err = FindExecutable(c.Executable, DefaultExecutableName); err != nil {
			return nil, fmt.Errorf("claude spawner: %w", err)
		}
	} else if path == "" {
		path = DefaultExecutableName
	}

	b := NewSpawnBuilder(ctx).
		WithExecutable(path, BuildArgs(cfg)).
		WithSessionID(cfg.SessionID).
		WithWorkDir(cfg.WorkDir).
		WithEnv(envList(cfg.Env))
	if c.StderrLimit > 0 {
		b = b.WithStderrLimit(c.StderrLimit)
	}
	if c.CommandFactory != nil {
		b = b.WithCommandFactory(c.CommandFactory)
	}

	sess, err := b.Build()
	if err != nil {
		return nil, err
	}
	return sess, nil
}

var _ Spawner = (*ClaudeSpawner)(nil)
