package adapter

import (
	"sort"
	"strings"
)

// BuildArgs returns the CLI arguments for cfg. The subprocess always speaks
// stream-json in both directions.
func BuildArgs(cfg Config) []string {
	args := []string{
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}

	if cfg.Mode == ModeResume {
		args = append(args, "--resume", cfg.SessionID)
	} else {
		args = append(args, "--session-id", cfg.SessionID)
	}

	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}

	if cfg.SystemPrompt != "" {
		if cfg.AppendSystemPrompt {
			args = append(args, "--append-system-prompt", cfg.SystemPrompt)
		} else {
			args = append(args, "--system-prompt", cfg.SystemPrompt)
		}
	}

	if cfg.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}

	return append(args, cfg.ExtraArgs...)
}

// envList flattens env into sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// redactEnv hides values whose names look like credentials.
func redactEnv(env []string) []string {
	out := make([]string, len(env))
	for i, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		lower := strings.ToLower(name)
		if strings.Contains(lower, "token") || strings.Contains(lower, "key") || strings.Contains(lower, "secret") {
			out[i] = name + "=<redacted>"
			continue
		}
		out[i] = kv
	}
	return out
}
