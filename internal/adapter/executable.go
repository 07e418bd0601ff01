package adapter

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// FindExecutable resolves the CLI binary. An explicit path wins, then the
// CLI's own install locations, then PATH.
func FindExecutable(explicit, name string) (string, error) {
	if explicit != "" {
		if isExecutable(explicit) {
			return explicit, nil
		}
		return "", fmt.Errorf("executable %q is not runnable", explicit)
	}

	if home, err := os.UserHomeDir(); err == nil {
		for _, p := range []string{
			filepath.Join(home, ".claude", "local", name),
			filepath.Join(home, ".claude", name),
		} {
			if isExecutable(p) {
				return p, nil
			}
		}
	}

	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in known locations or PATH: %w", name, err)
	}
	return p, nil
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}
