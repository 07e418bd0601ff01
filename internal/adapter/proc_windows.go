//go:build windows

package adapter

import "os/exec"

// setProcessGroup is a no-op on Windows; cancellation kills the CLI process only.
func setProcessGroup(*exec.Cmd) {}
