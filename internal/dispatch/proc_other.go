//go:build !unix

package dispatch

import "os/exec"

// setProcessGroup is a no-op; cancellation kills the direct child only.
func setProcessGroup(cmd *exec.Cmd) {}
