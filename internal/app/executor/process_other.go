//go:build !unix

package executor

import "os/exec"

// isolate is a no-op where process groups are unavailable; context
// cancellation kills only the direct child.
func isolate(cmd *exec.Cmd) {}
