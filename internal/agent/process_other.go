//go:build !unix

package agent

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

func exitSignal(ps *os.ProcessState) string { return "" }
