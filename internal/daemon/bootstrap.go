package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

// StartDetached spawns the daemon as a detached background process by
// self-executing the hidden "daemon" command.
func StartDetached() error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}

	cmd := exec.Command(executable, "daemon")

	// New session, no controlling terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	return cmd.Start()
}
