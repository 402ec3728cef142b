//go:build unix

package provider

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// configureCommand 让子进程成为独立进程组的组长，取消时终止整个进程组。
func configureCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
}
