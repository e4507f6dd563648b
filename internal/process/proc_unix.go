//go:build unix

package process

import (
	"os/exec"
	"syscall"
)

// configure puts the child in its own process group so a kill also reaches
// helpers it spawned (yt-dlp runs ffmpeg for merges).
func configure(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
