//go:build !linux

package sandbox

import (
	"errors"
	"os"
	"os/exec"
)

func configureChild(*exec.Cmd) {}

func killChild(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
