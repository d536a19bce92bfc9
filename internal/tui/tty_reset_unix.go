//go:build !windows

package tui

import (
	"os"
	"os/exec"
)

// restoreTerminal puts the controlling TTY back into a sane state after
// bubbletea exits, so an abnormal teardown does not leave the shell
// with echo off. Best-effort only.
func restoreTerminal() {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return
	}
	// Redirected stdin means no terminal to restore.
	if (fi.Mode() & os.ModeCharDevice) == 0 {
		return
	}

	// Target /dev/tty directly so this works even with stdin consumed
	// by the chat program.
	_ = exec.Command("sh", "-lc", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
