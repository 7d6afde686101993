//go:build windows

package process

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/windows"
)

var errGone = errors.New("process not found")

const stillActive = 259

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

// signalStop has no graceful equivalent on Windows; the tree is killed.
func signalStop(pid int) error {
	return taskkill(pid)
}

func forceKill(pid int) error {
	return taskkill(pid)
}

func taskkill(pid int) error {
	if !alive(pid) {
		return errGone
	}
	out, err := exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T", "/F").CombinedOutput() //nolint:gosec // G204: pid is numeric
	if err != nil {
		if !alive(pid) {
			return errGone
		}
		return fmt.Errorf("taskkill: %w: %s", err, out)
	}
	return nil
}

func alive(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer func() { _ = windows.CloseHandle(h) }()
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}
