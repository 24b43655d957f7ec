//go:build linux || darwin

package launch

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"
)

// Host is the SystemInfo of the running machine.
type Host struct{}

var _ SystemInfo = Host{}

func (Host) OS() string { return runtime.GOOS }

func (Host) Machine() (string, error) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "", fmt.Errorf("cannot read machine name: %w", err)
	}
	return unix.ByteSliceToString(u.Machine[:]), nil
}

// LibcVersion asks getconf for the glibc version. It fails on systems
// without glibc.
func (Host) LibcVersion() (string, error) {
	out, err := exec.Command("getconf", "GNU_LIBC_VERSION").Output()
	if err != nil {
		return "", fmt.Errorf("cannot read glibc version: %w", err)
	}
	return parseLibcVersion(string(out))
}

func parseLibcVersion(out string) (string, error) {
	fields := strings.Fields(out)
	if len(fields) != 2 || fields[0] != "glibc" {
		return "", fmt.Errorf("unexpected getconf output %q", strings.TrimSpace(out))
	}
	return fields[1], nil
}

func (Host) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (Host) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

// Exec replaces the current process with l. It only returns on failure.
func Exec(l Launch) error {
	if err := unix.Exec(l.Executable, l.Argv, l.Env); err != nil {
		return fmt.Errorf("cannot exec %s: %w", l.Executable, err)
	}
	return nil
}
