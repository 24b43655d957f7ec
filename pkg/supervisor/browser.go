package supervisor

import (
	"fmt"
	"os/exec"
	"runtime"
)

// OpenBrowser opens path with the desktop's default handler without waiting
// for it.
func OpenBrowser(path string) error {
	opener := "xdg-open"
	if runtime.GOOS == "darwin" {
		opener = "open"
	}
	bin, err := exec.LookPath(opener)
	if err != nil {
		return fmt.Errorf("cannot find %s: %w", opener, err)
	}
	cmd := exec.Command(bin, path)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("cannot run %s: %w", opener, err)
	}
	go cmd.Wait()
	return nil
}
