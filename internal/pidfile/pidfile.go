// Package pidfile writes and removes the daemon pidfile requested via
// -p. kivaloo's C daemons double-fork into the background and then
// write their pid; a Go daemon is meant to be backgrounded by its
// process supervisor (systemd, runit, ...) instead; keeping the
// pidfile itself is still worth doing since it's how operators and
// existing tooling locate a running daemon.
package pidfile

import (
	"fmt"
	"os"
)

// Write records the current process's pid at path. A no-op if path is
// empty.
func Write(path string) error {
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, fmt.Appendf(nil, "%d\n", os.Getpid()), 0o644); err != nil {
		return fmt.Errorf("pidfile: writing %s: %w", path, err)
	}
	return nil
}

// Remove deletes the pidfile at path, ignoring a missing file. A no-op
// if path is empty.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pidfile: removing %s: %w", path, err)
	}
	return nil
}
