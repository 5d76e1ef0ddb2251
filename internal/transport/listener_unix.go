//go:build !windows

package transport

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// lockSuffix names the advisory lock file held alongside the socket path.
// Holding an flock on a side file, rather than on the socket special file
// itself, means the exclusivity check works the same whether or not the
// listening socket has been unlinked out from under it.
const lockSuffix = ".lock"

// Listen binds a Unix domain socket at /tmp/<name> (spec.md §6: "on the
// other [OS family, the name maps] to a Unix-domain socket at /tmp/<name>").
// Before touching the socket path, it takes an exclusive, non-blocking
// flock on a sibling lock file (golang.org/x/sys/unix.Flock, the same
// direct x/sys/unix import the teacher's internal/api/lib.go takes for
// syscall-level handle bookkeeping) — a second nativeexecd process racing
// the first one for the same name gets a clear "already running" error
// instead of silently stealing a stale socket out from under a live
// listener. A stale socket file left behind by an unclean previous exit
// (whose lock file was released when that process exited) is then removed.
func Listen(name string) (net.Listener, error) {
	addr := filepath.Join(string(filepath.Separator)+"tmp", name)

	if err := acquireLock(addr + lockSuffix); err != nil {
		return nil, err
	}

	if _, err := os.Stat(addr); err == nil {
		if err := os.Remove(addr); err != nil {
			return nil, fmt.Errorf("transport: removing stale socket %s: %w", addr, err)
		}
	}
	l, err := net.Listen("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listening on %s: %w", addr, err)
	}
	return l, nil
}

func acquireLock(path string) error {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return fmt.Errorf("transport: opening lock file %s: %w", path, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return fmt.Errorf("transport: %s is already locked by another nativeexecd process: %w", path, err)
	}
	// fd is intentionally leaked for the lifetime of the process: the
	// flock is released when the last open file descriptor referencing it
	// closes, which must not happen before the listener itself is done.
	return nil
}
