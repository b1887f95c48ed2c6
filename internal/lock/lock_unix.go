//go:build unix

package lock

import (
	"errors"

	"golang.org/x/sys/unix"
)

// holderAlive probes pid with signal 0. EPERM means the process exists but
// belongs to another user.
func holderAlive(_ string, pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func startHeartbeat(string) func() {
	return func() {}
}
