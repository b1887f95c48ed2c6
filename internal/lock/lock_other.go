//go:build !unix

package lock

import (
	"os"
	"time"
)

// Without a signal-0 probe the holder renews the lock file's mtime while it
// runs; a lock not renewed within StaleAfter is treated as abandoned. This is
// eventually consistent: a crashed holder blocks others for up to StaleAfter.
var (
	HeartbeatInterval = 10 * time.Second
	StaleAfter        = time.Minute
)

func holderAlive(path string, _ int) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) < StaleAfter
}

func startHeartbeat(path string) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-t.C:
				_ = os.Chtimes(path, now, now)
			}
		}
	}()
	return func() { close(done) }
}
