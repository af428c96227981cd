//go:build !unix

package fsutil

import "sync"

var processLocks sync.Map

// FileLock falls back to a per-process mutex where flock is unavailable.
type FileLock struct {
	mu *sync.Mutex
}

func Lock(path string) (*FileLock, error) {
	value, _ := processLocks.LoadOrStore(path, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return &FileLock{mu: mu}, nil
}

func (l *FileLock) Unlock() error {
	if l == nil || l.mu == nil {
		return nil
	}
	l.mu.Unlock()
	l.mu = nil
	return nil
}
