//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Lock takes a shared lock on the bundle version so it is not removed while
// a task runs from it. Bundles without a Root need no lock.
func (b *Bundle) Lock() (unlock func() error, err error) {
	if b.Root == "" {
		return func() error { return nil }, nil
	}
	if err := os.MkdirAll(b.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle root: %w", err)
	}
	name := filepath.Join(b.Root, fmt.Sprintf(".%s-%s.lock", b.Name, b.Version))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open bundle lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock bundle %s: %w", b.Name, err)
	}
	return func() error {
		defer f.Close()
		return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	}, nil
}
