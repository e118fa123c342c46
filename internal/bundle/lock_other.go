//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package bundle

// Lock is a no-op where flock is unavailable.
func (b *Bundle) Lock() (unlock func() error, err error) {
	return func() error { return nil }, nil
}
