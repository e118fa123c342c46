package comms

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// Retry defaults for establishing the requests connection.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// Descriptor identifies where the worker writes its requests. It is carried
// inside StartupDetails.
type Descriptor struct {
	// FD is an inherited file descriptor number; 0 means unset.
	FD int
	// Addr is "unix:///path/to.sock" or "vsock://cid:port".
	Addr string
}

// IsZero reports whether no requests descriptor was named.
func (d Descriptor) IsZero() bool {
	return d.FD <= 0 && d.Addr == ""
}

// Opener turns a Descriptor into the outbound request stream.
type Opener func(d Descriptor) (io.WriteCloser, error)

// OpenDescriptor is the default Opener. Socket addresses are dialed with
// exponential backoff since the supervisor may still be starting its listener.
func OpenDescriptor(d Descriptor) (io.WriteCloser, error) {
	if d.FD > 0 {
		f := os.NewFile(uintptr(d.FD), "requests")
		if f == nil {
			return nil, fmt.Errorf("open requests fd %d: invalid descriptor", d.FD)
		}
		return f, nil
	}

	var lastErr error
	backoff := dialBaseBackoff
	for attempt := range dialMaxRetries {
		conn, err := dialAddr(d.Addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt < dialMaxRetries-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("open requests %s after %d attempts: %w", d.Addr, dialMaxRetries, lastErr)
}

func dialAddr(addr string) (net.Conn, error) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		path := strings.TrimPrefix(addr, "unix://")
		conn, err := net.Dial("unix", path)
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", path, err)
		}
		return conn, nil
	case strings.HasPrefix(addr, "vsock://"):
		cid, port, err := parseVsockAddr(addr)
		if err != nil {
			return nil, err
		}
		conn, err := vsock.Dial(cid, port, nil)
		if err != nil {
			return nil, fmt.Errorf("vsock dial %d:%d: %w", cid, port, err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unsupported requests address %q", addr)
	}
}

// parseVsockAddr splits "vsock://cid:port".
func parseVsockAddr(addr string) (cid, port uint32, err error) {
	hostPort := strings.TrimPrefix(addr, "vsock://")
	c, p, ok := strings.Cut(hostPort, ":")
	if !ok {
		return 0, 0, fmt.Errorf("vsock address %q: missing port", addr)
	}
	cid64, err := strconv.ParseUint(c, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("vsock address %q: invalid cid: %w", addr, err)
	}
	port64, err := strconv.ParseUint(p, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("vsock address %q: invalid port: %w", addr, err)
	}
	return uint32(cid64), uint32(port64), nil
}
