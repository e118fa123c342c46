package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/dabla/taskrunner/internal/comms"
)

// requestsFD is the number the first exec.Cmd.ExtraFiles entry gets in the child.
const requestsFD = 3

// DefaultGrace is how long a cancelled worker gets between SIGTERM and SIGKILL.
const DefaultGrace = 10 * time.Second

var _ Backend = (*ProcessBackend)(nil)

// ProcessBackend runs every attempt in its own OS process. The worker reads
// supervisor messages on stdin and writes requests to fd 3. Its stdout and
// stderr are captured line by line.
type ProcessBackend struct {
	Path  string
	Args  []string
	Env   []string
	Grace time.Duration
}

// NewProcessBackend returns a backend that starts path with args.
func NewProcessBackend(path string, args ...string) *ProcessBackend {
	return &ProcessBackend{Path: path, Args: args, Grace: DefaultGrace}
}

// Capabilities implements Backend.
func (b *ProcessBackend) Capabilities() Capabilities {
	return Capabilities{Name: Process, Isolated: true}
}

// Launch implements Backend.
func (b *ProcessBackend) Launch(ctx context.Context, spec LaunchSpec) (*Worker, error) {
	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create requests pipe: %w", err)
	}

	cmd := exec.CommandContext(ctx, b.Path, b.Args...)
	cmd.Env = append(os.Environ(), b.Env...)
	cmd.ExtraFiles = []*os.File{reqW}
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = b.Grace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultGrace
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		reqR.Close()
		reqW.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	outR, outW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = outW

	if err := cmd.Start(); err != nil {
		reqR.Close()
		reqW.Close()
		return nil, fmt.Errorf("start worker for %s: %w", spec.TI, err)
	}
	// The child holds its own copy now; EOF on reqR means it exited.
	reqW.Close()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		forwardLines(outR, spec.LogWriter)
	}()

	wait := sync.OnceValue(func() error {
		err := cmd.Wait()
		outW.Close()
		<-drained
		if err != nil {
			return fmt.Errorf("worker for %s: %w", spec.TI, err)
		}
		return nil
	})

	return &Worker{
		Stdin:      stdin,
		Requests:   reqR,
		Descriptor: comms.Descriptor{FD: requestsFD},
		Wait:       wait,
	}, nil
}
