package backend

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/dabla/taskrunner/internal/comms"
	"github.com/dabla/taskrunner/internal/config"
	"github.com/dabla/taskrunner/internal/runtime"
)

var _ Backend = (*InProcessBackend)(nil)

// InProcessBackend runs attempts on a goroutine of the calling process,
// connected to the supervisor by in-memory pipes. Task code shares the
// process, so a crash in it takes the supervisor down too.
type InProcessBackend struct {
	Options  runtime.Options
	LogLevel slog.Level
}

// NewInProcessBackend returns a backend running workers with opts.
func NewInProcessBackend(opts runtime.Options) *InProcessBackend {
	return &InProcessBackend{Options: opts}
}

// Capabilities implements Backend.
func (b *InProcessBackend) Capabilities() Capabilities {
	return Capabilities{Name: InProcess}
}

// Launch implements Backend.
func (b *InProcessBackend) Launch(ctx context.Context, spec LaunchSpec) (*Worker, error) {
	stdinR, stdinW := io.Pipe()
	reqR, reqW := io.Pipe()

	chOpts := []comms.Option{
		comms.WithOpener(func(comms.Descriptor) (io.WriteCloser, error) { return reqW, nil }),
	}
	if b.Options.Logger != nil {
		chOpts = append(chOpts, comms.WithLogger(b.Options.Logger))
	}
	ch := comms.NewChannel(stdinR, chOpts...)

	opts := b.Options
	var lines *lineWriter
	if spec.LogWriter != nil {
		lines = &lineWriter{fn: spec.LogWriter}
		opts.TaskLogger = config.NewTaskLogger(lines, b.LogLevel)
	}

	done := make(chan error, 1)
	go func() {
		err := runtime.New(ch, opts).Run(ctx)
		ch.Close()
		reqW.Close()
		stdinR.Close()
		if lines != nil {
			lines.Flush()
		}
		done <- err
	}()

	return &Worker{
		Stdin:      stdinW,
		Requests:   reqR,
		Descriptor: comms.Descriptor{FD: requestsFD},
		Wait:       sync.OnceValue(func() error { return <-done }),
	}, nil
}
