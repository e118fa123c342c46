package backend

import (
	"context"
	"io"

	"github.com/dabla/taskrunner/internal/comms"
	"github.com/dabla/taskrunner/internal/model"
)

// Backend is the interface every worker launcher implements.
type Backend interface {
	// Launch starts a worker for one attempt. The context bounds the worker's
	// lifetime: cancelling it interrupts the worker.
	Launch(ctx context.Context, spec LaunchSpec) (*Worker, error)

	// Capabilities reports what this backend supports.
	Capabilities() Capabilities
}

// LaunchSpec describes the attempt a worker is started for.
type LaunchSpec struct {
	TI model.TaskInstance `json:"ti"`

	// LogWriter is an optional callback invoked once per line of worker output.
	LogWriter func(line string) `json:"-"`
}

// Worker is a started worker.
type Worker struct {
	// Stdin carries supervisor messages to the worker.
	Stdin io.WriteCloser
	// Requests carries worker requests. It reaches EOF when the worker exits.
	Requests io.ReadCloser
	// Descriptor is what StartupDetails must name so the worker opens its
	// end of Requests.
	Descriptor comms.Descriptor
	// Wait blocks until the worker has exited and its output is drained.
	Wait func() error
}

// Capabilities describes a backend.
type Capabilities struct {
	Name           string `json:"name"`
	Isolated       bool   `json:"isolated"`
	MaxConcurrency int    `json:"max_concurrency"`
}
