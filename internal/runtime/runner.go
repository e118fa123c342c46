// Package runtime carries one task instance attempt from the StartupDetails
// handed over by the supervisor to exactly one outcome message.
//
// An attempt moves through fixed phases:
//
//	STARTUP -> PREPARING -> EXECUTING -> (outcome) -> FINALIZING -> EXIT
//
// Only startup failures (protocol or resolution errors) end the process
// without an outcome. Everything after startup reports exactly one outcome,
// sent from a deferred step.
package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dabla/taskrunner/internal/bundle"
	"github.com/dabla/taskrunner/internal/comms"
	"github.com/dabla/taskrunner/internal/listener"
	"github.com/dabla/taskrunner/internal/notify"
	"github.com/dabla/taskrunner/internal/xcom"
)

// Phase names a step of the attempt life cycle.
type Phase string

// Life-cycle phases.
const (
	PhaseStartup    Phase = "STARTUP"
	PhasePreparing  Phase = "PREPARING"
	PhaseExecuting  Phase = "EXECUTING"
	PhaseFinalizing Phase = "FINALIZING"
	PhaseExit       Phase = "EXIT"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitError       = 1
	ExitInterrupted = 2
)

// interruptGrace bounds how long Main waits for the attempt to wind down
// after an interrupt.
const interruptGrace = 5 * time.Second

// Options configures a Runner. Zero values select defaults.
type Options struct {
	Bundles    *bundle.Registry
	Listeners  *listener.Manager
	Mailer     notify.Mailer
	Logger     *slog.Logger
	TaskLogger *logrus.Logger

	// XComBackend stores task XComs. Defaults to the supervisor channel.
	XComBackend xcom.Backend

	Hostname func() (string, error)
	Now      func() time.Time
}

// Runner executes one task instance attempt over a supervisor channel.
type Runner struct {
	ch         *comms.Channel
	bundles    *bundle.Registry
	listeners  *listener.Manager
	mailer     notify.Mailer
	logger     *slog.Logger
	taskLogger *logrus.Logger
	xcom       *xcom.Client
	direct     *xcom.Client
	hostname   func() (string, error)
	now        func() time.Time

	mu    sync.Mutex
	phase Phase
}

// New creates a Runner speaking to the supervisor over ch.
func New(ch *comms.Channel, opts Options) *Runner {
	r := &Runner{
		ch:         ch,
		bundles:    opts.Bundles,
		listeners:  opts.Listeners,
		mailer:     opts.Mailer,
		logger:     opts.Logger,
		taskLogger: opts.TaskLogger,
		hostname:   opts.Hostname,
		now:        opts.Now,
	}
	if r.bundles == nil {
		r.bundles = bundle.NewRegistry()
	}
	if r.listeners == nil {
		r.listeners = listener.NewManager()
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	if r.mailer == nil {
		r.mailer = notify.NewLogMailer(r.logger)
	}
	if r.taskLogger == nil {
		r.taskLogger = logrus.New()
		r.taskLogger.SetOutput(io.Discard)
	}
	if r.hostname == nil {
		r.hostname = os.Hostname
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}

	direct := xcom.NewChannelBackend(ch)
	backend := opts.XComBackend
	if backend == nil {
		backend = direct
	}
	r.xcom = xcom.NewClient(backend)
	r.direct = xcom.NewClient(direct)
	return r
}

// Phase returns the phase the runner is in.
func (r *Runner) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

func (r *Runner) setPhase(p Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
	r.logger.Debug("entering phase", "phase", p)
}

// Run performs the whole attempt. It returns an error only when startup
// failed or the outcome could not be delivered.
func (r *Runner) Run(ctx context.Context) error {
	r.setPhase(PhaseStartup)
	ti, tc, err := r.startup(ctx)
	if err != nil {
		return err
	}
	defer ti.release(r.logger)

	a := r.attempt(ctx, ti, tc)

	r.setPhase(PhaseFinalizing)
	r.finalize(context.WithoutCancel(ctx), ti, tc, a)

	r.setPhase(PhaseExit)
	return a.sendErr
}

// Main runs r until completion or interrupt and returns the process exit
// code: 0 once the outcome was reported (FAILED included), 1 when the attempt
// could not run, 2 on SIGINT or SIGTERM.
func Main(ctx context.Context, r *Runner) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case err := <-done:
		if ctx.Err() != nil {
			r.logger.Warn("worker interrupted", "phase", r.Phase())
			return ExitInterrupted
		}
		if err != nil {
			r.logger.Error("worker failed", "phase", r.Phase(), "error", err)
			return ExitError
		}
		return ExitOK
	case <-ctx.Done():
		r.logger.Warn("worker interrupted", "phase", r.Phase())
		select {
		case <-done:
		case <-time.After(interruptGrace):
			r.logger.Error("worker did not stop within grace period", "grace", interruptGrace)
		}
		return ExitInterrupted
	}
}

// errorText returns err's message or the empty string.
func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// isContextDone reports whether err stems from a cancelled or expired context.
func isContextDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
