package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/trickle/media"
)

// ProcessFunc transforms one input frame into zero or more output frames.
// An error skips the frame unless it is marked with Fatal. A panic is
// treated as a fatal error.
type ProcessFunc func(ctx context.Context, in media.InputFrame) ([]media.OutputFrame, error)

var (
	ErrAppStarted = errors.New("pipeline: app already started")
	ErrAppClosed  = errors.New("pipeline: app already stopped")
)

type fatalError struct{ err error }

func (e *fatalError) Error() string { return "fatal: " + e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as unrecoverable. A ProcessFunc returning it stops the
// app in the Failed state.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}

// State is an App lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Health is a point-in-time view of an App.
type Health struct {
	State State
	// LastError is the most recent frame-level or terminal error. Errors
	// the subscriber or publisher recovered from by retrying never show
	// up here.
	LastError     error
	FramesIn      uint64
	FramesOut     uint64
	FramesSkipped uint64
	// Since is the time of the last state change.
	Since time.Time
}

// App drains a Protocol through a ProcessFunc.
type App struct {
	proto   *Protocol
	process ProcessFunc
	log     *slog.Logger
	cfg     Config

	mu      sync.Mutex
	state   State
	since   time.Time
	lastErr error
	cancel  context.CancelFunc

	done chan struct{}

	framesIn      atomic.Uint64
	framesOut     atomic.Uint64
	framesSkipped atomic.Uint64
}

// CreateApp wires cfg and process into an App in the Created state.
func CreateApp(cfg Config, process ProcessFunc) (*App, error) {
	if process == nil {
		return nil, errors.New("pipeline: process function is required")
	}
	proto, err := NewProtocol(cfg)
	if err != nil {
		return nil, fmt.Errorf("pipeline: create protocol: %w", err)
	}
	return &App{
		proto:   proto,
		process: process,
		cfg:     proto.cfg,
		log:     proto.cfg.Log.With("component", "app", "request_id", proto.cfg.RequestID),
		state:   StateCreated,
		since:   time.Now(),
		done:    make(chan struct{}),
	}, nil
}

// Protocol returns the app's subscriber/publisher pair.
func (a *App) Protocol() *Protocol { return a.proto }

// Health returns the current state, counters and last error.
func (a *App) Health() Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Health{
		State:         a.state,
		LastError:     a.lastErr,
		FramesIn:      a.framesIn.Load(),
		FramesOut:     a.framesOut.Load(),
		FramesSkipped: a.framesSkipped.Load(),
		Since:         a.since,
	}
}

func (a *App) setState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setStateLocked(s)
}

func (a *App) setStateLocked(s State) {
	if a.state == s {
		return
	}
	a.log.Info("state change", "from", a.state, "to", s)
	a.state = s
	a.since = time.Now()
}

func (a *App) setLastErr(err error) {
	a.mu.Lock()
	a.lastErr = err
	a.mu.Unlock()
}

// Run processes frames until the input ends, ctx is cancelled, Stop is
// called or a fatal error occurs. A clean end returns nil and leaves the
// app Stopped; anything else returns the cause and leaves it Failed.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case StateCreated:
	case StateStopped, StateFailed:
		a.mu.Unlock()
		return ErrAppClosed
	default:
		a.mu.Unlock()
		return ErrAppStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.setStateLocked(StateRunning)
	a.mu.Unlock()

	defer close(a.done)
	defer cancel()

	err := a.proto.Start(runCtx)
	if err == nil {
		err = a.loop(runCtx)
	}
	return a.shutdown(ctx, a.terminal(runCtx, err))
}

// terminal maps the error that ended the loop to the run result: nil for
// a clean end of input or a requested stop.
func (a *App) terminal(runCtx context.Context, err error) error {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	case IsFatal(err):
		return err
	case runCtx.Err() != nil:
		return nil
	default:
		return err
	}
}

func (a *App) loop(ctx context.Context) error {
	for {
		in, err := a.proto.Next(ctx)
		if err != nil {
			return err
		}
		index := a.framesIn.Add(1) - 1

		start := time.Now()
		outs, err := a.callProcess(ctx, in)
		if err != nil {
			if IsFatal(err) {
				a.log.Error("fatal processing error", "timestamp", in.Timestamp(), "index", index, "error", err)
				return err
			}
			a.framesSkipped.Add(1)
			a.cfg.Metrics.RecordFrameProcessed(time.Since(start), true)
			a.setLastErr(err)
			a.log.Warn("frame processing failed, skipping frame", "timestamp", in.Timestamp(), "index", index, "error", err)
			continue
		}
		a.cfg.Metrics.RecordFrameProcessed(time.Since(start), false)

		for _, out := range outs {
			if err := a.proto.Publish(ctx, out); err != nil {
				return err
			}
			a.framesOut.Add(1)
		}
	}
}

// callProcess runs the ProcessFunc, turning a panic into a fatal error.
func (a *App) callProcess(ctx context.Context, in media.InputFrame) (outs []media.OutputFrame, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("process panicked", "panic", r, "stack", string(debug.Stack()))
			outs, err = nil, Fatal(fmt.Errorf("pipeline: process panicked: %v", r))
		}
	}()
	return a.process(ctx, in)
}

func (a *App) shutdown(parent context.Context, cause error) error {
	if cause == nil {
		a.setState(StateStopping)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), a.cfg.DrainTimeout)
	defer cancel()
	if err := a.proto.Stop(ctx); err != nil && cause == nil {
		cause = fmt.Errorf("pipeline: drain publisher: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if cause != nil {
		a.lastErr = cause
		a.setStateLocked(StateFailed)
		a.log.Error("app failed", "frames_in", a.framesIn.Load(), "frames_out", a.framesOut.Load(), "error", cause)
		return cause
	}
	a.setStateLocked(StateStopped)
	a.log.Info("app stopped", "frames_in", a.framesIn.Load(), "frames_out", a.framesOut.Load(), "frames_skipped", a.framesSkipped.Load())
	return nil
}

// Stop ends a running app and waits for the publisher to drain, or for
// ctx to expire. Stopping an app that never ran moves it straight to
// Stopped.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateCreated {
		a.setStateLocked(StateStopped)
		a.mu.Unlock()
		return nil
	}
	cancel := a.cancel
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
