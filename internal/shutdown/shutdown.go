// Package shutdown runs cleanup callbacks when the process is asked to stop.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Callback is a function called during shutdown.
type Callback func(ctx context.Context) error

// Config holds shutdown configuration.
type Config struct {
	Timeout         time.Duration
	Signals         []os.Signal
	OnShutdownStart func()
	OnShutdownDone  func(Result)
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// Result holds the outcome of a shutdown.
type Result struct {
	Elapsed time.Duration
	Errors  []error
}

// HasErrors returns whether any callback failed.
func (r Result) HasErrors() bool {
	return len(r.Errors) > 0
}

// Handler manages graceful shutdown. Callbacks run in reverse registration
// order so components close before what they depend on.
type Handler struct {
	mu        sync.Mutex
	callbacks []Callback
	names     []string

	shuttingDown atomic.Bool
	done         chan struct{}
	result       Result
	timeout      time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	sigChan chan os.Signal

	onStart func()
	onDone  func(Result)
}

// New creates a handler listening for cfg.Signals.
func New(cfg Config) *Handler {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = def.Signals
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		done:    make(chan struct{}),
		timeout: cfg.Timeout,
		ctx:     ctx,
		cancel:  cancel,
		sigChan: make(chan os.Signal, 1),
		onStart: cfg.OnShutdownStart,
		onDone:  cfg.OnShutdownDone,
	}
	signal.Notify(h.sigChan, cfg.Signals...)
	return h
}

// NewDefault creates a handler with default configuration.
func NewDefault() *Handler {
	return New(DefaultConfig())
}

// Register registers a named shutdown callback.
func (h *Handler) Register(name string, callback Callback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks = append(h.callbacks, callback)
	h.names = append(h.names, name)
}

// RegisterFunc registers a cleanup function that cannot fail.
func (h *Handler) RegisterFunc(name string, fn func()) {
	h.Register(name, func(ctx context.Context) error {
		fn()
		return nil
	})
}

// GracefulServer is anything with a context-bounded Shutdown, such as
// *http.Server.
type GracefulServer interface {
	Shutdown(ctx context.Context) error
}

// RegisterServer registers server.Shutdown.
func (h *Handler) RegisterServer(name string, server GracefulServer) {
	h.Register(name, server.Shutdown)
}

// Context is cancelled when shutdown begins.
func (h *Handler) Context() context.Context {
	return h.ctx
}

// IsShuttingDown returns whether shutdown is in progress.
func (h *Handler) IsShuttingDown() bool {
	return h.shuttingDown.Load()
}

// Done is closed when shutdown completes.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until a signal arrives or ctx ends, runs the shutdown and
// returns its result.
func (h *Handler) Wait(ctx context.Context) Result {
	select {
	case <-h.sigChan:
	case <-ctx.Done():
	case <-h.ctx.Done():
	}
	return h.Shutdown()
}

// Shutdown cancels the context and runs the callbacks LIFO, each bounded
// by the shared timeout. Later calls wait for the first one and return its
// result.
func (h *Handler) Shutdown() Result {
	if !h.shuttingDown.CompareAndSwap(false, true) {
		<-h.done
		return h.result
	}
	defer signal.Stop(h.sigChan)

	start := time.Now()
	if h.onStart != nil {
		h.onStart()
	}
	h.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	h.mu.Lock()
	callbacks := append([]Callback(nil), h.callbacks...)
	names := append([]string(nil), h.names...)
	h.mu.Unlock()

	var errs []error
	for i := len(callbacks) - 1; i >= 0; i-- {
		if err := run(ctx, names[i], callbacks[i]); err != nil {
			errs = append(errs, err)
		}
	}

	h.result = Result{Elapsed: time.Since(start), Errors: errs}
	if h.onDone != nil {
		h.onDone(h.result)
	}
	close(h.done)
	return h.result
}

func run(ctx context.Context, name string, callback Callback) error {
	done := make(chan error, 1)
	go func() {
		done <- callback(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return &CallbackError{CallbackName: name, Err: err}
		}
		return nil
	case <-ctx.Done():
		return &TimeoutError{CallbackName: name}
	}
}

// Trigger delivers a synthetic SIGTERM to Wait.
func (h *Handler) Trigger() {
	select {
	case h.sigChan <- syscall.SIGTERM:
	default:
	}
}

// TimeoutError is returned when a callback outlives the shutdown timeout.
type TimeoutError struct {
	CallbackName string
}

func (e *TimeoutError) Error() string {
	return "shutdown callback timed out: " + e.CallbackName
}

// CallbackError wraps a callback failure with its name.
type CallbackError struct {
	CallbackName string
	Err          error
}

func (e *CallbackError) Error() string {
	return e.CallbackName + ": " + e.Err.Error()
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}
