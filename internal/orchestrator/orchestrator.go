// Package orchestrator centralizes process lifecycle (spec.md §4.9):
// control-state broadcast, a LIFO cleanup stack drained with bounded
// timeouts on shutdown, and pause/resume/status command handling. The bus
// is the only dependency it shares with the gateway and other components,
// breaking the gateway<->orchestrator<->bus cycle.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/marketfeed/internal/events"
	"github.com/rs/zerolog"
)

// Lifecycle is a rung of the process lifecycle.
type Lifecycle string

const (
	LifecycleStarting Lifecycle = "STARTING"
	LifecycleRunning  Lifecycle = "RUNNING"
	LifecycleStopping Lifecycle = "STOPPING"
	LifecycleStopped  Lifecycle = "STOPPED"
)

const (
	defaultCleanupTimeout = 2 * time.Second
)

// ControlState is the payload of control:state.
type ControlState struct {
	Lifecycle string `json:"lifecycle"`
	Paused    bool   `json:"paused"`
}

// Command is the payload of control:command.
type Command struct {
	Command string `json:"command"`
}

// Command names accepted on control:command.
const (
	CmdShutdown = "shutdown"
	CmdPause    = "pause"
	CmdResume   = "resume"
	CmdStatus   = "status"
)

// CleanupFunc is one entry of the shutdown stack; it must respect ctx's
// deadline.
type CleanupFunc func(ctx context.Context) error

type namedCleanup struct {
	name string
	fn   CleanupFunc
}

// Config parameterizes an Orchestrator.
type Config struct {
	CleanupTimeout time.Duration
}

// Orchestrator owns the control-state lifecycle and shutdown sequencing.
type Orchestrator struct {
	cfg Config
	bus *events.Bus
	log zerolog.Logger

	mu       sync.Mutex
	state    ControlState
	cleanups []namedCleanup

	done     chan struct{}
	exitCode int
	onceDone sync.Once
}

// New constructs an Orchestrator. Call Start to enter RUNNING and begin
// listening for commands.
func New(cfg Config, bus *events.Bus, log zerolog.Logger) *Orchestrator {
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = defaultCleanupTimeout
	}
	return &Orchestrator{
		cfg:  cfg,
		bus:  bus,
		log:  log.With().Str("component", "orchestrator").Logger(),
		done: make(chan struct{}),
	}
}

// Start publishes STARTING then RUNNING and subscribes to control:command.
// Returns an unsubscribe function.
func (o *Orchestrator) Start() func() {
	o.publishState(LifecycleStarting)
	o.mu.Lock()
	o.state.Lifecycle = string(LifecycleRunning)
	o.mu.Unlock()
	o.publishState(LifecycleRunning)

	return o.bus.Subscribe(events.TopicControlCommand, o.onCommand)
}

// RegisterCleanup pushes fn onto the LIFO shutdown stack under name (used
// in logs and as the bounded-timeout failure label).
func (o *Orchestrator) RegisterCleanup(name string, fn CleanupFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cleanups = append(o.cleanups, namedCleanup{name: name, fn: fn})
}

// Done is closed once the orchestrator reaches STOPPED.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// ExitCode returns the process exit code recorded by the shutdown path (0
// for clean shutdown, 1 if shutdown was triggered by a fatal condition via
// Fatal).
func (o *Orchestrator) ExitCode() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exitCode
}

func (o *Orchestrator) onCommand(_ events.Meta, payload any) error {
	cmd, ok := parseCommand(payload)
	if !ok {
		return nil
	}
	switch cmd {
	case CmdShutdown:
		go o.Shutdown(context.Background())
	case CmdPause:
		o.setPaused(true)
	case CmdResume:
		o.setPaused(false)
	case CmdStatus:
		o.publishCurrentState()
	}
	return nil
}

func parseCommand(payload any) (string, bool) {
	switch v := payload.(type) {
	case Command:
		return v.Command, true
	case map[string]any:
		s, ok := v["command"].(string)
		return s, ok
	default:
		return "", false
	}
}

func (o *Orchestrator) setPaused(paused bool) {
	o.mu.Lock()
	o.state.Paused = paused
	lifecycle := o.state.Lifecycle
	o.mu.Unlock()
	o.log.Info().Bool("paused", paused).Msg("control state updated")
	o.publish(Lifecycle(lifecycle), paused)
}

func (o *Orchestrator) publishCurrentState() {
	o.mu.Lock()
	lifecycle, paused := o.state.Lifecycle, o.state.Paused
	o.mu.Unlock()
	o.publish(Lifecycle(lifecycle), paused)
}

func (o *Orchestrator) publishState(lifecycle Lifecycle) {
	o.mu.Lock()
	o.state.Lifecycle = string(lifecycle)
	paused := o.state.Paused
	o.mu.Unlock()
	o.publish(lifecycle, paused)
}

func (o *Orchestrator) publish(lifecycle Lifecycle, paused bool) {
	o.bus.Publish(events.TopicControlState, events.CreateMeta(events.SourceSystem), ControlState{
		Lifecycle: string(lifecycle),
		Paused:    paused,
	})
}

// Fatal records exitCode and triggers shutdown, for use by an unhandled
// fatal condition (spec.md §4.9: exit code 1).
func (o *Orchestrator) Fatal(err error) {
	o.mu.Lock()
	o.exitCode = 1
	o.mu.Unlock()
	o.log.Error().Err(err).Msg("fatal condition, triggering shutdown")
	go o.Shutdown(context.Background())
}

// Shutdown transitions to STOPPING, drains the cleanup stack LIFO (each
// bounded by cfg.CleanupTimeout), then transitions to STOPPED and closes
// Done. Safe to call more than once; only the first call runs the drain.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.onceDone.Do(func() {
		o.publishState(LifecycleStopping)

		o.mu.Lock()
		stack := o.cleanups
		o.cleanups = nil
		o.mu.Unlock()

		for i := len(stack) - 1; i >= 0; i-- {
			o.runCleanup(ctx, stack[i])
		}

		o.publishState(LifecycleStopped)
		close(o.done)
	})
}

func (o *Orchestrator) runCleanup(parent context.Context, c namedCleanup) {
	ctx, cancel := context.WithTimeout(parent, o.cfg.CleanupTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.fn(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			o.log.Error().Err(err).Str("cleanup", c.name).Msg("cleanup returned error")
		}
	case <-ctx.Done():
		o.log.Warn().Str("cleanup", c.name).Msg("cleanup timed out")
	}
}
