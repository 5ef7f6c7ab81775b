package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/horace42/tranzy-stats/internal/metrics"
	"github.com/horace42/tranzy-stats/internal/store"
)

// State of the scheduling controller
type State int

const (
	// Idle: no session. Armed: waiting for a deferred wall-clock start.
	// Running: polling in progress.
	Idle State = iota
	Armed
	Running
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Running:
		return "running"
	default:
		return "idle"
	}
}

// ErrAlreadyRunning is returned by Start while a session is active
var ErrAlreadyRunning = errors.New("monitor: session already active")

// StartConfig selects the trips to monitor and the session schedule: either
// a duration starting now, or a wall-clock timeframe for today
type StartConfig struct {
	TripIDs []string

	// Duration mode: run for this long starting immediately. Used when
	// StartTime is zero.
	Duration time.Duration

	// Timeframe mode: defer the start to StartTime and run until EndTime.
	StartTime time.Time
	EndTime   time.Time
}

// SessionInfo is the externally visible controller status
type SessionInfo struct {
	State     State
	SessionID string
	TripIDs   []string
	StartsAt  time.Time
	EndsAt    time.Time
}

// ConfigSource is the slice of the store the controller reads at session
// start
type ConfigSource interface {
	ResolveMonitorConfig(ctx context.Context, tripID string) (*store.MonitorConfig, error)
	CreateMonitorSession(ctx context.Context, sessionID string, tripIDs []string, startedAt time.Time) error
	CloseMonitorSession(ctx context.Context, sessionID string, endedAt time.Time) error
}

// Controller owns the monitoring session lifecycle: Idle -> Armed -> Running
// -> Idle. All session state is mutated only by the single run goroutine and
// the Start/Stop entry points under one mutex; ticks never overlap because
// the next tick is armed only after the current one completes.
type Controller struct {
	cfgSource ConfigSource
	pipeline  *Pipeline
	interval  time.Duration
	defaultDuration time.Duration
	sink      func(Outcome)
	collector *metrics.Collector

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	done    chan struct{}
	session SessionInfo

	now func() time.Time
}

// NewController creates a controller. sink receives every outcome; collector
// may be nil.
func NewController(cfgSource ConfigSource, pipeline *Pipeline, interval, defaultDuration time.Duration, sink func(Outcome), collector *metrics.Collector) *Controller {
	if sink == nil {
		sink = func(Outcome) {}
	}
	return &Controller{
		cfgSource:       cfgSource,
		pipeline:        pipeline,
		interval:        interval,
		defaultDuration: defaultDuration,
		sink:            sink,
		collector:       collector,
		now:             time.Now,
	}
}

// Start begins a monitoring session. Trip and segment snapshots are resolved
// once, here, and reused for every tick of the session.
func (c *Controller) Start(cfg StartConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle {
		return ErrAlreadyRunning
	}
	if len(cfg.TripIDs) == 0 {
		return errors.New("monitor: no trips selected")
	}

	ctx := context.Background()
	segments := make(map[string]*store.MonitorConfig, len(cfg.TripIDs))
	for _, id := range cfg.TripIDs {
		mc, err := c.cfgSource.ResolveMonitorConfig(ctx, id)
		if err != nil {
			return fmt.Errorf("monitor: resolve config for %s: %w", id, err)
		}
		segments[id] = mc
	}

	duration, delay, notice := c.resolveSchedule(cfg)
	if notice != "" {
		c.emit(Outcome{Kind: Information, Time: c.now(), Message: notice})
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.session = SessionInfo{
		SessionID: uuid.New().String(),
		TripIDs:   cfg.TripIDs,
		StartsAt:  c.now().Add(delay),
		EndsAt:    c.now().Add(delay + duration),
	}
	if delay > 0 {
		c.state = Armed
		c.session.State = Armed
	} else {
		c.state = Running
		c.session.State = Running
	}

	go c.run(runCtx, segments, delay, duration)
	return nil
}

// resolveSchedule turns a StartConfig into (duration, start delay). Invalid
// timeframes fall back to the default duration starting now, with a notice.
func (c *Controller) resolveSchedule(cfg StartConfig) (duration, delay time.Duration, notice string) {
	if cfg.StartTime.IsZero() {
		duration = cfg.Duration
		if duration <= 0 {
			duration = c.defaultDuration
		}
		return duration, 0, ""
	}

	if cfg.EndTime.After(cfg.StartTime) {
		duration = cfg.EndTime.Sub(cfg.StartTime)
	} else {
		duration = c.defaultDuration
	}

	now := c.now()
	if !cfg.StartTime.After(now) {
		// start already passed: begin immediately for the default duration
		return c.defaultDuration, 0, "start time in the past, starting now..."
	}
	return duration, cfg.StartTime.Sub(now), fmt.Sprintf("waiting until %s", cfg.StartTime.Local().Format("15:04:05"))
}

// run is the single timeline of one session: optional deferred start, then
// strictly sequential ticks until the deadline elapses or Stop cancels.
func (c *Controller) run(ctx context.Context, segments map[string]*store.MonitorConfig, delay, duration time.Duration) {
	defer c.finish()

	if delay > 0 {
		armTimer := time.NewTimer(delay)
		defer armTimer.Stop()
		select {
		case <-armTimer.C:
			c.setState(Running)
		case <-ctx.Done():
			c.emit(Outcome{Kind: Information, Time: c.now(), Message: "polling stopped"})
			return
		}
	}

	info := c.Status()
	startedAt := c.now()
	if err := c.cfgSource.CreateMonitorSession(ctx, info.SessionID, info.TripIDs, startedAt); err != nil {
		log.Printf("Controller: failed to record session: %v", err)
	}
	defer func() {
		if err := c.cfgSource.CloseMonitorSession(context.Background(), info.SessionID, c.now()); err != nil {
			log.Printf("Controller: failed to close session: %v", err)
		}
	}()

	if c.collector != nil {
		c.collector.MonitoringActive.Set(1)
		defer c.collector.MonitoringActive.Set(0)
	}

	c.emit(Outcome{Kind: Information, Time: startedAt,
		Message: fmt.Sprintf("polling vehicles for trip %s for %d minutes",
			strings.Join(info.TripIDs, ", "), int(duration.Minutes()))})

	deadline := time.NewTimer(duration)
	defer deadline.Stop()

	// first poll at t=0, then re-armed after each completed tick
	tick := time.NewTimer(0)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			c.emit(Outcome{Kind: Information, Time: c.now(), Message: "polling stopped"})
			return
		case <-deadline.C:
			c.emit(Outcome{Kind: Information, Time: c.now(), Message: "monitoring time elapsed, polling stopped"})
			return
		case <-tick.C:
			if ctx.Err() != nil {
				return
			}
			for _, o := range c.pipeline.Tick(ctx, segments) {
				c.emit(o)
			}
			// re-arm only while still monitoring
			if ctx.Err() != nil {
				c.emit(Outcome{Kind: Information, Time: c.now(), Message: "polling stopped"})
				return
			}
			tick.Reset(c.interval)
		}
	}
}

// Stop cancels the session and waits for the run goroutine to wind down.
// Safe to call in any state, any number of times.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

// Status returns a snapshot of the controller state
func (c *Controller) Status() SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.session
	info.State = c.state
	return info
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) finish() {
	c.mu.Lock()
	c.state = Idle
	c.cancel = nil
	done := c.done
	c.done = nil
	c.mu.Unlock()
	if done != nil {
		close(done)
	}
}

func (c *Controller) emit(o Outcome) {
	log.Printf("%s - %s", o.Time.Local().Format("15:04:05"), o.Message)
	c.sink(o)
}
