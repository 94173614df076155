// Package monitor drives reconciliation passes on a fixed interval.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"tickwatch/internal/domain"
	"tickwatch/internal/engine"
)

type State int

const (
	Idle State = iota
	Running
	StopRequested
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case StopRequested:
		return "stop_requested"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var ErrStopped = errors.New("monitor stopped")

const DefaultInterval = 10 * time.Minute

// Passer is the part of the engine the monitor drives.
type Passer interface {
	RunPass(ctx context.Context) (domain.PassSummary, error)
}

type Config struct {
	Interval   time.Duration
	RunOnStart bool
	Logger     *log.Logger
	// OnPass, if set, observes every finished pass.
	OnPass func(domain.PassSummary, error)
}

type Monitor struct {
	engine Passer
	cfg    Config
	logger *log.Logger

	// life is cancelled by Stop; every pass, scheduled or triggered, runs
	// under it.
	life     context.Context
	stopLife context.CancelFunc
	inflight sync.WaitGroup

	mu      sync.Mutex
	state   State
	passing bool
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(p Passer, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	life, stop := context.WithCancel(context.Background())
	return &Monitor{engine: p, cfg: cfg, logger: logger, state: Idle, life: life, stopLife: stop}
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start launches the loop. It returns ErrStopped once the monitor has been
// stopped; a second Start while the loop runs is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StopRequested || m.state == Stopped {
		return ErrStopped
	}
	if m.started {
		return nil
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.started = true
	go m.loop(ctx)
	return nil
}

// Run starts the loop and blocks until ctx is done, then stops.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	m.Stop()
	return nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	defer m.shutdown()
	m.logger.WithFields(log.Fields{"interval": m.cfg.Interval.String(), "run_on_start": m.cfg.RunOnStart}).
		Info("monitor.started")
	if m.cfg.RunOnStart {
		m.tick(ctx)
	}
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor.stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := m.runPass(ctx); errors.Is(err, engine.ErrPassInProgress) {
		m.logger.Info("monitor.tick.skipped")
	}
}

// Trigger runs one pass now, outside the schedule. It returns
// engine.ErrPassInProgress when a pass is already running. Stop cancels a
// triggered pass the same way it cancels a scheduled one and waits for it.
func (m *Monitor) Trigger(ctx context.Context) (domain.PassSummary, error) {
	return m.runPass(ctx)
}

func (m *Monitor) runPass(ctx context.Context) (domain.PassSummary, error) {
	m.mu.Lock()
	switch {
	case m.state == StopRequested || m.state == Stopped:
		m.mu.Unlock()
		return domain.PassSummary{}, ErrStopped
	case m.passing:
		m.mu.Unlock()
		return domain.PassSummary{}, engine.ErrPassInProgress
	}
	// Add happens under mu before any stop can be requested, so Wait in
	// shutdown never races it.
	m.inflight.Add(1)
	defer m.inflight.Done()
	m.passing = true
	m.state = Running
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unhook := context.AfterFunc(m.life, cancel)
	defer unhook()

	sum, err := m.engine.RunPass(ctx)

	m.mu.Lock()
	m.passing = false
	if m.state == Running {
		m.state = Idle
	}
	m.mu.Unlock()
	if m.cfg.OnPass != nil && !errors.Is(err, engine.ErrPassInProgress) {
		m.cfg.OnPass(sum, err)
	}
	return sum, err
}

// shutdown refuses new passes, cancels the ones in flight, waits for them
// and only then reports Stopped.
func (m *Monitor) shutdown() {
	m.mu.Lock()
	if m.state == Stopped {
		m.mu.Unlock()
		return
	}
	m.state = StopRequested
	m.mu.Unlock()

	m.stopLife()
	m.inflight.Wait()

	m.mu.Lock()
	m.state = Stopped
	m.mu.Unlock()
}

// Stop requests shutdown and waits for the loop and for any triggered pass to
// exit. A pass in flight finishes the classification it is working on, then
// returns.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.state == Stopped {
		m.mu.Unlock()
		return
	}
	m.state = StopRequested
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	m.shutdown()
}
