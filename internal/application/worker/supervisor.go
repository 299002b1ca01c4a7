package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Monitor logs pool stats periodically. It exits when its pool
// terminates or Stop is called.
type Monitor struct {
	pool    *Pool
	period  time.Duration
	log     *zap.Logger
	onStats func(Stats)

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (m *Monitor) start(active *atomic.Int32) {
	active.Add(1)
	go func() {
		defer close(m.done)
		defer active.Add(-1)

		ticker := time.NewTicker(m.period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st := m.pool.Stats()
				m.log.Debug("pool stats",
					zap.String("state", string(st.State)),
					zap.Int("workers", st.Workers),
					zap.Int("idle", st.Idle),
					zap.Int("queued", st.Queued),
					zap.Int64("completed", st.Completed),
					zap.Int64("inline", st.Inline))
				if m.onStats != nil {
					m.onStats(st)
				}
			case <-m.pool.Done():
				if m.onStats != nil {
					m.onStats(m.pool.Stats())
				}
				return
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop ends the monitor and waits for it to exit.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Monitor) exited() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	Pool          Options
	Period        time.Duration
	MonitorPeriod time.Duration
	OnStats       func(Stats)
	Log           *zap.Logger
}

// Supervisor keeps one live pool and one monitor for it. Both are
// replaced together under mu.
type Supervisor struct {
	opts SupervisorOptions
	log  *zap.Logger

	mu      sync.Mutex
	pool    *Pool
	monitor *Monitor
	builds  int
	stopped bool

	active atomic.Int32
}

func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.Period <= 0 {
		opts.Period = 5 * time.Second
	}
	if opts.MonitorPeriod <= 0 {
		opts.MonitorPeriod = 10 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	opts.Pool.Log = log.Named("pool")
	s := &Supervisor{opts: opts, log: log}
	s.check()
	return s
}

// Submit hands task to the current pool, rebuilding it first if it
// terminated since the last check. After Stop the task runs inline.
func (s *Supervisor) Submit(task func()) {
	s.mu.Lock()
	if !s.stopped && s.pool.Terminated() {
		s.check()
	}
	p := s.pool
	s.mu.Unlock()
	p.Submit(task)
}

// Check rebuilds a terminated pool and re-arms a dead monitor.
func (s *Supervisor) Check() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.check()
}

// check must be called with mu held.
func (s *Supervisor) check() {
	if s.pool != nil && !s.pool.Terminated() {
		if s.monitor != nil && s.monitor.exited() {
			s.log.Warn("pool monitor exited, restarting")
			s.startMonitor()
		}
		return
	}
	if s.monitor != nil {
		s.monitor.Stop()
		s.monitor = nil
	}
	if s.pool != nil {
		s.log.Info("worker pool terminated, recreating", zap.Int("builds", s.builds))
	}
	s.pool = NewPool(s.opts.Pool)
	s.builds++
	s.startMonitor()
}

// startMonitor must be called with mu held.
func (s *Supervisor) startMonitor() {
	m := &Monitor{
		pool:    s.pool,
		period:  s.opts.MonitorPeriod,
		log:     s.log.Named("monitor"),
		onStats: s.opts.OnStats,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	m.start(&s.active)
	s.monitor = m
}

// Run ticks Check until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Check()
		case <-ctx.Done():
			return
		}
	}
}

// Stop shuts the pool down, waits for queued work up to ctx and stops the
// monitor.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	p, m := s.pool, s.monitor
	s.mu.Unlock()

	p.Shutdown()
	err := p.Wait(ctx)
	if m != nil {
		m.Stop()
	}
	return err
}

// Stats of the current pool.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	p := s.pool
	s.mu.Unlock()
	return p.Stats()
}

// ActiveMonitors counts running monitor goroutines.
func (s *Supervisor) ActiveMonitors() int { return int(s.active.Load()) }

// Builds counts how many pools were created.
func (s *Supervisor) Builds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.builds
}
