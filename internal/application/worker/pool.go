package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a pool.
type State string

const (
	StateRunning    State = "running"
	StateShutdown   State = "shutdown"
	StateTerminated State = "terminated"
)

// Options configures a Pool.
type Options struct {
	Core      int
	Max       int
	KeepAlive time.Duration

	// AllowCoreTimeout lets core workers retire too. When the last one
	// goes the pool terminates.
	AllowCoreTimeout bool
	Log              *zap.Logger
}

// Stats is a point-in-time snapshot.
type Stats struct {
	State     State `json:"state"`
	Workers   int   `json:"workers"`
	Idle      int   `json:"idle"`
	Queued    int   `json:"queued"`
	Largest   int   `json:"largest"`
	Completed int64 `json:"completed"`
	Inline    int64 `json:"inline"`
	Panics    int64 `json:"panics"`
}

// Pool is a growable worker pool over an unbounded FIFO queue. Submit
// never rejects: once the pool is no longer running the task runs on the
// caller's goroutine.
type Pool struct {
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	state     State
	queue     []func()
	workers   int
	idle      int
	largest   int
	completed int64
	inline    int64
	panics    int64

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func NewPool(opts Options) *Pool {
	if opts.Max <= 0 {
		opts.Max = 1
	}
	if opts.Core < 0 {
		opts.Core = 0
	}
	if opts.Core > opts.Max {
		opts.Core = opts.Max
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = time.Minute
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		opts:  opts,
		log:   log,
		state: StateRunning,
		wake:  make(chan struct{}, opts.Max),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Submit queues task, spawning a worker while none is idle and the pool
// is below Max.
func (p *Pool) Submit(task func()) {
	p.mu.Lock()
	if p.state != StateRunning {
		p.inline++
		p.mu.Unlock()
		p.log.Warn("pool not running, executing task on caller")
		p.run(task)
		return
	}
	p.queue = append(p.queue, task)
	switch {
	case p.idle == 0 && p.workers < p.opts.Max:
		p.workers++
		if p.workers > p.largest {
			p.largest = p.workers
		}
		go p.worker()
	default:
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
	p.mu.Unlock()
}

func (p *Pool) worker() {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			task := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.mu.Unlock()

			p.run(task)

			p.mu.Lock()
			p.completed++
			p.mu.Unlock()
			continue
		}
		if p.state != StateRunning {
			p.retire()
			p.mu.Unlock()
			return
		}
		p.idle++
		p.mu.Unlock()

		timedOut := false
		timer := time.NewTimer(p.opts.KeepAlive)
		select {
		case <-p.wake:
		case <-p.stop:
		case <-timer.C:
			timedOut = true
		}
		timer.Stop()

		p.mu.Lock()
		p.idle--
		if timedOut && len(p.queue) == 0 && (p.workers > p.opts.Core || p.opts.AllowCoreTimeout) {
			p.retire()
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
}

// retire must be called with mu held.
func (p *Pool) retire() {
	p.workers--
	if p.workers > 0 {
		return
	}
	if p.state == StateShutdown || p.opts.AllowCoreTimeout {
		p.terminate()
	}
}

// terminate must be called with mu held.
func (p *Pool) terminate() {
	if p.state == StateTerminated {
		return
	}
	p.state = StateTerminated
	close(p.done)
	p.log.Info("worker pool terminated", zap.Int64("completed", p.completed))
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.mu.Lock()
			p.panics++
			p.mu.Unlock()
			p.log.Error("task panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	task()
}

// Shutdown stops accepting queued work. Tasks already queued still run.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning {
		return
	}
	p.state = StateShutdown
	close(p.stop)
	if p.workers == 0 {
		p.terminate()
	}
}

// Wait blocks until the pool has terminated or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the pool terminates.
func (p *Pool) Done() <-chan struct{} { return p.done }

func (p *Pool) Terminated() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		State:     p.state,
		Workers:   p.workers,
		Idle:      p.idle,
		Queued:    len(p.queue),
		Largest:   p.largest,
		Completed: p.completed,
		Inline:    p.inline,
		Panics:    p.panics,
	}
}
