package scans

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kyoulho/p-roro-sub011/internal/application"
	"github.com/kyoulho/p-roro-sub011/internal/application/worker"
	domain "github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

var ErrNotStarted = errors.New("orchestrator not started")

const reconcileMessage = "interrupted by restart"

// Pipeline executes one request. *Service is the production one.
type Pipeline interface {
	Execute(ctx context.Context, req *domain.ScanRequest) (Result, error)
}

// Observer receives lifecycle counters. middleware.Metrics implements it.
type Observer interface {
	ScanQueued()
	ScanStarted()
	// ScanFinished is called for requests that reached processing.
	ScanFinished(status domain.Status, took time.Duration)
	// ScanDropped is called for requests that went terminal from queued.
	ScanDropped(status domain.Status)
}

type nopObserver struct{}

func (nopObserver) ScanQueued()                               {}
func (nopObserver) ScanStarted()                              {}
func (nopObserver) ScanFinished(domain.Status, time.Duration) {}
func (nopObserver) ScanDropped(domain.Status)                 {}

// OrchestratorOptions tunes the scheduling loops.
type OrchestratorOptions struct {
	ScheduleDelay   time.Duration
	BatchSize       int
	JobTimeout      time.Duration
	FinalizeTimeout time.Duration
}

// Orchestrator drains queued requests through the supervised pool and
// guarantees each accepted request a terminal status.
type Orchestrator struct {
	Repo      domain.Repository
	Pipeline  Pipeline
	Artifacts domain.ArtifactStore
	Notifier  domain.Notifier
	Workers   *worker.Supervisor
	Clock     application.Clock
	Observer  Observer
	Log       *zap.Logger
	Options   OrchestratorOptions

	mu       sync.Mutex
	inflight map[domain.RequestID]context.CancelFunc
	started  bool
	stopping bool
	stopLoop context.CancelFunc
	loops    sync.WaitGroup
}

// Start reconciles requests a previous run left in processing, submits
// every queued request and starts the supervisor and scheduler loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	n, err := o.Repo.Reconcile(ctx, domain.StatusProcessing, domain.StatusFailed, reconcileMessage, o.now())
	if err != nil {
		return &domain.PersistenceError{Op: "reconcile", Err: err}
	}
	if n > 0 {
		o.log().Warn("reconciled interrupted requests", zap.Int64("count", n))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	if o.inflight == nil {
		o.inflight = make(map[domain.RequestID]context.CancelFunc)
	}
	o.started = true
	o.stopLoop = cancel
	o.mu.Unlock()

	if err := o.pickup(ctx); err != nil {
		o.log().Error("initial pickup failed", zap.Error(err))
	}

	o.loops.Add(2)
	go func() {
		defer o.loops.Done()
		o.Workers.Run(loopCtx)
	}()
	go func() {
		defer o.loops.Done()
		o.schedule(loopCtx)
	}()
	o.log().Info("orchestrator started", zap.Duration("schedule_delay", o.delay()))
	return nil
}

func (o *Orchestrator) schedule(ctx context.Context) {
	ticker := time.NewTicker(o.delay())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := o.pickup(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.log().Error("scheduled pickup failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// pickup submits queued rows that are not already in flight.
func (o *Orchestrator) pickup(ctx context.Context) error {
	batch := o.Options.BatchSize
	if batch <= 0 {
		batch = 500
	}
	reqs, err := o.Repo.ListByStatus(ctx, domain.StatusQueued, batch)
	if err != nil {
		return err
	}
	for _, r := range reqs {
		o.enqueue(r)
	}
	return nil
}

// Submit persists req as queued and hands it to the pool.
func (o *Orchestrator) Submit(ctx context.Context, req *domain.ScanRequest) (*domain.ScanRequest, error) {
	o.mu.Lock()
	started, stopping := o.started, o.stopping
	o.mu.Unlock()
	if !started || stopping {
		return nil, ErrNotStarted
	}

	if req.ID == "" {
		req.ID = domain.RequestID(uuid.New().String())
	}
	req.Status = domain.StatusQueued
	req.QueuedAt = o.now()

	// Reserve before the row exists: a pickup racing with Create must see
	// the id as in flight, or it would run the stored copy, which has no
	// credentials.
	jobCtx, cancel, err := o.reserve(req.ID)
	if err != nil {
		return nil, err
	}
	if err := o.Repo.Create(ctx, req); err != nil {
		cancel()
		o.unregister(req.ID)
		return nil, &domain.PersistenceError{Op: "create request", Err: err}
	}
	o.observer().ScanQueued()
	o.publish(req, domain.StatusQueued, "", 0)
	o.dispatch(jobCtx, cancel, req)
	return req, nil
}

// Cancel stops an in-flight request, or moves a queued one that is not in
// memory straight to canceled.
func (o *Orchestrator) Cancel(ctx context.Context, project string, id domain.RequestID) error {
	req, err := o.Repo.Get(ctx, project, id)
	if err != nil {
		return err
	}
	o.mu.Lock()
	cancel, ok := o.inflight[id]
	o.mu.Unlock()
	if ok {
		cancel()
		o.log().Info("cancel requested", zap.String("request_id", string(id)))
		return nil
	}
	if req.Status != domain.StatusQueued {
		return fmt.Errorf("request %s is %s: %w", id, req.Status, domain.ErrInvalidTransition)
	}
	if err := o.Repo.Transition(ctx, id, domain.StatusCanceled, "canceled before pickup", o.now()); err != nil {
		return err
	}
	o.observer().ScanDropped(domain.StatusCanceled)
	o.publish(req, domain.StatusCanceled, "canceled before pickup", 0)
	return nil
}

// Ready reports whether Start finished and Stop has not begun.
func (o *Orchestrator) Ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started && !o.stopping
}

// InFlight reports how many requests are registered.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// reserve registers id as in flight. It fails for duplicates and while
// stopping.
func (o *Orchestrator) reserve(id domain.RequestID) (context.Context, context.CancelFunc, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopping {
		return nil, nil, ErrNotStarted
	}
	if _, dup := o.inflight[id]; dup {
		return nil, nil, fmt.Errorf("request %s already in flight: %w", id, domain.ErrInvalidTransition)
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.inflight[id] = cancel
	return ctx, cancel, nil
}

func (o *Orchestrator) enqueue(req *domain.ScanRequest) {
	ctx, cancel, err := o.reserve(req.ID)
	if err != nil {
		return
	}
	o.dispatch(ctx, cancel, req)
}

// dispatch hands a reserved request to the pool.
func (o *Orchestrator) dispatch(ctx context.Context, cancel context.CancelFunc, req *domain.ScanRequest) {
	snapshot := *req
	o.Workers.Submit(func() {
		defer o.unregister(snapshot.ID)
		defer cancel()
		o.runJob(ctx, &snapshot)
	})
}

func (o *Orchestrator) unregister(id domain.RequestID) {
	o.mu.Lock()
	delete(o.inflight, id)
	o.mu.Unlock()
}

func (o *Orchestrator) isStopping() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopping
}

func (o *Orchestrator) runJob(ctx context.Context, req *domain.ScanRequest) {
	log := o.log().With(zap.String("request_id", string(req.ID)), zap.String("project_id", req.ProjectID))
	if o.isStopping() {
		// tetap queued, diambil lagi saat start berikutnya
		return
	}

	// checkpoint antrian
	if ctx.Err() != nil {
		o.finish(log, req, domain.StatusCanceled, "canceled while queued", 0, -1)
		return
	}

	tctx, tcancel := context.WithTimeout(context.Background(), o.finalizeTimeout())
	err := o.Repo.Transition(tctx, req.ID, domain.StatusProcessing, "", o.now())
	tcancel()
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			log.Info("request no longer queued, skipping", zap.Error(err))
		} else {
			log.Error("could not mark processing, left queued", zap.Error(err))
		}
		return
	}
	started := o.now()
	o.observer().ScanStarted()
	o.publish(req, domain.StatusProcessing, "", 0)

	status := domain.StatusFailed
	message := ""
	records := 0
	defer func() {
		if r := recover(); r != nil {
			status = domain.StatusFailed
			message = fmt.Sprintf("panic: %v", r)
			log.Error("job panicked", zap.String("panic", fmt.Sprint(r)))
		}
		took := o.now().Sub(started)
		if took < 0 {
			took = 0
		}
		o.finish(log, req, status, message, records, took)
	}()

	jobCtx := ctx
	if o.Options.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, o.Options.JobTimeout)
		defer cancel()
	}

	res, runErr := o.Pipeline.Execute(jobCtx, req)
	records = len(res.Records) + len(res.Hosts)

	// hasil parsial tetap disimpan walau dibatalkan
	if err := o.persist(req, res); err != nil {
		status, message = domain.StatusFailed, err.Error()
		log.Error("persist results failed", zap.Error(err))
		return
	}

	switch {
	case runErr == nil:
		status = domain.StatusCompleted
		log.Info("scan completed", zap.Int("records", records), zap.Int64("remote_calls", res.RemoteCalls))
	case domain.IsCancellation(runErr):
		status, message = domain.StatusCanceled, "canceled"
		log.Info("scan canceled", zap.Int("records", records))
	default:
		status, message = domain.StatusFailed, runErr.Error()
		log.Error("scan failed", zap.Error(runErr))
	}
}

// persist uses its own context so partial results of a canceled job are
// still written.
func (o *Orchestrator) persist(req *domain.ScanRequest, res Result) error {
	ctx, cancel := context.WithTimeout(context.Background(), o.finalizeTimeout())
	defer cancel()

	if len(res.Records) > 0 {
		if err := o.Repo.SaveRecords(ctx, req.ID, res.Records); err != nil {
			return &domain.PersistenceError{Op: "save records", Err: err}
		}
	}
	if len(res.Hosts) > 0 {
		if err := o.Repo.SaveDiscoveredHosts(ctx, req.ID, res.Hosts); err != nil {
			return &domain.PersistenceError{Op: "save hosts", Err: err}
		}
	}
	if o.Artifacts == nil {
		return nil
	}
	data, err := json.Marshal(struct {
		Request *domain.ScanRequest `json:"request"`
		Result  Result              `json:"result"`
	}{req, res})
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	key := fmt.Sprintf("%s/%s.json", req.ProjectID, req.ID)
	url, err := o.Artifacts.PutJSON(ctx, key, data)
	if err != nil {
		return &domain.PersistenceError{Op: "upload artifact", Err: err}
	}
	if err := o.Repo.SetArtifact(ctx, req.ID, url); err != nil {
		return &domain.PersistenceError{Op: "set artifact", Err: err}
	}
	return nil
}

// finish writes the terminal status. A negative took means the request
// never reached processing.
func (o *Orchestrator) finish(log *zap.Logger, req *domain.ScanRequest, status domain.Status, message string, records int, took time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), o.finalizeTimeout())
	defer cancel()
	if err := o.Repo.Transition(ctx, req.ID, status, message, o.now()); err != nil {
		log.Error("terminal status not written", zap.String("status", string(status)), zap.Error(err))
		return
	}
	if took < 0 {
		o.observer().ScanDropped(status)
	} else {
		o.observer().ScanFinished(status, took)
	}
	o.publish(req, status, message, records)
}

func (o *Orchestrator) publish(req *domain.ScanRequest, status domain.Status, message string, records int) {
	if o.Notifier == nil {
		return
	}
	o.Notifier.Publish(context.Background(), domain.Event{
		RequestID: req.ID,
		ProjectID: req.ProjectID,
		Status:    status,
		Message:   message,
		Records:   records,
		At:        o.now(),
	})
}

// Stop stops the loops, lets running jobs finish until ctx is done and
// leaves queued work in the repository for the next start.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started || o.stopping {
		o.mu.Unlock()
		return nil
	}
	o.stopping = true
	stop := o.stopLoop
	running := len(o.inflight)
	o.mu.Unlock()

	o.log().Info("orchestrator stopping", zap.Int("in_flight", running))
	stop()
	o.loops.Wait()
	return o.Workers.Stop(ctx)
}

func (o *Orchestrator) now() time.Time {
	if o.Clock == nil {
		return time.Now()
	}
	return o.Clock.Now()
}

func (o *Orchestrator) delay() time.Duration {
	if o.Options.ScheduleDelay <= 0 {
		return 10 * time.Second
	}
	return o.Options.ScheduleDelay
}

func (o *Orchestrator) finalizeTimeout() time.Duration {
	if o.Options.FinalizeTimeout <= 0 {
		return 30 * time.Second
	}
	return o.Options.FinalizeTimeout
}

func (o *Orchestrator) observer() Observer {
	if o.Observer == nil {
		return nopObserver{}
	}
	return o.Observer
}

func (o *Orchestrator) log() *zap.Logger {
	if o.Log == nil {
		return zap.NewNop()
	}
	return o.Log
}
