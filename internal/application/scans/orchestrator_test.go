package scans

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kyoulho/p-roro-sub011/internal/application"
	"github.com/kyoulho/p-roro-sub011/internal/application/worker"
	domain "github.com/kyoulho/p-roro-sub011/internal/domain/scans"
	"github.com/kyoulho/p-roro-sub011/internal/infra/db/memory"
)

type pipelineFunc func(ctx context.Context, req *domain.ScanRequest) (Result, error)

func (f pipelineFunc) Execute(ctx context.Context, req *domain.ScanRequest) (Result, error) {
	return f(ctx, req)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (n *recordingNotifier) Publish(_ context.Context, ev domain.Event) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *recordingNotifier) statuses(id domain.RequestID) []domain.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.Status
	for _, ev := range n.events {
		if ev.RequestID == id {
			out = append(out, ev.Status)
		}
	}
	return out
}

type memArtifacts struct {
	mu   sync.Mutex
	keys []string
}

func (a *memArtifacts) PutJSON(_ context.Context, key string, _ []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, key)
	return "mem://" + key, nil
}

func newOrchestrator(repo domain.Repository, p Pipeline, n domain.Notifier) *Orchestrator {
	return &Orchestrator{
		Repo:     repo,
		Pipeline: p,
		Notifier: n,
		Workers: worker.NewSupervisor(worker.SupervisorOptions{
			Pool:          worker.Options{Core: 1, Max: 10, KeepAlive: 50 * time.Millisecond},
			Period:        10 * time.Millisecond,
			MonitorPeriod: 10 * time.Millisecond,
		}),
		Options: OrchestratorOptions{ScheduleDelay: 10 * time.Millisecond, FinalizeTimeout: time.Second},
	}
}

func waitTerminal(t *testing.T, repo *memory.Repository, total int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		c := repo.CountByStatus()
		if c[domain.StatusCompleted]+c[domain.StatusFailed]+c[domain.StatusCanceled] == total {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("not all requests terminal: %v", repo.CountByStatus())
}

func TestThreeHundredRequestsAllReachTerminal(t *testing.T) {
	repo := memory.NewRepository()
	var ran atomic.Int32
	p := pipelineFunc(func(ctx context.Context, req *domain.ScanRequest) (Result, error) {
		ran.Add(1)
		time.Sleep(time.Millisecond)
		if req.ProjectID == "bad" {
			return Result{}, errors.New("connect refused")
		}
		return Result{Records: []domain.AssessmentRecord{{Key: domain.RecordKey{Target: req.Target.Address}}}}, nil
	})
	o := newOrchestrator(repo, p, nil)
	ctx := context.Background()
	if err := o.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer o.Stop(ctx)

	for i := 0; i < 300; i++ {
		project := "p"
		if i%10 == 0 {
			project = "bad"
		}
		req := &domain.ScanRequest{ProjectID: project, Target: domain.TargetHost{Address: fmt.Sprintf("10.0.%d.%d", i/250, i%250)}}
		if _, err := o.Submit(ctx, req); err != nil {
			t.Fatal(err)
		}
	}
	waitTerminal(t, repo, 300)

	c := repo.CountByStatus()
	if c[domain.StatusCompleted] != 270 || c[domain.StatusFailed] != 30 {
		t.Fatalf("counts = %v", c)
	}
	if ran.Load() != 300 {
		t.Fatalf("pipeline ran %d times, want 300", ran.Load())
	}
	if st := o.Workers.Stats(); st.Largest > 10 || st.Inline != 0 {
		t.Fatalf("pool stats = %+v", st)
	}
}

func TestStartReconcilesBeforeAcceptingWork(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	_ = repo.Create(ctx, &domain.ScanRequest{ID: "stuck", ProjectID: "p", Status: domain.StatusQueued})
	_ = repo.Transition(ctx, "stuck", domain.StatusProcessing, "", time.Now())
	_ = repo.Create(ctx, &domain.ScanRequest{ID: "waiting", ProjectID: "p", Status: domain.StatusQueued})

	var seen sync.Map
	p := pipelineFunc(func(_ context.Context, req *domain.ScanRequest) (Result, error) {
		seen.Store(req.ID, true)
		return Result{}, nil
	})
	o := newOrchestrator(repo, p, nil)
	if _, err := o.Submit(ctx, &domain.ScanRequest{ProjectID: "p"}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("submit before start err = %v", err)
	}
	if err := o.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer o.Stop(ctx)
	waitTerminal(t, repo, 2)

	stuck, _ := repo.Get(ctx, "p", "stuck")
	if stuck.Status != domain.StatusFailed || stuck.Message != "interrupted by restart" {
		t.Fatalf("stuck = %+v", stuck)
	}
	if _, ok := seen.Load(domain.RequestID("stuck")); ok {
		t.Fatal("reconciled request must not run")
	}
	waiting, _ := repo.Get(ctx, "p", "waiting")
	if waiting.Status != domain.StatusCompleted {
		t.Fatalf("waiting = %+v", waiting)
	}
}

func TestCancelRunningKeepsPartialRecords(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	notes := &recordingNotifier{}
	running := make(chan struct{})
	p := pipelineFunc(func(ctx context.Context, req *domain.ScanRequest) (Result, error) {
		close(running)
		<-ctx.Done()
		partial := []domain.AssessmentRecord{{Key: domain.RecordKey{Target: "h", Type: domain.TypeTomcat}, Outcome: domain.OutcomeCanceled}}
		return Result{Records: partial}, fmt.Errorf("scan: %w", domain.ErrCanceled)
	})
	o := newOrchestrator(repo, p, notes)
	arts := &memArtifacts{}
	o.Artifacts = arts
	if err := o.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer o.Stop(ctx)

	req, err := o.Submit(ctx, &domain.ScanRequest{ProjectID: "p", Target: domain.TargetHost{Address: "h"}})
	if err != nil {
		t.Fatal(err)
	}
	<-running
	if err := o.Cancel(ctx, "p", req.ID); err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, repo, 1)

	got, _ := repo.Get(ctx, "p", req.ID)
	if got.Status != domain.StatusCanceled || got.ArtifactURL == "" {
		t.Fatalf("request = %+v", got)
	}
	recs, _ := repo.ListRecords(ctx, req.ID)
	if len(recs) != 1 {
		t.Fatalf("partial records = %+v", recs)
	}
	want := []domain.Status{domain.StatusQueued, domain.StatusProcessing, domain.StatusCanceled}
	gotEv := notes.statuses(req.ID)
	if fmt.Sprint(gotEv) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", gotEv, want)
	}
}

func TestCancelQueuedNotInMemory(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	_ = repo.Create(ctx, &domain.ScanRequest{ID: "q", ProjectID: "p", Status: domain.StatusQueued})
	o := newOrchestrator(repo, pipelineFunc(func(context.Context, *domain.ScanRequest) (Result, error) {
		return Result{}, nil
	}), nil)
	clock := application.NewManualClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	o.Clock = clock

	if err := o.Cancel(ctx, "p", "q"); err != nil {
		t.Fatal(err)
	}
	got, _ := repo.Get(ctx, "p", "q")
	if got.Status != domain.StatusCanceled {
		t.Fatalf("status = %s", got.Status)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(clock.Now()) {
		t.Fatalf("finished at = %v, want %v", got.FinishedAt, clock.Now())
	}
	if err := o.Cancel(ctx, "p", "q"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second cancel err = %v", err)
	}
	if err := o.Cancel(ctx, "p", "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
}

func TestPanicStillReachesTerminal(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	o := newOrchestrator(repo, pipelineFunc(func(context.Context, *domain.ScanRequest) (Result, error) {
		panic("detector bug")
	}), nil)
	if err := o.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer o.Stop(ctx)

	req, err := o.Submit(ctx, &domain.ScanRequest{ProjectID: "p"})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, repo, 1)
	got, _ := repo.Get(ctx, "p", req.ID)
	if got.Status != domain.StatusFailed || got.Message != "panic: detector bug" {
		t.Fatalf("request = %+v", got)
	}
}

type failingRecords struct {
	*memory.Repository
}

func (failingRecords) SaveRecords(context.Context, domain.RequestID, []domain.AssessmentRecord) error {
	return errors.New("deadlock found")
}

func TestPersistenceErrorMarksFailed(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewRepository()
	o := newOrchestrator(failingRecords{mem}, pipelineFunc(func(context.Context, *domain.ScanRequest) (Result, error) {
		return Result{Records: []domain.AssessmentRecord{{}}}, nil
	}), nil)
	if err := o.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer o.Stop(ctx)

	req, err := o.Submit(ctx, &domain.ScanRequest{ProjectID: "p"})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, mem, 1)
	got, _ := mem.Get(ctx, "p", req.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s (%s)", got.Status, got.Message)
	}
}

// credentialless lists requests the way the SQL backends do, without
// passwords or keys, and runs a scheduler pass right after each row is
// committed.
type credentialless struct {
	*memory.Repository
	o *Orchestrator
}

func (r *credentialless) Create(ctx context.Context, req *domain.ScanRequest) error {
	if err := r.Repository.Create(ctx, req); err != nil {
		return err
	}
	return r.o.pickup(ctx)
}

func (r *credentialless) ListByStatus(ctx context.Context, s domain.Status, limit int) ([]*domain.ScanRequest, error) {
	reqs, err := r.Repository.ListByStatus(ctx, s, limit)
	for _, q := range reqs {
		q.Target.Password, q.Target.PrivateKey = "", ""
	}
	return reqs, err
}

func TestSubmitKeepsCredentialsWhenPickupRaces(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewRepository()
	seen := make(chan string, 2)
	p := pipelineFunc(func(_ context.Context, req *domain.ScanRequest) (Result, error) {
		seen <- req.Target.Password
		return Result{}, nil
	})
	repo := &credentialless{Repository: mem}
	o := newOrchestrator(repo, p, nil)
	repo.o = o
	if err := o.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer o.Stop(ctx)

	req, err := o.Submit(ctx, &domain.ScanRequest{ProjectID: "p", Target: domain.TargetHost{Address: "h", Username: "scan", Password: "secret"}})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, mem, 1)
	if got := <-seen; got != "secret" {
		t.Fatalf("password seen by pipeline = %q", got)
	}
	select {
	case extra := <-seen:
		t.Fatalf("request %s ran twice (second password %q)", req.ID, extra)
	case <-time.After(50 * time.Millisecond):
	}
}

type failingCreate struct {
	*memory.Repository
}

func (failingCreate) Create(context.Context, *domain.ScanRequest) error {
	return errors.New("connection reset")
}

func TestSubmitCreateFailureReleasesReservation(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(failingCreate{memory.NewRepository()}, pipelineFunc(func(context.Context, *domain.ScanRequest) (Result, error) {
		return Result{}, nil
	}), nil)
	if err := o.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer o.Stop(ctx)

	_, err := o.Submit(ctx, &domain.ScanRequest{ID: "r1", ProjectID: "p"})
	var pe *domain.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v", err)
	}
	if n := o.InFlight(); n != 0 {
		t.Fatalf("in flight after failed create = %d", n)
	}
}
