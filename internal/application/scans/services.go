package scans

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kyoulho/p-roro-sub011/internal/application"
	"github.com/kyoulho/p-roro-sub011/internal/domain/assessment"
	"github.com/kyoulho/p-roro-sub011/internal/domain/classify"
	"github.com/kyoulho/p-roro-sub011/internal/domain/cluster"
	"github.com/kyoulho/p-roro-sub011/internal/domain/detector"
	"github.com/kyoulho/p-roro-sub011/internal/domain/dialect"
	"github.com/kyoulho/p-roro-sub011/internal/domain/hostscan"
	domain "github.com/kyoulho/p-roro-sub011/internal/domain/scans"
	"github.com/kyoulho/p-roro-sub011/internal/domain/scenario"
)

// categoryOrder is the order categories run in for one target.
var categoryOrder = []domain.Category{
	domain.CategoryServer,
	domain.CategoryMiddleware,
	domain.CategoryDatabase,
	domain.CategoryCluster,
}

// DefaultKubeconfig is used when the target does not name one.
const DefaultKubeconfig = "$HOME/.kube/config"

// Service runs the discovery pipeline of one request. One Service is
// shared by every worker.
type Service struct {
	Dialects   *dialect.Registry
	Classifier *classify.Classifier
	Detectors  *detector.Registry
	Cluster    *cluster.Processor
	ClusterOps []cluster.Operation
	Kubeconfig string
	HostScan   *hostscan.Scanner
	Connector  domain.Connector
	Timeout    time.Duration
	Clock      application.Clock
	Log        *zap.Logger

	// OnRemoteCall is called once per command sent to a target.
	OnRemoteCall func()
}

// Result of one pipeline run. On cancellation it holds what was
// collected before the checkpoint that saw it.
type Result struct {
	Family      domain.OSFamily           `json:"family,omitempty"`
	Records     []domain.AssessmentRecord `json:"records,omitempty"`
	Hosts       []domain.DiscoveredHost   `json:"hosts,omitempty"`
	Cluster     *cluster.Summary          `json:"cluster,omitempty"`
	Summary     map[domain.Outcome]int    `json:"summary,omitempty"`
	RemoteCalls int64                     `json:"remote_calls"`
}

// Execute dispatches req to the host-range scan or the target pipeline.
func (s *Service) Execute(ctx context.Context, req *domain.ScanRequest) (Result, error) {
	if err := domain.Checkpoint(ctx); err != nil {
		return Result{}, fmt.Errorf("request %s: %w", req.ID, err)
	}
	if req.HostRange() {
		return s.scanRange(ctx, req)
	}
	return s.scanTarget(ctx, req)
}

func (s *Service) scanRange(ctx context.Context, req *domain.ScanRequest) (Result, error) {
	if s.HostScan == nil {
		return Result{}, errors.New("host scan not configured")
	}
	hosts, err := s.HostScan.Scan(ctx, req.CIDR)
	return Result{Hosts: hosts}, err
}

func (s *Service) scanTarget(ctx context.Context, req *domain.ScanRequest) (Result, error) {
	log := s.logger().With(zap.String("request_id", string(req.ID)), zap.String("target", req.Target.Address))
	runner := &remoteRunner{
		conn:     s.Connector,
		dialects: s.Dialects,
		target:   req.Target,
		timeout:  s.Timeout,
		onCall:   s.OnRemoteCall,
	}
	var res Result
	finish := func(agg *assessment.Aggregator) {
		res.RemoteCalls = runner.Calls()
		if agg != nil {
			res.Records = agg.Records()
			res.Summary = agg.Summary()
		}
	}

	family := req.Target.OS
	if family == "" {
		f, err := s.probeFamily(ctx, runner)
		if err != nil {
			finish(nil)
			return res, err
		}
		family = f
		log.Debug("os family probed", zap.String("family", string(family)))
	}
	// family tetap sampai scan selesai
	if err := s.Dialects.Supports(family); err != nil {
		finish(nil)
		return res, err
	}
	runner.family = family
	res.Family = family

	agg := assessment.New(s.now)
	procs := &processList{runner: runner, family: family}

	for _, cat := range s.categories(req) {
		if err := domain.Checkpoint(ctx); err != nil {
			finish(agg)
			return res, fmt.Errorf("before %s: %w", cat, err)
		}
		var err error
		switch cat {
		case domain.CategoryServer:
			err = s.detectServer(ctx, req.Target, runner, agg)
		case domain.CategoryMiddleware, domain.CategoryDatabase:
			err = s.detectProcesses(ctx, log, cat, req.Target, runner, procs, agg)
		case domain.CategoryCluster:
			res.Cluster, err = s.inventoryCluster(ctx, req, runner)
		}
		if err == nil {
			continue
		}
		var pe *domain.PersistenceError
		if domain.IsCancellation(err) || errors.As(err, &pe) {
			finish(agg)
			return res, err
		}
		// koneksi gagal hanya menghentikan kategori ini
		log.Warn("category failed", zap.String("category", string(cat)), zap.Error(err))
	}
	finish(agg)
	return res, nil
}

// probeFamily asks the target which shell it speaks.
func (s *Service) probeFamily(ctx context.Context, r *remoteRunner) (domain.OSFamily, error) {
	out, err := r.Exec(ctx, "uname -s")
	if err == nil && strings.TrimSpace(out) != "" {
		return domain.OSUnix, nil
	}
	if domain.IsCancellation(err) {
		return "", err
	}
	out, err2 := r.Exec(ctx, "cmd /c ver")
	if err2 == nil && strings.Contains(strings.ToLower(out), "windows") {
		return domain.OSWindows, nil
	}
	if domain.IsCancellation(err2) {
		return "", err2
	}
	if err2 == nil {
		err2 = fmt.Errorf("unrecognised banner %q", strings.TrimSpace(out))
	}
	return "", fmt.Errorf("probe os family of %s: %w", r.target.Address, errors.Join(err, err2))
}

func (s *Service) detectServer(ctx context.Context, target domain.TargetHost, r *remoteRunner, agg *assessment.Aggregator) error {
	d, ok := s.Detectors.ForType(domain.TypeServer)
	if !ok {
		return nil
	}
	env := scenario.NewEnv(target, r.family, domain.ProcessRecord{}, r)
	res, err := d.Detect(ctx, env)
	agg.Add(target.Address, domain.ProcessRecord{}, res, err)
	if domain.IsCancellation(err) {
		return err
	}
	return nil
}

func (s *Service) detectProcesses(ctx context.Context, log *zap.Logger, cat domain.Category, target domain.TargetHost,
	r *remoteRunner, procs *processList, agg *assessment.Aggregator) error {
	list, err := procs.get(ctx)
	if err != nil {
		return fmt.Errorf("process list: %w", err)
	}
	for _, p := range list {
		if err := domain.Checkpoint(ctx); err != nil {
			return err
		}
		typ, ok := s.Classifier.Classify(p.Tokens)
		if !ok || typ.Category() != cat {
			continue
		}
		d, ok := s.Detectors.ForType(typ)
		if !ok {
			log.Debug("no detector for type", zap.String("type", string(typ)))
			continue
		}
		env := scenario.NewEnv(target, r.family, p, r)
		res, err := d.Detect(ctx, env)
		key := agg.Add(target.Address, p, res, err)
		switch {
		case err == nil:
		case domain.IsCancellation(err):
			return err
		default:
			// DetectionIncomplete tidak menghentikan proses lain
			log.Info("detection incomplete",
				zap.String("type", string(typ)),
				zap.String("pid", p.PID),
				zap.String("instance", key.Instance),
				zap.Error(err))
		}
	}
	return nil
}

func (s *Service) inventoryCluster(ctx context.Context, req *domain.ScanRequest, r *remoteRunner) (*cluster.Summary, error) {
	if s.Cluster == nil {
		return nil, nil
	}
	kubeconfig := req.Target.Kubeconfig
	if kubeconfig == "" {
		kubeconfig = s.Kubeconfig
	}
	if kubeconfig == "" {
		kubeconfig = DefaultKubeconfig
	}
	ops := s.ClusterOps
	if ops == nil {
		ops = cluster.DefaultOperations()
	}
	sum, err := s.Cluster.Process(ctx, req.ID, r, map[string]string{"KUBECONFIG": kubeconfig}, ops)
	return &sum, err
}

func (s *Service) categories(req *domain.ScanRequest) []domain.Category {
	if len(req.Categories) == 0 {
		return categoryOrder[:3]
	}
	var out []domain.Category
	for _, c := range categoryOrder {
		if req.Wants(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}

func (s *Service) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// processList fetches the process list at most once per target.
type processList struct {
	runner  *remoteRunner
	family  domain.OSFamily
	fetched bool
	list    []domain.ProcessRecord
	err     error
}

func (p *processList) get(ctx context.Context) ([]domain.ProcessRecord, error) {
	if p.fetched {
		return p.list, p.err
	}
	out, err := p.runner.Run(ctx, dialect.OpProcessList)
	if domain.IsCancellation(err) {
		return nil, err
	}
	p.fetched = true
	if err != nil {
		p.err = err
		return nil, err
	}
	p.list = classify.ParseProcessList(p.family, out)
	return p.list, nil
}
