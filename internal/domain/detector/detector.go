package detector

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/kyoulho/p-roro-sub011/internal/domain/scans"
	"github.com/kyoulho/p-roro-sub011/internal/domain/scenario"
)

// Fact names shared by the built-in detectors.
const (
	FactExecPath     = "exec_path"
	FactInstallPath  = "install_path"
	FactInstancePath = "instance_path"
	FactConfigPath   = "config_path"
	FactVersion      = "version"
	FactName         = "instance_name"
	FactJavaVersion  = "java_version"
	FactListenPort   = "listen_port"
	FactRunUser      = "run_user"

	FactHostname = "hostname"
	FactOSName   = "os_name"
	FactKernel   = "kernel"
	FactCPUCount = "cpu_count"
	FactMemoryKB = "memory_kb"
)

// Detector is a fixed pipeline of scenarios for one resource type.
type Detector struct {
	Type      scans.ResourceType
	Vendor    string
	Scenarios []scenario.Scenario
}

// Detect runs every scenario in order. A missing critical fact stops the
// run and returns the partial result with a DetectionIncompleteError; a
// cancellation also returns what was found so far.
func (d *Detector) Detect(ctx context.Context, env *scenario.Env) (scans.DetectResult, error) {
	res := scans.DetectResult{Type: d.Type, Vendor: d.Vendor, Facts: make(map[string]scans.Fact)}
	collect := func() {
		for k, v := range env.Facts {
			res.Facts[k] = v
		}
	}

	for i, s := range d.Scenarios {
		_, err := s.Run(ctx, env)
		switch {
		case err == nil:
		case scans.IsCancellation(err):
			collect()
			res.Missing = append(res.Missing, remaining(d.Scenarios[i:], env)...)
			return res, err
		case errors.Is(err, scans.ErrExtractionExhausted):
			res.Missing = append(res.Missing, s.Fact)
			if s.Critical {
				collect()
				res.Missing = append(res.Missing, remaining(d.Scenarios[i+1:], env)...)
				res.Incomplete = s.Fact
				return res, &scans.DetectionIncompleteError{Type: d.Type, Fact: s.Fact}
			}
		default:
			collect()
			return res, err
		}
	}
	collect()
	return res, nil
}

func remaining(rest []scenario.Scenario, env *scenario.Env) []string {
	var out []string
	for _, s := range rest {
		if _, ok := env.Facts[s.Fact]; !ok {
			out = append(out, s.Fact)
		}
	}
	return out
}

// Registry maps resource types to detectors.
type Registry struct {
	mu        sync.RWMutex
	detectors map[scans.ResourceType]*Detector
}

func NewRegistry() *Registry {
	return &Registry{detectors: make(map[scans.ResourceType]*Detector)}
}

// Register adds d, replacing any detector for the same type.
func (r *Registry) Register(d *Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectors[d.Type] = d
}

// ForType returns the detector for t. Unknown types return false and the
// caller skips the resource.
func (r *Registry) ForType(t scans.ResourceType) (*Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[t]
	return d, ok
}

// Types lists registered types in a stable order.
func (r *Registry) Types() []scans.ResourceType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]scans.ResourceType, 0, len(r.detectors))
	for t := range r.detectors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Default registers every built-in detector.
func Default() *Registry {
	r := NewRegistry()
	for _, d := range []*Detector{
		Server(),
		Tomcat(),
		JBoss(),
		WebLogic(),
		WebSphere(),
		Jeus(),
		WebToB(),
		Apache(),
		Nginx(),
	} {
		r.Register(d)
	}
	for _, d := range Databases() {
		r.Register(d)
	}
	return r
}
