package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kyoulho/p-roro-sub011/internal/domain/cluster"
	domain "github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

// Repository keeps requests and results in process memory. It is used
// by `serve --store memory` and by tests.
type Repository struct {
	mu       sync.RWMutex
	requests map[domain.RequestID]*domain.ScanRequest
	order    []domain.RequestID
	records  map[domain.RequestID][]domain.AssessmentRecord
	hosts    map[domain.RequestID][]domain.DiscoveredHost

	origins map[domain.RequestID][]Origin
	objects map[domain.RequestID][]cluster.Object
	links   map[domain.RequestID][]Link
	nextID  int64
}

// Origin is one raw command output kept for audit.
type Origin struct {
	Operation string
	Raw       string
}

// Link is one parent -> child relation.
type Link struct {
	Parent   int64
	Child    int64
	Relation string
}

func NewRepository() *Repository {
	return &Repository{
		requests: make(map[domain.RequestID]*domain.ScanRequest),
		records:  make(map[domain.RequestID][]domain.AssessmentRecord),
		hosts:    make(map[domain.RequestID][]domain.DiscoveredHost),
		origins:  make(map[domain.RequestID][]Origin),
		objects:  make(map[domain.RequestID][]cluster.Object),
		links:    make(map[domain.RequestID][]Link),
	}
}

func clone(r *domain.ScanRequest) *domain.ScanRequest {
	c := *r
	c.Categories = append([]domain.Category(nil), r.Categories...)
	return &c
}

func (m *Repository) Create(_ context.Context, r *domain.ScanRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("request %s already exists", r.ID)
	}
	m.requests[r.ID] = clone(r)
	m.order = append(m.order, r.ID)
	return nil
}

func (m *Repository) Get(_ context.Context, project string, id domain.RequestID) (*domain.ScanRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok || r.ProjectID != project {
		return nil, domain.ErrNotFound
	}
	return clone(r), nil
}

func (m *Repository) ListByStatus(_ context.Context, status domain.Status, limit int) ([]*domain.ScanRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ScanRequest
	for _, id := range m.order {
		r := m.requests[id]
		if r.Status != status {
			continue
		}
		out = append(out, clone(r))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Repository) Transition(_ context.Context, id domain.RequestID, to domain.Status, message string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !domain.CanTransition(r.Status, to) {
		return fmt.Errorf("%s -> %s: %w", r.Status, to, domain.ErrInvalidTransition)
	}
	apply(r, to, message, at)
	return nil
}

func (m *Repository) Reconcile(_ context.Context, from, to domain.Status, message string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.requests {
		if r.Status == from {
			apply(r, to, message, at)
			n++
		}
	}
	return n, nil
}

func apply(r *domain.ScanRequest, to domain.Status, message string, at time.Time) {
	r.Status = to
	r.Message = message
	switch {
	case to == domain.StatusProcessing:
		t := at
		r.StartedAt = &t
	case to.Terminal():
		t := at
		r.FinishedAt = &t
	}
}

func (m *Repository) SaveRecords(_ context.Context, id domain.RequestID, records []domain.AssessmentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = append(m.records[id], records...)
	return nil
}

func (m *Repository) ListRecords(_ context.Context, id domain.RequestID) ([]domain.AssessmentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.AssessmentRecord(nil), m.records[id]...), nil
}

func (m *Repository) SaveDiscoveredHosts(_ context.Context, id domain.RequestID, hosts []domain.DiscoveredHost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosts[id] = append(m.hosts[id], hosts...)
	return nil
}

func (m *Repository) SetArtifact(_ context.Context, id domain.RequestID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.ArtifactURL = url
	return nil
}

// Hosts returns the discovered hosts of a request.
func (m *Repository) Hosts(id domain.RequestID) []domain.DiscoveredHost {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.DiscoveredHost(nil), m.hosts[id]...)
}

// CountByStatus is a test and debug helper.
func (m *Repository) CountByStatus() map[domain.Status]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.Status]int)
	for _, r := range m.requests {
		out[r.Status]++
	}
	return out
}

// ==== cluster.Store ====

func (m *Repository) SaveOrigin(_ context.Context, id domain.RequestID, op, raw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.origins[id] = append(m.origins[id], Origin{Operation: op, Raw: raw})
	return nil
}

func (m *Repository) SaveObject(_ context.Context, id domain.RequestID, obj cluster.Object) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	obj.ID = m.nextID
	m.objects[id] = append(m.objects[id], obj)
	return obj.ID, nil
}

func (m *Repository) FindObject(_ context.Context, id domain.RequestID, kind, namespace, name string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.objects[id] {
		if o.Kind == kind && o.Namespace == namespace && o.Name == name {
			return o.ID, true, nil
		}
	}
	return 0, false, nil
}

func (m *Repository) Link(_ context.Context, id domain.RequestID, parent, child int64, relation string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[id] = append(m.links[id], Link{Parent: parent, Child: child, Relation: relation})
	return nil
}

// Origins returns the raw outputs saved for a request, by operation.
func (m *Repository) Origins(id domain.RequestID) []Origin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Origin(nil), m.origins[id]...)
}

// Objects returns the cluster objects of a request sorted by id.
func (m *Repository) Objects(id domain.RequestID) []cluster.Object {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]cluster.Object(nil), m.objects[id]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Links returns the relations of a request.
func (m *Repository) Links(id domain.RequestID) []Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Link(nil), m.links[id]...)
}
