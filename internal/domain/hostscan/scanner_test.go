package hostscan

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

func TestExpand(t *testing.T) {
	cases := []struct {
		cidr  string
		n     int
		first string
		last  string
	}{
		{"10.0.0.0/30", 2, "10.0.0.1", "10.0.0.2"},
		{"10.0.0.0/31", 2, "10.0.0.0", "10.0.0.1"},
		{"10.0.0.7/32", 1, "10.0.0.7", "10.0.0.7"},
		{"10.0.0.9", 1, "10.0.0.9", "10.0.0.9"},
		{"192.168.1.77/24", 254, "192.168.1.1", "192.168.1.254"},
		{"10.1.0.0/16", 65534, "10.1.0.1", "10.1.255.254"},
		{"fd00::/126", 4, "fd00::", "fd00::3"},
	}
	for _, c := range cases {
		got, err := Expand(c.cidr)
		if err != nil {
			t.Fatalf("%s: %v", c.cidr, err)
		}
		if len(got) != c.n || got[0].String() != c.first || got[len(got)-1].String() != c.last {
			t.Errorf("%s: n=%d first=%s last=%s", c.cidr, len(got), got[0], got[len(got)-1])
		}
	}
}

func TestExpandRejects(t *testing.T) {
	if _, err := Expand("10.0.0.0/15"); !errors.Is(err, ErrRangeTooLarge) {
		t.Fatalf("err = %v", err)
	}
	if _, err := Expand("not-an-address"); err == nil {
		t.Fatal("expected parse error")
	}
}

type fakeProber struct {
	live     map[string]bool
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (p *fakeProber) Probe(ctx context.Context, a netip.Addr) (scans.DiscoveredHost, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	return scans.DiscoveredHost{Address: a.String(), Reachable: p.live[a.String()], TTL: 64}, nil
}

func TestScanReturnsReachableSorted(t *testing.T) {
	p := &fakeProber{live: map[string]bool{"10.0.0.9": true, "10.0.0.3": true, "10.0.0.20": true}}
	s := &Scanner{Prober: p, Parallelism: 4}
	hosts, err := s.Scan(context.Background(), "10.0.0.0/27")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"10.0.0.3", "10.0.0.9", "10.0.0.20"}
	if len(hosts) != len(want) {
		t.Fatalf("hosts = %+v", hosts)
	}
	for i, h := range hosts {
		if h.Address != want[i] {
			t.Errorf("hosts[%d] = %s, want %s", i, h.Address, want[i])
		}
	}
	if p.peak.Load() > 4 {
		t.Fatalf("parallelism exceeded: %d", p.peak.Load())
	}
}

func TestScanCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &Scanner{Prober: &fakeProber{}, Parallelism: 2}
	_, err := s.Scan(ctx, "10.0.0.0/24")
	if !scans.IsCancellation(err) {
		t.Fatalf("err = %v", err)
	}
}

type blockingProber struct{}

func (blockingProber) Probe(ctx context.Context, a netip.Addr) (scans.DiscoveredHost, error) {
	<-ctx.Done()
	return scans.DiscoveredHost{Address: a.String()}, ctx.Err()
}

func TestScanDeadlineIsFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s := &Scanner{Prober: blockingProber{}, Parallelism: 2}
	_, err := s.Scan(ctx, "10.0.0.0/29")
	if !errors.Is(err, context.DeadlineExceeded) || scans.IsCancellation(err) {
		t.Fatalf("err = %v, want deadline failure", err)
	}
}
