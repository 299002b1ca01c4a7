package hostscan

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

// MaxAddresses caps how many hosts one range may expand to.
const MaxAddresses = 65536

var ErrRangeTooLarge = errors.New("address range too large")

// Expand lists the host addresses of cidr. For IPv4 prefixes shorter
// than /31 the network and broadcast addresses are dropped.
func Expand(cidr string) ([]netip.Addr, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		// a bare address is a range of one
		addr, aerr := netip.ParseAddr(cidr)
		if aerr != nil {
			return nil, fmt.Errorf("parse range %q: %w", cidr, err)
		}
		return []netip.Addr{addr}, nil
	}
	prefix = prefix.Masked()

	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	if hostBits > 16 {
		return nil, fmt.Errorf("%s: %w", cidr, ErrRangeTooLarge)
	}
	size := 1 << hostBits
	if size > MaxAddresses {
		return nil, fmt.Errorf("%s: %w", cidr, ErrRangeTooLarge)
	}

	out := make([]netip.Addr, 0, size)
	for a := prefix.Addr(); prefix.Contains(a); a = a.Next() {
		out = append(out, a)
	}
	if prefix.Addr().Is4() && prefix.Bits() < 31 && len(out) > 2 {
		out = out[1 : len(out)-1]
	}
	return out, nil
}

// Prober checks one address.
type Prober interface {
	Probe(ctx context.Context, addr netip.Addr) (scans.DiscoveredHost, error)
}

// Scanner fans a probe out over a range.
type Scanner struct {
	Prober      Prober
	Parallelism int
	Log         *zap.Logger
}

// Scan probes every address of cidr and returns the reachable hosts in
// address order. On cancellation it returns what was found so far.
func (s *Scanner) Scan(ctx context.Context, cidr string) ([]scans.DiscoveredHost, error) {
	addrs, err := Expand(cidr)
	if err != nil {
		return nil, err
	}
	par := s.Parallelism
	if par <= 0 {
		par = 32
	}
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}

	var (
		mu    sync.Mutex
		found []scans.DiscoveredHost
		wg    sync.WaitGroup
		sem   = make(chan struct{}, par)
	)
loop:
	for _, a := range addrs {
		select {
		case <-ctx.Done():
			break loop
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(a netip.Addr) {
			defer wg.Done()
			defer func() { <-sem }()
			h, err := s.Prober.Probe(ctx, a)
			if err != nil {
				if !scans.IsCancellation(err) {
					log.Debug("probe failed", zap.String("address", a.String()), zap.Error(err))
				}
				return
			}
			if !h.Reachable {
				return
			}
			mu.Lock()
			found = append(found, h)
			mu.Unlock()
		}(a)
	}
	wg.Wait()

	sort.Slice(found, func(i, j int) bool {
		ai, _ := netip.ParseAddr(found[i].Address)
		aj, _ := netip.ParseAddr(found[j].Address)
		return ai.Less(aj)
	})
	if err := scans.Checkpoint(ctx); err != nil {
		return found, fmt.Errorf("host scan %s: %w", cidr, err)
	}
	return found, nil
}
