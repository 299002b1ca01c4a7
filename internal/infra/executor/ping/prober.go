package ping

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"time"

	domain "github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

// TTLSets maps an OS guess to the initial TTL values it uses.
type TTLSets map[string][]int

// DefaultTTLSets returns the usual initial TTLs.
func DefaultTTLSets() TTLSets {
	return TTLSets{
		"linux":   {64},
		"windows": {128},
		"unix":    {254, 255},
	}
}

// Guess returns the OS whose initial TTL is the smallest one >= ttl,
// since each router hop decrements it.
func (s TTLSets) Guess(ttl int) string {
	if ttl <= 0 {
		return ""
	}
	best, bestTTL := "", 1<<30
	for osName, vals := range s {
		for _, v := range vals {
			if v >= ttl && v < bestTTL {
				best, bestTTL = osName, v
			}
		}
	}
	return best
}

// Prober runs the system ping.
type Prober struct {
	Timeout time.Duration
	Ports   []int
	TTLs    TTLSets

	// run executes the command; replaced in tests.
	run func(ctx context.Context, name string, args ...string) ([]byte, int, error)
}

func NewProber(timeout time.Duration, ports []int, ttls TTLSets) *Prober {
	if ttls == nil {
		ttls = DefaultTTLSets()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Prober{Timeout: timeout, Ports: ports, TTLs: ttls, run: runCommand}
}

var ttlRe = regexp.MustCompile(`(?i)ttl[=:]\s*(\d+)`)

func (p *Prober) Probe(ctx context.Context, addr netip.Addr) (domain.DiscoveredHost, error) {
	host := domain.DiscoveredHost{Address: addr.String()}

	pctx, cancel := context.WithTimeout(ctx, p.Timeout+time.Second)
	defer cancel()
	out, exitCode, err := p.run(pctx, "ping", pingArgs(addr, p.Timeout)...)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return host, fmt.Errorf("ping %s: %w", addr, domain.ErrCanceled)
		}
		return host, fmt.Errorf("ping %s: %w", addr, err)
	}
	if exitCode == 0 {
		if m := ttlRe.FindSubmatch(out); m != nil {
			host.TTL, _ = strconv.Atoi(string(m[1]))
			host.OS = p.TTLs.Guess(host.TTL)
		}
		host.Reachable = true
	}

	// host yang blok ICMP masih bisa terlihat lewat port terbuka
	for _, port := range p.Ports {
		if ctx.Err() != nil {
			break
		}
		if p.dial(ctx, addr, port) {
			host.OpenPorts = append(host.OpenPorts, port)
			host.Reachable = true
		}
	}
	return host, nil
}

func (p *Prober) dial(ctx context.Context, addr netip.Addr, port int) bool {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", netip.AddrPortFrom(addr, uint16(port)).String())
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func pingArgs(addr netip.Addr, timeout time.Duration) []string {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	if runtime.GOOS == "windows" {
		return []string{"-n", "1", "-w", strconv.Itoa(secs * 1000), addr.String()}
	}
	args := []string{"-c", "1", "-W", strconv.Itoa(secs)}
	if addr.Is6() {
		args = append(args, "-6")
	}
	return append(args, addr.String())
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		// ambil exit code
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return out, ee.ExitCode(), nil
		}
		return out, -1, fmt.Errorf("run error: %w, output=%s", err, string(out))
	}
	return out, 0, nil
}
