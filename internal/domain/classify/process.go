package classify

import (
	"strings"

	"github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

// ParseProcessList turns the process_list dialect output into records.
// Unix lines are "pid user args..."; Windows lines are tab separated
// "pid<TAB>user<TAB>commandline". Lines without a command are dropped.
func ParseProcessList(family scans.OSFamily, out string) []scans.ProcessRecord {
	var procs []scans.ProcessRecord
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		var p scans.ProcessRecord
		if family == scans.OSWindows {
			parts := strings.SplitN(line, "\t", 3)
			if len(parts) < 3 {
				continue
			}
			p = scans.ProcessRecord{
				PID:    strings.TrimSpace(parts[0]),
				User:   strings.TrimSpace(parts[1]),
				Tokens: SplitCommandLine(parts[2]),
			}
		} else {
			f := strings.Fields(line)
			if len(f) < 3 {
				continue
			}
			p = scans.ProcessRecord{PID: f[0], User: f[1], Tokens: f[2:]}
		}
		if len(p.Tokens) == 0 || !isNumeric(p.PID) {
			continue
		}
		procs = append(procs, p)
	}
	return procs
}

// SplitCommandLine splits on whitespace but keeps double quoted runs
// together, which is how Windows reports paths with spaces.
func SplitCommandLine(s string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote bool
		seen  bool
	)
	flush := func() {
		if seen {
			out = append(out, cur.String())
		}
		cur.Reset()
		seen = false
	}
	for _, r := range s {
		switch {
		case r == '"':
			quote = !quote
			seen = true
		case (r == ' ' || r == '\t') && !quote:
			flush()
		default:
			cur.WriteRune(r)
			seen = true
		}
	}
	flush()
	return out
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
