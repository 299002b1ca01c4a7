package scans

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kyoulho/p-roro-sub011/internal/domain/dialect"
	domain "github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

// remoteRunner is the CommandRunner of one scan. It is bound to one
// target and one resolved family, and it refuses to call out once ctx is
// done.
type remoteRunner struct {
	conn     domain.Connector
	dialects *dialect.Registry
	target   domain.TargetHost
	family   domain.OSFamily
	timeout  time.Duration

	calls  atomic.Int64
	onCall func()
}

func (r *remoteRunner) Run(ctx context.Context, op dialect.OperationID, params ...any) (string, error) {
	cmd, err := r.dialects.Resolve(op, r.family, params...)
	if err != nil {
		return "", err
	}
	return r.Exec(ctx, cmd)
}

func (r *remoteRunner) Exec(ctx context.Context, command string) (string, error) {
	if err := domain.Checkpoint(ctx); err != nil {
		return "", fmt.Errorf("%s: %w", command, err)
	}
	r.calls.Add(1)
	if r.onCall != nil {
		r.onCall()
	}
	res, err := r.conn.Execute(ctx, r.target, command, r.timeout)
	if err != nil {
		if cerr := domain.Checkpoint(ctx); cerr != nil {
			return "", fmt.Errorf("%s: %w", command, cerr)
		}
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &domain.ExitError{Command: command, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}
	return res.Stdout, nil
}

// Calls returns the number of remote calls issued.
func (r *remoteRunner) Calls() int64 { return r.calls.Load() }
