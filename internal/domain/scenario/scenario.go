package scenario

import (
	"context"
	"fmt"
	"strings"

	"github.com/kyoulho/p-roro-sub011/internal/domain/dialect"
	"github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

// CommandRunner executes commands against the target of one scan.
type CommandRunner interface {
	// Run resolves op for the target's dialect and executes it.
	Run(ctx context.Context, op dialect.OperationID, params ...any) (string, error)
	// Exec executes a literal command string.
	Exec(ctx context.Context, command string) (string, error)
}

// Env is the shared extraction context passed along a chain. Facts is
// the only mutable part; steps read facts that earlier scenarios set.
type Env struct {
	Target  scans.TargetHost
	Family  scans.OSFamily
	Process scans.ProcessRecord
	Facts   map[string]scans.Fact
	Runner  CommandRunner
}

func NewEnv(target scans.TargetHost, family scans.OSFamily, proc scans.ProcessRecord, runner CommandRunner) *Env {
	return &Env{
		Target:  target,
		Family:  family,
		Process: proc,
		Facts:   make(map[string]scans.Fact),
		Runner:  runner,
	}
}

// Fact returns the value of an already extracted fact.
func (e *Env) Fact(name string) string {
	return e.Facts[name].Value
}

// StepFunc is one extraction technique. An empty string or an error means
// "no result"; only a cancellation error stops the chain.
type StepFunc func(ctx context.Context, env *Env) (string, error)

// Step is a named StepFunc. The name is recorded as provenance.
type Step struct {
	Name string
	Fn   StepFunc
}

// Scenario derives one fact from an ordered list of steps.
type Scenario struct {
	Fact     string
	Critical bool
	// Ignore lists trimmed values that count as empty.
	Ignore []string
	Steps  []Step
}

// Outcome describes how a scenario ended.
type Outcome struct {
	Fact     string
	Value    string
	Step     string
	Found    bool
	Attempts int
	// Errors keeps the step failures that were swallowed.
	Errors []error
}

// ExhaustedError is returned when no step produced a value.
type ExhaustedError struct {
	Fact     string
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %d steps tried, none produced a value", e.Fact, e.Attempts)
}

func (e *ExhaustedError) Is(target error) bool { return target == scans.ErrExtractionExhausted }

// Run executes the steps in order and stops at the first success, which is
// also written into env.Facts.
func (s Scenario) Run(ctx context.Context, env *Env) (Outcome, error) {
	out := Outcome{Fact: s.Fact}
	for _, step := range s.Steps {
		if err := scans.Checkpoint(ctx); err != nil {
			return out, fmt.Errorf("%s: %w", s.Fact, err)
		}
		out.Attempts++
		v, err := step.Fn(ctx, env)
		if err != nil {
			if scans.IsCancellation(err) {
				return out, fmt.Errorf("%s/%s: %w", s.Fact, step.Name, err)
			}
			out.Errors = append(out.Errors, fmt.Errorf("%s: %w", step.Name, err))
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" || s.ignored(v) {
			continue
		}
		out.Value, out.Step, out.Found = v, step.Name, true
		env.Facts[s.Fact] = scans.Fact{Value: v, Step: step.Name}
		return out, nil
	}
	return out, &ExhaustedError{Fact: s.Fact, Attempts: out.Attempts}
}

func (s Scenario) ignored(v string) bool {
	for _, ig := range s.Ignore {
		if v == ig {
			return true
		}
	}
	return false
}
