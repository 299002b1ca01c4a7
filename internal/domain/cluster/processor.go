package cluster

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/alessio/shellescape"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

// Command is one alternative rendering of an operation.
type Command struct {
	Command string `yaml:"command"`
	Parser  string `yaml:"parser"`
	Handler string `yaml:"handler"`
}

// Operation is one logical inventory step with its alternatives in order.
type Operation struct {
	Key      string    `yaml:"key"`
	Commands []Command `yaml:"commands"`
}

//go:embed operations.yaml
var defaultOperations []byte

type operationsFile struct {
	Operations []Operation `yaml:"operations"`
}

func parseOperations(data []byte) ([]Operation, error) {
	var f operationsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse operations: %w", err)
	}
	return f.Operations, nil
}

// DefaultOperations returns the embedded operation list.
func DefaultOperations() []Operation {
	ops, err := parseOperations(defaultOperations)
	if err != nil {
		panic(err)
	}
	return ops
}

// LoadOperations reads operations from path, or the default when empty.
func LoadOperations(path string) ([]Operation, error) {
	if path == "" {
		return DefaultOperations(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseOperations(data)
}

// Executor runs literal command strings on the scan target.
type Executor interface {
	Exec(ctx context.Context, command string) (string, error)
}

// OperationResult reports how one operation ended.
type OperationResult struct {
	Key      string `json:"key"`
	Command  string `json:"command,omitempty"`
	Objects  int    `json:"objects"`
	Linked   int    `json:"linked"`
	Unlinked int    `json:"unlinked"`
	Error    string `json:"error,omitempty"`
}

// Summary of one Process call.
type Summary struct {
	Operations []OperationResult `json:"operations"`
	Failed     int               `json:"failed"`
}

// Processor runs operations with the try-parse-persist fallback.
type Processor struct {
	Parsers  map[string]Parser
	Handlers map[string]Handler
	Store    Store
	Log      *zap.Logger
}

var errNoCommandSucceeded = errors.New("no alternative command produced a parsable result")

// Process runs ops in order. A failed operation is logged and skipped;
// cancellation and persistence errors abort and are returned.
func (p *Processor) Process(ctx context.Context, scanID scans.RequestID, exec Executor, vars map[string]string, ops []Operation) (Summary, error) {
	var sum Summary
	replacer := newReplacer(vars)
	for _, op := range ops {
		if err := scans.Checkpoint(ctx); err != nil {
			return sum, fmt.Errorf("cluster %s: %w", op.Key, err)
		}
		res, err := p.processOne(ctx, scanID, exec, replacer, op)
		if err != nil {
			if scans.IsCancellation(err) {
				sum.Operations = append(sum.Operations, res)
				return sum, err
			}
			var pe *scans.PersistenceError
			if errors.As(err, &pe) {
				res.Error = err.Error()
				sum.Operations = append(sum.Operations, res)
				sum.Failed++
				return sum, err
			}
			res.Error = err.Error()
			sum.Failed++
			p.log().Warn("cluster operation failed",
				zap.String("request_id", string(scanID)),
				zap.String("operation", op.Key),
				zap.Error(err))
		}
		sum.Operations = append(sum.Operations, res)
	}
	return sum, nil
}

func (p *Processor) processOne(ctx context.Context, scanID scans.RequestID, exec Executor, r *strings.Replacer, op Operation) (OperationResult, error) {
	res := OperationResult{Key: op.Key}
	for _, c := range op.Commands {
		cmd := r.Replace(c.Command)
		parse, ok := p.Parsers[c.Parser]
		if !ok {
			p.log().Error("unknown parser", zap.String("operation", op.Key), zap.String("parser", c.Parser))
			continue
		}
		handler, ok := p.Handlers[c.Handler]
		if !ok {
			p.log().Error("unknown handler", zap.String("operation", op.Key), zap.String("handler", c.Handler))
			continue
		}

		raw, err := exec.Exec(ctx, cmd)
		if err != nil {
			if scans.IsCancellation(err) {
				return res, err
			}
			p.log().Debug("command failed, trying next",
				zap.String("operation", op.Key), zap.String("command", cmd), zap.Error(err))
			continue
		}
		doc, err := parse(raw)
		if err != nil {
			p.log().Debug("parse failed, trying next",
				zap.String("operation", op.Key), zap.String("parser", c.Parser), zap.Error(err))
			continue
		}

		// raw text first, then data, then relations
		if err := p.Store.SaveOrigin(ctx, scanID, op.Key, raw); err != nil {
			return res, &scans.PersistenceError{Op: "save origin " + op.Key, Err: err}
		}
		saved, err := handler.Save(ctx, scanID, doc)
		if err != nil {
			return res, err
		}
		st, err := handler.SetRelation(ctx, scanID, saved)
		if err != nil {
			return res, err
		}
		res.Command = cmd
		res.Objects = len(saved)
		res.Linked, res.Unlinked = st.Linked, st.Unlinked
		return res, nil
	}
	return res, errNoCommandSucceeded
}

func (p *Processor) log() *zap.Logger {
	if p.Log == nil {
		return zap.NewNop()
	}
	return p.Log
}

// newReplacer substitutes ${NAME} with the shell-quoted value.
func newReplacer(vars map[string]string) *strings.Replacer {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "${"+k+"}", shellescape.Quote(v))
	}
	return strings.NewReplacer(pairs...)
}
