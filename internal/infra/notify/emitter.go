package notify

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	domain "github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

// Emitter writes one NDJSON line per status event. Publish never blocks
// the caller on errors; a failed write is logged and dropped.
type Emitter struct {
	writer io.Writer
	log    *zap.Logger
	mu     sync.Mutex
}

func NewEmitter(w io.Writer, log *zap.Logger) *Emitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Emitter{writer: w, log: log}
}

func (e *Emitter) Publish(_ context.Context, ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		e.log.Warn("encode event", zap.Error(err))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.writer.Write(append(payload, '\n')); err != nil {
		e.log.Warn("write event", zap.String("request_id", string(ev.RequestID)), zap.Error(err))
	}
}

// Multi fans one event out to several notifiers.
type Multi []domain.Notifier

func (m Multi) Publish(ctx context.Context, ev domain.Event) {
	for _, n := range m {
		if n != nil {
			n.Publish(ctx, ev)
		}
	}
}
