package notify

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	domain "github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

type errorWriter struct{}

func (errorWriter) Write([]byte) (int, error) { return 0, errors.New("write failed") }

func TestPublishWritesOneLinePerEvent(t *testing.T) {
	buf := &bytes.Buffer{}
	e := NewEmitter(buf, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Publish(context.Background(), domain.Event{RequestID: "r1", Status: domain.StatusCompleted, Records: 3})
		}()
	}
	wg.Wait()

	sc := bufio.NewScanner(buf)
	n := 0
	for sc.Scan() {
		var ev domain.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("line %d: %v", n, err)
		}
		if ev.At.IsZero() || ev.Records != 3 {
			t.Fatalf("event = %+v", ev)
		}
		n++
	}
	if n != 50 {
		t.Fatalf("lines = %d", n)
	}
}

func TestPublishSwallowsWriteErrors(t *testing.T) {
	e := NewEmitter(errorWriter{}, nil)
	e.Publish(context.Background(), domain.Event{RequestID: "r1"})
}

func TestMulti(t *testing.T) {
	a, b := &bytes.Buffer{}, &bytes.Buffer{}
	Multi{NewEmitter(a, nil), nil, NewEmitter(b, nil)}.Publish(context.Background(), domain.Event{RequestID: "r"})
	if a.Len() == 0 || b.Len() == 0 {
		t.Fatal("every notifier must receive the event")
	}
}
