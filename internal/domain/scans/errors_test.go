package scans

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCheckpoint(t *testing.T) {
	if err := Checkpoint(context.Background()); err != nil {
		t.Fatalf("live ctx err = %v", err)
	}

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Checkpoint(canceled); !errors.Is(err, ErrCanceled) || !IsCancellation(err) {
		t.Fatalf("canceled err = %v", err)
	}

	expired, stop := context.WithTimeout(context.Background(), time.Nanosecond)
	defer stop()
	<-expired.Done()
	err := Checkpoint(expired)
	if !errors.Is(err, context.DeadlineExceeded) || IsCancellation(err) {
		t.Fatalf("deadline err = %v, want a failure", err)
	}
	if IsCancellation(fmt.Errorf("step: %w", err)) {
		t.Fatal("wrapped deadline counted as cancellation")
	}
}
