package metrics

import (
	"context"
	"testing"
	"time"
)

func TestCollect(t *testing.T) {
	c := NewCollector(0)
	if c.interval != 30*time.Second {
		t.Errorf("interval = %v, want default", c.interval)
	}
	if c.Last() != nil {
		t.Error("Last() before any sample should be nil")
	}
	s := c.Collect()
	if s.Goroutines < 1 || s.Timestamp.IsZero() {
		t.Errorf("sample = %+v", s)
	}
	if c.Last() != s {
		t.Error("Last() should return the latest sample")
	}
}

func TestStartStops(t *testing.T) {
	c := NewCollector(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if c.Last() == nil {
		t.Error("Start should take a sample immediately")
	}
}

func TestFormatGB(t *testing.T) {
	if got := formatGB(3 << 29); got != "1.5 GB" {
		t.Errorf("formatGB = %q", got)
	}
}
