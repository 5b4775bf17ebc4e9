package events

import (
	"context"
	"errors"
	"testing"
)

type countingPublisher struct {
	calls int
	err   error
}

func (c *countingPublisher) Publish(ctx context.Context, topic string, event any) error {
	c.calls++
	return c.err
}

func TestFanoutReachesEveryPublisher(t *testing.T) {
	boom := errors.New("boom")
	a := &countingPublisher{err: boom}
	b := &countingPublisher{}

	err := Fanout{a, b}.Publish(context.Background(), "t", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("calls = %d, %d", a.calls, b.calls)
	}

	if err := (Fanout{}).Publish(context.Background(), "t", nil); err != nil {
		t.Fatalf("empty fanout: %v", err)
	}
}
