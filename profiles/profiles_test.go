package profiles

import (
	"context"
	"errors"
	"testing"
	"time"
)

type countingDirectory struct {
	next  Directory
	calls [][]string
	err   error
}

func (c *countingDirectory) Lookup(ctx context.Context, ids ...string) (map[string]Profile, error) {
	c.calls = append(c.calls, append([]string(nil), ids...))
	if c.err != nil {
		return nil, c.err
	}
	return c.next.Lookup(ctx, ids...)
}

func TestMemory_LookupSkipsUnknown(t *testing.T) {
	m := NewMemory(Profile{UserID: "u1", DisplayName: "Ada"})
	got, err := m.Lookup(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	if len(got) != 1 || got["u1"].DisplayName != "Ada" {
		t.Fatalf("unexpected result: %+v", got)
	}

	m.Put(Profile{UserID: "u2", DisplayName: "Grace"})
	got, _ = m.Lookup(context.Background(), "u2")
	if got["u2"].DisplayName != "Grace" {
		t.Fatalf("Put() not visible: %+v", got)
	}
}

func TestCached_BatchesMissesAndServesHits(t *testing.T) {
	backing := &countingDirectory{next: NewMemory(
		Profile{UserID: "u1", DisplayName: "Ada"},
		Profile{UserID: "u2", DisplayName: "Grace"},
	)}
	c := NewCached(backing, 10, time.Minute)
	ctx := context.Background()

	if _, err := c.Lookup(ctx, "u1", "u2", "ghost"); err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	got, err := c.Lookup(ctx, "u1", "u2", "ghost")
	if err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d profiles, want 2", len(got))
	}
	if len(backing.calls) != 2 {
		t.Fatalf("backing called %d times, want 2", len(backing.calls))
	}
	if second := backing.calls[1]; len(second) != 1 || second[0] != "ghost" {
		t.Fatalf("second lookup should only ask for unknown ids, asked %v", second)
	}

	c.Invalidate("u1")
	_, _ = c.Lookup(ctx, "u1")
	if last := backing.calls[len(backing.calls)-1]; len(last) != 1 || last[0] != "u1" {
		t.Fatalf("invalidated id not refetched: %v", last)
	}
}

func TestCached_PropagatesErrors(t *testing.T) {
	backing := &countingDirectory{next: NewMemory(), err: ErrTransient}
	c := NewCached(backing, 10, time.Minute)
	if _, err := c.Lookup(context.Background(), "u1"); !errors.Is(err, ErrTransient) {
		t.Fatalf("Lookup() error = %v, want ErrTransient", err)
	}
}
