package httpapi

import (
	"fmt"
	"slices"
	"testing"
)

func TestPendingSetKeepsEveryConversation(t *testing.T) {
	p := newPendingSet()
	var want []string
	for i := range 40 {
		id := fmt.Sprintf("c%d", i)
		want = append(want, id)
		p.add(id)
		p.add(id)
	}

	select {
	case <-p.wake:
	default:
		t.Fatal("add did not signal the worker")
	}
	if got := p.take(); !slices.Equal(got, want) {
		t.Fatalf("take() = %v, want %v", got, want)
	}
	if got := p.take(); len(got) != 0 {
		t.Fatalf("second take() = %v, want empty", got)
	}

	p.add("c0")
	if got := p.take(); !slices.Equal(got, []string{"c0"}) {
		t.Fatalf("take() after re-add = %v", got)
	}
}
