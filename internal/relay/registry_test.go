package relay

import (
	"errors"
	"sync"
	"testing"
)

func TestRegistry_RegisterUnregister(t *testing.T) {
	r := NewRegistry()
	a, _ := newFakeConn()
	b, _ := newFakeConn()

	r.Register(a)
	r.Register(b)
	if r.Len() != 2 || !r.Contains(a) {
		t.Fatalf("Len = %d", r.Len())
	}

	if !r.Unregister(a) {
		t.Error("Unregister of present conn = false")
	}
	if r.Unregister(a) {
		t.Error("second Unregister = true")
	}
	if r.Contains(a) || r.Len() != 1 {
		t.Errorf("after unregister: contains=%v len=%d", r.Contains(a), r.Len())
	}
}

func TestRegistry_ForEachMayUnregister(t *testing.T) {
	r := NewRegistry()
	for range 5 {
		c, _ := newFakeConn()
		r.Register(c)
	}

	visited := 0
	r.ForEach(func(c *Conn) {
		visited++
		r.Unregister(c)
	})
	if visited != 5 || r.Len() != 0 {
		t.Errorf("visited = %d, len = %d", visited, r.Len())
	}
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry()
	a, wsA := newFakeConn()
	b, wsB := newFakeConn()
	r.Register(a)
	r.Register(b)

	r.Close()
	r.Close()

	if !wsA.isClosed() || !wsB.isClosed() {
		t.Error("Close should close every connection")
	}
	if r.Len() != 0 {
		t.Errorf("Len after close = %d", r.Len())
	}
	select {
	case <-r.Done():
	default:
		t.Error("Done not closed")
	}

	c, _ := newFakeConn()
	if err := r.Register(c); !errors.Is(err, ErrClosed) {
		t.Errorf("Register after close = %v, want ErrClosed", err)
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, _ := newFakeConn()
			r.Register(c)
			r.ForEach(func(*Conn) {})
			r.Unregister(c)
		}()
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}
