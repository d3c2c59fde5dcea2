package relay

import (
	"errors"
	"testing"
)

func TestNewConn(t *testing.T) {
	a, _ := newFakeConn()
	b, _ := newFakeConn()

	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("ids not unique: %q, %q", a.ID(), b.ID())
	}
	if !a.Alive() {
		t.Error("new connection should start alive")
	}
	if a.Status() != StatusOpen {
		t.Errorf("status = %v, want open", a.Status())
	}
}

func TestConn_WriteJSON(t *testing.T) {
	c, ws := newFakeConn()

	if err := c.WriteJSON(Reply{Status: "success", Reply: "hi"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if len(ws.writes) != 1 || string(ws.writes[0]) != `{"status":"success","reply":"hi"}` {
		t.Errorf("writes = %q", ws.writes)
	}
}

func TestConn_WriteAfterClose(t *testing.T) {
	tests := []struct {
		name  string
		close func(*Conn)
	}{
		{"close", func(c *Conn) { c.Close() }},
		{"terminate", func(c *Conn) { c.Terminate() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ws := newFakeConn()
			tt.close(c)

			if c.Status() != StatusClosed {
				t.Errorf("status = %v, want closed", c.Status())
			}
			if !ws.isClosed() {
				t.Error("socket not closed")
			}
			if err := c.Send([]byte("late")); !errors.Is(err, ErrClosed) {
				t.Errorf("Send after close = %v, want ErrClosed", err)
			}
			if err := c.probe(); !errors.Is(err, ErrClosed) {
				t.Errorf("probe after close = %v, want ErrClosed", err)
			}
			select {
			case <-c.Done():
			default:
				t.Error("Done not closed")
			}

			// Idempotent.
			c.Close()
			c.Terminate()
		})
	}
}

func TestConn_ProbeClearsFlag(t *testing.T) {
	c, ws := newFakeConn()

	if err := c.probe(); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if c.Alive() {
		t.Error("probe should clear the liveness flag")
	}
	if ws.pingCount() != 1 {
		t.Errorf("pings = %d, want 1", ws.pingCount())
	}

	c.MarkAlive()
	if !c.Alive() {
		t.Error("MarkAlive should set the flag")
	}
}

func TestStatusString(t *testing.T) {
	tests := map[Status]string{
		StatusOpen:    "open",
		StatusClosing: "closing",
		StatusClosed:  "closed",
		Status(9):     "status(9)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int32(s), got, want)
		}
	}
}
