package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/nugget/relay/internal/llm"
	"github.com/nugget/relay/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "relay.db"), 2)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoad_BoundedAndOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		sender := store.SenderUser
		if i%2 == 1 {
			sender = store.SenderAssistant
		}
		if _, err := s.AddTurn(ctx, store.Turn{SessionID: 1, Sender: sender, Content: fmt.Sprintf("t%02d", i)}); err != nil {
			t.Fatalf("AddTurn: %v", err)
		}
	}

	l := NewLoader(s, 0, nil)
	msgs := l.Load(ctx, 1)

	if len(msgs) != DefaultLimit {
		t.Fatalf("len = %d, want %d", len(msgs), DefaultLimit)
	}
	if msgs[0].Content != "t05" || msgs[len(msgs)-1].Content != "t24" {
		t.Errorf("range = %s..%s, want t05..t24", msgs[0].Content, msgs[len(msgs)-1].Content)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].Content >= msgs[i].Content {
			t.Fatalf("not oldest-first at %d: %s then %s", i, msgs[i-1].Content, msgs[i].Content)
		}
	}
	if msgs[0].Role != llm.RoleAssistant || msgs[1].Role != llm.RoleUser {
		t.Errorf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
}

func TestLoadBefore_ExcludesCurrentTurn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddTurn(ctx, store.Turn{SessionID: 1, Sender: store.SenderUser, Content: "earlier"})
	s.AddTurn(ctx, store.Turn{SessionID: 1, Sender: store.SenderAssistant, Content: "reply"})
	seq, _ := s.AddTurn(ctx, store.Turn{SessionID: 1, Sender: store.SenderUser, Content: "now"})

	msgs := NewLoader(s, 20, nil).LoadBefore(ctx, 1, seq)
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Content != "earlier" || msgs[1].Content != "reply" {
		t.Errorf("msgs = %+v", msgs)
	}
}

func TestLoad_EmptySession(t *testing.T) {
	msgs := NewLoader(newTestStore(t), 20, nil).Load(context.Background(), 99)
	if len(msgs) != 0 {
		t.Errorf("len = %d, want 0", len(msgs))
	}
}

type fakeSource struct {
	turns []store.Turn
	err   error
}

func (f fakeSource) RecentTurns(context.Context, int64, int64, int) ([]store.Turn, error) {
	return f.turns, f.err
}

func TestLoad_FailureYieldsEmpty(t *testing.T) {
	msgs := NewLoader(fakeSource{err: errors.New("disk I/O error")}, 20, nil).Load(context.Background(), 1)
	if msgs == nil || len(msgs) != 0 {
		t.Errorf("msgs = %#v, want empty non-nil slice", msgs)
	}
}

func TestLoad_RoleMapping(t *testing.T) {
	src := fakeSource{turns: []store.Turn{
		{Sender: "ai", Content: "c"},
		{Sender: "assistant", Content: "b"},
		{Sender: "user", Content: "a"},
	}}
	msgs := NewLoader(src, 20, nil).Load(context.Background(), 1)

	want := []llm.Message{
		{Role: llm.RoleUser, Content: "a"},
		{Role: llm.RoleAssistant, Content: "b"},
		{Role: llm.RoleAssistant, Content: "c"},
	}
	if len(msgs) != len(want) {
		t.Fatalf("len = %d", len(msgs))
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("msgs[%d] = %+v, want %+v", i, msgs[i], want[i])
		}
	}
}

func TestLoad_SourceOverLimitIsTrimmed(t *testing.T) {
	var turns []store.Turn
	for i := 0; i < 30; i++ {
		turns = append(turns, store.Turn{Sender: store.SenderUser, Content: "x"})
	}
	msgs := NewLoader(fakeSource{turns: turns}, 20, nil).Load(context.Background(), 1)
	if len(msgs) != 20 {
		t.Errorf("len = %d, want 20", len(msgs))
	}
}
