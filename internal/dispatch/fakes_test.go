package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nugget/relay/internal/llm"
	"github.com/nugget/relay/internal/relay"
	"github.com/nugget/relay/internal/store"
	"github.com/nugget/relay/internal/usage"
)

// op records the order of store and generation calls.
type op struct {
	kind   string // "add" or "generate"
	sender string
	text   string
}

type recorder struct {
	mu  sync.Mutex
	ops []op
}

func (r *recorder) add(o op) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, o)
}

func (r *recorder) list() []op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]op(nil), r.ops...)
}

type fakeStore struct {
	rec      *recorder
	mu       sync.Mutex
	seq      int64
	turns    []store.Turn
	addErr   error
	countErr error
}

func (s *fakeStore) AddTurn(_ context.Context, t store.Turn) (int64, error) {
	s.rec.add(op{kind: "add", sender: t.Sender, text: t.Content})
	if s.addErr != nil {
		return 0, s.addErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t.Seq = s.seq
	s.turns = append(s.turns, t)
	return s.seq, nil
}

func (s *fakeStore) CountTurns(_ context.Context, sessionID int64) (int, error) {
	if s.countErr != nil {
		return 0, s.countErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.turns {
		if t.SessionID == sessionID {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) bySender(sender string) []store.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Turn
	for _, t := range s.turns {
		if t.Sender == sender {
			out = append(out, t)
		}
	}
	return out
}

type fakeGen struct {
	rec  *recorder
	mu   sync.Mutex
	reqs []llm.Request
	text string
	err  error
}

func (g *fakeGen) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	g.rec.add(op{kind: "generate", text: req.Prompt})
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return &llm.Response{Text: g.text, Model: req.Model, InputTokens: 7, OutputTokens: 3}, nil
}

func (g *fakeGen) Ping(context.Context) error { return nil }

func (g *fakeGen) calls() []llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]llm.Request(nil), g.reqs...)
}

type fakeHistory struct {
	msgs   []llm.Message
	before int64
	called bool
}

func (h *fakeHistory) LoadBefore(_ context.Context, _ int64, before int64) []llm.Message {
	h.called = true
	h.before = before
	return h.msgs
}

type fakeAssembler struct {
	text   string
	called bool
}

func (a *fakeAssembler) Assemble(context.Context) string {
	a.called = true
	return a.text
}

type fakeTitles struct {
	mu        sync.Mutex
	scheduled []int64
	full      bool
}

func (f *fakeTitles) Schedule(sessionID int64, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.scheduled = append(f.scheduled, sessionID)
	return true
}

func (f *fakeTitles) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scheduled)
}

type fakeUsage struct {
	mu   sync.Mutex
	recs []usage.Record
	err  error
}

func (f *fakeUsage) Record(_ context.Context, rec usage.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return f.err
}

func (f *fakeUsage) all() []usage.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]usage.Record(nil), f.recs...)
}

// spanRecorder notes the name of every span started through it.
type spanRecorder struct {
	noop.Tracer
	mu    sync.Mutex
	names []string
}

func (r *spanRecorder) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
	return r.Tracer.Start(ctx, name, opts...)
}

func (r *spanRecorder) spans() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

type fakeReplier struct {
	mu      sync.Mutex
	replies []relay.Reply
	err     error
}

func (f *fakeReplier) ID() string { return "conn-test" }

func (f *fakeReplier) WriteJSON(v any) error {
	if f.err != nil {
		return f.err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var r relay.Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, r)
	return nil
}

func (f *fakeReplier) all() []relay.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relay.Reply(nil), f.replies...)
}

var errUpstream = errors.New("upstream 503: model overloaded")

type harness struct {
	rec     *recorder
	store   *fakeStore
	gen     *fakeGen
	history *fakeHistory
	ground  *fakeAssembler
	titles  *fakeTitles
	usage   *fakeUsage
	d       *Dispatcher
}

func newHarness() *harness {
	rec := &recorder{}
	h := &harness{
		rec:     rec,
		store:   &fakeStore{rec: rec},
		gen:     &fakeGen{rec: rec, text: "generated reply"},
		history: &fakeHistory{},
		ground:  &fakeAssembler{text: "### Shipments\n[]"},
		titles:  &fakeTitles{},
		usage:   &fakeUsage{},
	}
	h.d = New(Config{
		Store:     h.store,
		History:   h.history,
		Grounding: h.ground,
		Titles:    h.titles,
		Usage:     h.usage,
		Generator: h.gen,
		Model:     "test-model",
	})
	return h
}

func (h *harness) handle(raw string) *fakeReplier {
	r := &fakeReplier{}
	h.d.Handle(context.Background(), []byte(raw), r)
	return r
}
