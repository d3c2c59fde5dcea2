// Package dispatch turns inbound relay messages into generation requests.
//
// Each message is parsed, its user turn persisted when it names a
// session, routed by mode (chat, data, vision), sent to the generation
// service, and answered with exactly one reply. Storage is best-effort
// throughout: a failed insert or history load is logged and the reply
// still goes out.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nugget/relay/internal/events"
	"github.com/nugget/relay/internal/llm"
	"github.com/nugget/relay/internal/prompts"
	"github.com/nugget/relay/internal/relay"
	"github.com/nugget/relay/internal/store"
	"github.com/nugget/relay/internal/usage"
)

// Reply statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// errorPrefix is prepended to generation failure reasons sent to clients.
const errorPrefix = "AI error: "

// TurnStore persists turns. [store.Store] satisfies it.
type TurnStore interface {
	AddTurn(ctx context.Context, t store.Turn) (int64, error)
	CountTurns(ctx context.Context, sessionID int64) (int, error)
}

// HistoryLoader returns bounded chat history. [memory.Loader] satisfies it.
type HistoryLoader interface {
	LoadBefore(ctx context.Context, sessionID, before int64) []llm.Message
}

// ContextAssembler builds data-mode grounding text. [grounding.Assembler]
// satisfies it.
type ContextAssembler interface {
	Assemble(ctx context.Context) string
}

// TitleScheduler queues title assignment without blocking.
type TitleScheduler interface {
	Schedule(sessionID int64, prompt string) bool
}

// UsageRecorder persists token usage. [usage.Store] satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Replier is the connection a reply goes back on. [relay.Conn]
// satisfies it.
type Replier interface {
	ID() string
	WriteJSON(v any) error
}

// Config wires a Dispatcher to its collaborators. Store, History,
// Grounding, Titles, and Usage may be nil; the corresponding step is
// skipped.
type Config struct {
	Store     TurnStore
	History   HistoryLoader
	Grounding ContextAssembler
	Titles    TitleScheduler
	Usage     UsageRecorder
	Generator llm.Generator
	Model     string
	// Timeout bounds one generation call. Zero means none.
	Timeout time.Duration
	// Tracer wraps each request and generation call in spans. Nil uses
	// a no-op tracer.
	Tracer trace.Tracer
	Bus    *events.Bus
	Logger *slog.Logger
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Handled     uint64    `json:"handled"`
	Succeeded   uint64    `json:"succeeded"`
	Failed      uint64    `json:"failed"`
	LastRequest time.Time `json:"last_request,omitzero"`
}

// Dispatcher handles inbound messages. It is safe for concurrent use
// across connections.
type Dispatcher struct {
	store     TurnStore
	history   HistoryLoader
	grounding ContextAssembler
	titles    TitleScheduler
	usage     UsageRecorder
	gen       llm.Generator
	model     string
	timeout   time.Duration
	tracer    trace.Tracer
	bus       *events.Bus
	logger    *slog.Logger

	handled   atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	lastNanos atomic.Int64
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Dispatcher{
		store:     cfg.Store,
		history:   cfg.History,
		grounding: cfg.Grounding,
		titles:    cfg.Titles,
		usage:     cfg.Usage,
		gen:       cfg.Generator,
		model:     cfg.Model,
		timeout:   cfg.Timeout,
		tracer:    cfg.Tracer,
		bus:       cfg.Bus,
		logger:    cfg.Logger.With("component", "dispatch"),
	}
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		Handled:   d.handled.Load(),
		Succeeded: d.succeeded.Load(),
		Failed:    d.failed.Load(),
	}
	if n := d.lastNanos.Load(); n > 0 {
		s.LastRequest = time.Unix(0, n)
	}
	return s
}

// Handle processes one raw inbound message and sends exactly one reply,
// except for empty input, which is ignored.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte, r Replier) {
	if len(bytes.TrimSpace(raw)) == 0 {
		d.logger.Debug("ignoring empty message", "conn_id", r.ID())
		return
	}

	d.handled.Add(1)
	d.lastNanos.Store(time.Now().UnixNano())
	log := d.logger.With("conn_id", r.ID())

	req, err := ParseRequest(raw)
	if err != nil {
		d.failed.Add(1)
		log.Warn("rejected message", "error", err)
		d.bus.Emit(events.SourceDispatch, events.KindGenerationFailed, map[string]any{
			"conn_id": r.ID(),
			"error":   err.Error(),
		})
		d.reply(r, log, StatusError, err.Error())
		return
	}

	if req.HasSession {
		log = log.With("session_id", req.SessionID)
	}
	log.Info("message received", "mode", req.Mode, "prompt_len", len(req.Prompt), "attachment", req.Attachment != nil)
	d.bus.Emit(events.SourceDispatch, events.KindMessageReceived, map[string]any{
		"conn_id":    r.ID(),
		"mode":       req.Mode.String(),
		"session_id": sessionField(req),
		"prompt_len": len(req.Prompt),
	})

	start := time.Now()
	text, err := d.Process(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		d.failed.Add(1)
		log.Warn("generation failed", "mode", req.Mode, "elapsed", elapsed.Round(time.Millisecond), "error", err)
		d.bus.Emit(events.SourceDispatch, events.KindGenerationFailed, map[string]any{
			"conn_id":    r.ID(),
			"mode":       req.Mode.String(),
			"session_id": sessionField(req),
			"error":      err.Error(),
		})
		d.reply(r, log, StatusError, errorPrefix+err.Error())
		return
	}

	d.succeeded.Add(1)
	log.Info("generation done",
		"mode", req.Mode,
		"elapsed", elapsed.Round(time.Millisecond),
		"reply", truncate(text, 50),
	)
	d.bus.Emit(events.SourceDispatch, events.KindGenerationDone, map[string]any{
		"conn_id":    r.ID(),
		"mode":       req.Mode.String(),
		"session_id": sessionField(req),
		"model":      d.model,
		"elapsed_ms": elapsed.Milliseconds(),
		"reply_len":  len(text),
	})
	d.reply(r, log, StatusSuccess, text)
}

// Process runs a parsed request through persistence and generation and
// returns the generated text. The user turn is written before the
// generation call; the assistant turn only after it succeeds.
func (d *Dispatcher) Process(ctx context.Context, req Request) (string, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.process",
		trace.WithAttributes(attribute.String("relay.mode", req.Mode.String())))
	defer span.End()
	if req.HasSession {
		span.SetAttributes(attribute.Int64("relay.session_id", req.SessionID))
	}

	text, err := d.process(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return text, err
}

func (d *Dispatcher) process(ctx context.Context, req Request) (string, error) {
	log := d.logger
	if req.HasSession {
		log = log.With("session_id", req.SessionID)
	}

	var userSeq int64
	if req.HasSession && d.store != nil {
		turn := store.Turn{
			SessionID: req.SessionID,
			Sender:    store.SenderUser,
			Content:   req.Prompt,
		}
		if req.Attachment != nil {
			turn.Attachment = req.Attachment.Data
			turn.AttachmentType = req.Attachment.MIME
		}
		seq, err := d.store.AddTurn(ctx, turn)
		if err != nil {
			log.Error("failed to persist user turn", "error", err)
		} else {
			userSeq = seq
		}
	}

	genReq := llm.Request{Model: d.model, Prompt: req.Prompt}

	switch req.Mode {
	case ModeChat:
		if req.HasSession {
			if d.history != nil {
				genReq.History = d.history.LoadBefore(ctx, req.SessionID, userSeq)
			}
			if userSeq > 0 {
				d.maybeScheduleTitle(ctx, log, req)
			}
		}
	case ModeData:
		grounding := ""
		if d.grounding != nil {
			grounding = d.grounding.Assemble(ctx)
		}
		genReq.Prompt = prompts.DataAnalysis(grounding, req.Prompt)
	case ModeVision:
		if req.Attachment == nil {
			return "", fmt.Errorf("%w: vision mode requires an image", ErrInvalidRequest)
		}
		genReq.Images = []llm.Image{{MIME: req.Attachment.MIME, Data: req.Attachment.Data}}
	default:
		return "", fmt.Errorf("unsupported mode %q", req.Mode)
	}

	if d.gen == nil {
		return "", errors.New("no generation service configured")
	}

	genCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	resp, err := d.generate(genCtx, genReq)
	if err != nil {
		return "", err
	}
	d.recordUsage(ctx, log, req, resp)

	if req.HasSession && d.store != nil {
		if _, err := d.store.AddTurn(ctx, store.Turn{
			SessionID: req.SessionID,
			Sender:    store.SenderAssistant,
			Content:   resp.Text,
		}); err != nil {
			log.Error("failed to persist assistant turn", "error", err)
		}
	}

	return resp.Text, nil
}

func (d *Dispatcher) generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	ctx, span := d.tracer.Start(ctx, "llm.generate", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.history_len", len(req.History)),
		attribute.Int("llm.images", len(req.Images)),
	))
	defer span.End()

	resp, err := d.gen.Generate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("llm.input_tokens", resp.InputTokens),
		attribute.Int("llm.output_tokens", resp.OutputTokens),
	)
	return resp, nil
}

// maybeScheduleTitle queues title assignment when the user turn just
// written is the session's first.
func (d *Dispatcher) maybeScheduleTitle(ctx context.Context, log *slog.Logger, req Request) {
	if d.titles == nil {
		return
	}
	n, err := d.store.CountTurns(ctx, req.SessionID)
	if err != nil {
		log.Warn("turn count failed, skipping title", "error", err)
		return
	}
	if n != 1 {
		return
	}
	if !d.titles.Schedule(req.SessionID, req.Prompt) {
		log.Warn("title queue full, session stays untitled")
	}
}

func (d *Dispatcher) recordUsage(ctx context.Context, log *slog.Logger, req Request, resp *llm.Response) {
	if d.usage == nil {
		return
	}
	rec := usage.Record{
		Mode:         req.Mode.String(),
		Purpose:      usage.PurposeReply,
		Model:        modelOf(resp, d.model),
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}
	if req.HasSession {
		rec.SessionID = req.SessionID
	}
	if err := d.usage.Record(ctx, rec); err != nil {
		log.Warn("failed to record usage", "error", err)
	}
}

func (d *Dispatcher) reply(r Replier, log *slog.Logger, status, text string) {
	if err := r.WriteJSON(relay.Reply{Status: status, Reply: text}); err != nil {
		if errors.Is(err, relay.ErrClosed) {
			log.Debug("reply dropped, connection closed")
			return
		}
		log.Debug("reply write failed", "error", err)
	}
}

func sessionField(req Request) any {
	if !req.HasSession {
		return nil
	}
	return req.SessionID
}

// modelOf prefers the model the provider reports over the one requested.
func modelOf(resp *llm.Response, requested string) string {
	if resp.Model != "" {
		return resp.Model
	}
	return requested
}

// truncate shortens s to at most n runes for logging.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
