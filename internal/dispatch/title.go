package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/relay/internal/events"
	"github.com/nugget/relay/internal/llm"
	"github.com/nugget/relay/internal/prompts"
	"github.com/nugget/relay/internal/usage"
)

// Title worker defaults.
const (
	DefaultTitleQueue   = 64
	DefaultTitleTimeout = 30 * time.Second
	maxTitleRunes       = 60
)

// TitleStore writes a session title if none is set. [store.Store]
// satisfies it.
type TitleStore interface {
	SetTitle(ctx context.Context, sessionID int64, title string) (bool, error)
}

// TitleConfig configures a [TitleWorker].
type TitleConfig struct {
	Generator llm.Generator
	Store     TitleStore
	Usage     UsageRecorder // optional
	Model     string
	QueueSize int
	Timeout   time.Duration
	Bus       *events.Bus
	Logger    *slog.Logger
}

type titleJob struct {
	sessionID int64
	prompt    string
}

// TitleWorker assigns session titles in the background. Its failures
// are logged and never reach the reply path.
type TitleWorker struct {
	gen     llm.Generator
	store   TitleStore
	usage   UsageRecorder
	model   string
	timeout time.Duration
	queue   chan titleJob
	bus     *events.Bus
	logger  *slog.Logger
}

// NewTitleWorker creates a worker. Call Run to start processing;
// Schedule may be called before that.
func NewTitleWorker(cfg TitleConfig) *TitleWorker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultTitleQueue
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTitleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TitleWorker{
		gen:     cfg.Generator,
		store:   cfg.Store,
		usage:   cfg.Usage,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		queue:   make(chan titleJob, cfg.QueueSize),
		bus:     cfg.Bus,
		logger:  cfg.Logger.With("component", "title"),
	}
}

// Schedule queues a title job. It never blocks and reports false when
// the queue is full.
func (w *TitleWorker) Schedule(sessionID int64, prompt string) bool {
	select {
	case w.queue <- titleJob{sessionID: sessionID, prompt: prompt}:
		return true
	default:
		return false
	}
}

// Run processes jobs until ctx is cancelled.
func (w *TitleWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.queue:
			w.assign(ctx, job)
		}
	}
}

func (w *TitleWorker) assign(ctx context.Context, job titleJob) {
	log := w.logger.With("session_id", job.sessionID)

	genCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	resp, err := w.gen.Generate(genCtx, llm.Request{
		Model:  w.model,
		Prompt: prompts.SessionTitle(job.prompt),
	})
	if err != nil {
		log.Warn("title generation failed", "error", err)
		return
	}
	if w.usage != nil {
		if err := w.usage.Record(ctx, usage.Record{
			SessionID:    job.sessionID,
			Mode:         ModeChat.String(),
			Purpose:      usage.PurposeTitle,
			Model:        modelOf(resp, w.model),
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
		}); err != nil {
			log.Warn("failed to record title usage", "error", err)
		}
	}

	title := NormalizeTitle(resp.Text)
	if title == "" {
		log.Warn("title generation returned nothing usable", "raw", truncate(resp.Text, 80))
		return
	}

	set, err := w.store.SetTitle(ctx, job.sessionID, title)
	if err != nil {
		log.Warn("title update failed", "error", err)
		return
	}
	if !set {
		log.Debug("session already titled")
		return
	}

	log.Info("session titled", "title", title)
	w.bus.Emit(events.SourceTitle, events.KindTitleAssigned, map[string]any{
		"session_id": job.sessionID,
		"title":      title,
	})
}

// NormalizeTitle reduces model output to a single clean line of at most
// 60 runes.
func NormalizeTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "Title:")
	s = strings.Trim(s, " \t\"'`*#“”‘’")
	s = strings.TrimRight(s, ".")

	if utf8.RuneCountInString(s) > maxTitleRunes {
		r := []rune(s)
		s = strings.TrimSpace(string(r[:maxTitleRunes]))
	}
	return s
}
