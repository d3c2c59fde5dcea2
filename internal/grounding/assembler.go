// Package grounding assembles data-mode context from a read-only domain
// database.
//
// Each configured source table contributes a labelled block of its most
// recent rows, serialized as JSON, newest first. Sources are independent:
// a missing table or failing query is logged and skipped so the
// remaining sources still render.
package grounding

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// NoDataMessage is returned when no source contributed any rows.
const NoDataMessage = "No operational data was available from the domain database at the time of this request."

// Source is one domain table rendered into the grounding context.
type Source struct {
	Label   string
	Table   string
	OrderBy string
	Limit   int
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Open opens the domain database read-only. A missing file is an error
// rather than a new empty database.
func Open(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open domain database: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=query_only(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open domain database: %w", err)
	}
	return db, nil
}

// Assembler renders grounding context from a set of sources.
type Assembler struct {
	db      *sql.DB
	sources []Source
	logger  *slog.Logger
}

// NewAssembler creates an assembler over db. A nil db is allowed; every
// Assemble call then returns [NoDataMessage].
func NewAssembler(db *sql.DB, sources []Source, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{db: db, sources: sources, logger: logger.With("component", "grounding")}
}

// Close closes the underlying database, if any.
func (a *Assembler) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Ping checks that the domain database is reachable.
func (a *Assembler) Ping(ctx context.Context) error {
	if a.db == nil {
		return fmt.Errorf("domain database not configured")
	}
	return a.db.PingContext(ctx)
}

// Assemble returns the grounding text. It never fails; when nothing could
// be read it returns [NoDataMessage].
func (a *Assembler) Assemble(ctx context.Context) string {
	if a.db == nil {
		return NoDataMessage
	}

	start := time.Now()
	var blocks []string
	for _, src := range a.sources {
		block, err := a.render(ctx, src)
		if err != nil {
			a.logger.Warn("grounding source skipped", "table", src.Table, "error", err)
			continue
		}
		if block != "" {
			blocks = append(blocks, block)
		}
	}

	a.logger.Debug("grounding assembled",
		"sources", len(a.sources),
		"contributed", len(blocks),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	if len(blocks) == 0 {
		return NoDataMessage
	}
	return strings.Join(blocks, "\n\n")
}

func (a *Assembler) render(ctx context.Context, src Source) (string, error) {
	if !identRe.MatchString(src.Table) {
		return "", fmt.Errorf("invalid table name %q", src.Table)
	}
	orderBy := src.OrderBy
	if orderBy == "" {
		orderBy = "rowid"
	}
	if !identRe.MatchString(orderBy) {
		return "", fmt.Errorf("invalid order column %q", orderBy)
	}
	limit := src.Limit
	if limit <= 0 {
		limit = 10
	}

	// Identifiers are validated above and left unquoted: a double-quoted
	// unknown column would silently degrade to a string literal.
	query := fmt.Sprintf(`SELECT * FROM %s ORDER BY %s DESC LIMIT ?`, src.Table, orderBy)
	rows, err := a.db.QueryContext(ctx, query, limit)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", nil
	}

	data, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("marshal rows: %w", err)
	}

	label := src.Label
	if label == "" {
		label = src.Table
	}
	return fmt.Sprintf("### %s\n%s", label, data), nil
}

func scanRecords(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var records []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		rec := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				rec[col] = string(b)
				continue
			}
			rec[col] = values[i]
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
