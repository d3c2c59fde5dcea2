package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ExportMarkdown renders a session as a markdown transcript, one section
// per turn in sequence order.
func (s *Store) ExportMarkdown(ctx context.Context, sessionID int64) (string, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	turns, err := s.Turns(ctx, sessionID)
	if err != nil {
		return "", err
	}

	title := sess.Title
	if title == "" {
		title = fmt.Sprintf("Session %d", sess.ID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "*Started %s · %d turns*\n\n", sess.CreatedAt.UTC().Format(time.RFC3339), len(turns))

	for _, t := range turns {
		speaker := "Assistant"
		if t.Sender == SenderUser {
			speaker = "User"
		}
		fmt.Fprintf(&b, "---\n\n**%s** (%s)\n\n", speaker, t.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
		if t.AttachmentType != "" {
			fmt.Fprintf(&b, "*[attachment: %s]*\n\n", t.AttachmentType)
		}
		b.WriteString(t.Content)
		b.WriteString("\n\n")
	}

	return b.String(), nil
}
