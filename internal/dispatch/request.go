package dispatch

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/nugget/relay/internal/prompts"
)

// ErrInvalidRequest marks input errors. They are reported to the client
// and never reach the generation service.
var ErrInvalidRequest = errors.New("invalid request")

// Attachment is a decoded inline image.
type Attachment struct {
	Data []byte
	MIME string
}

// Request is one parsed inbound message.
type Request struct {
	Prompt     string
	Mode       Mode
	Attachment *Attachment
	// SessionID is meaningful only when HasSession is true.
	SessionID  int64
	HasSession bool
}

type wireRequest struct {
	Prompt      string          `json:"prompt"`
	Mode        string          `json:"mode"`
	ImageBase64 string          `json:"imageBase64"`
	SessionID   json.RawMessage `json:"sessionId"`
}

// ParseRequest decodes and validates an inbound message. Every check a
// mode depends on happens here, so a request that parses is safe to
// persist and dispatch.
func ParseRequest(raw []byte) (Request, error) {
	var w wireRequest
	if err := json.Unmarshal(raw, &w); err != nil {
		return Request{}, fmt.Errorf("%w: malformed JSON: %v", ErrInvalidRequest, err)
	}

	req := Request{
		Prompt: strings.TrimSpace(w.Prompt),
		Mode:   ParseMode(w.Mode),
	}

	sid, ok, err := parseSessionID(w.SessionID)
	if err != nil {
		return Request{}, err
	}
	req.SessionID, req.HasSession = sid, ok

	// Only vision reads the image. Elsewhere the field is ignored, so a
	// stray or broken value cannot fail a chat or data message.
	switch req.Mode {
	case ModeVision:
		if strings.TrimSpace(w.ImageBase64) == "" {
			return Request{}, fmt.Errorf("%w: vision mode requires an image", ErrInvalidRequest)
		}
		att, err := decodeAttachment(w.ImageBase64)
		if err != nil {
			return Request{}, err
		}
		req.Attachment = att
		if !strings.HasPrefix(req.Attachment.MIME, "image/") {
			return Request{}, fmt.Errorf("%w: attachment is %s, not an image", ErrInvalidRequest, req.Attachment.MIME)
		}
		if req.Prompt == "" {
			req.Prompt = prompts.DefaultVisionPrompt
		}
	default:
		if req.Prompt == "" {
			return Request{}, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
		}
	}

	return req, nil
}

// parseSessionID accepts a JSON integer or a string holding one. Absent
// and null mean no session.
func parseSessionID(raw json.RawMessage) (int64, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false, nil
	}

	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false, fmt.Errorf("%w: sessionId: %v", ErrInvalidRequest, err)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, false, nil
		}
	}

	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 1 {
		return 0, false, fmt.Errorf("%w: sessionId must be a positive integer", ErrInvalidRequest)
	}
	return id, true, nil
}

// decodeAttachment accepts a data URI or bare base64. Everything up to
// and including the first comma is a header; its MIME type wins over
// content sniffing.
func decodeAttachment(s string) (*Attachment, error) {
	var mime string
	if i := strings.IndexByte(s, ','); i >= 0 {
		header := s[:i]
		s = s[i+1:]
		if rest, ok := strings.CutPrefix(header, "data:"); ok {
			mime, _, _ = strings.Cut(rest, ";")
		}
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: image is not valid base64", ErrInvalidRequest)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: image is empty", ErrInvalidRequest)
	}

	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return &Attachment{Data: data, MIME: strings.ToLower(strings.TrimSpace(mime))}, nil
}
