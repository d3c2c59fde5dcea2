package dispatch

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/nugget/relay/internal/prompts"
)

// pngHeader is enough for content sniffing to report image/png.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func TestParseMode(t *testing.T) {
	tests := map[string]Mode{
		"chat":    ModeChat,
		"data":    ModeData,
		" DATA ":  ModeData,
		"vision":  ModeVision,
		"":        ModeChat,
		"unknown": ModeChat,
	}
	for in, want := range tests {
		if got := ParseMode(in); got != want {
			t.Errorf("ParseMode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseRequest(t *testing.T) {
	png64 := base64.StdEncoding.EncodeToString(pngHeader)

	tests := []struct {
		name        string
		raw         string
		wantErr     bool
		wantMode    Mode
		wantPrompt  string
		wantSession int64
		wantMIME    string
	}{
		{name: "chat with numeric session", raw: `{"prompt":"hello","mode":"chat","sessionId":1}`, wantMode: ModeChat, wantPrompt: "hello", wantSession: 1},
		{name: "string session", raw: `{"prompt":"hello","sessionId":"42"}`, wantMode: ModeChat, wantPrompt: "hello", wantSession: 42},
		{name: "null session", raw: `{"prompt":"hello","sessionId":null}`, wantMode: ModeChat, wantPrompt: "hello"},
		{name: "empty string session", raw: `{"prompt":"hello","sessionId":""}`, wantMode: ModeChat, wantPrompt: "hello"},
		{name: "unknown mode falls back", raw: `{"prompt":"hi","mode":"poetry"}`, wantMode: ModeChat, wantPrompt: "hi"},
		{name: "data without session", raw: `{"prompt":"summarize","mode":"data"}`, wantMode: ModeData, wantPrompt: "summarize"},
		{name: "chat ignores broken image", raw: `{"prompt":"hi","mode":"chat","imageBase64":"data:image/png;base64,@@@"}`, wantMode: ModeChat, wantPrompt: "hi"},
		{name: "data ignores valid image", raw: `{"prompt":"totals","mode":"data","imageBase64":"` + png64 + `"}`, wantMode: ModeData, wantPrompt: "totals"},
		{name: "vision data uri", raw: `{"prompt":"what","mode":"vision","imageBase64":"data:image/jpeg;base64,` + png64 + `"}`, wantMode: ModeVision, wantPrompt: "what", wantMIME: "image/jpeg"},
		{name: "vision raw base64 sniffed", raw: `{"prompt":"what","mode":"vision","imageBase64":"` + png64 + `"}`, wantMode: ModeVision, wantPrompt: "what", wantMIME: "image/png"},
		{name: "vision default prompt", raw: `{"mode":"vision","imageBase64":"` + png64 + `"}`, wantMode: ModeVision, wantPrompt: prompts.DefaultVisionPrompt, wantMIME: "image/png"},

		{name: "malformed json", raw: `{"prompt":`, wantErr: true},
		{name: "chat without prompt", raw: `{"mode":"chat"}`, wantErr: true},
		{name: "data blank prompt", raw: `{"prompt":"   ","mode":"data"}`, wantErr: true},
		{name: "vision without image", raw: `{"prompt":"what","mode":"vision"}`, wantErr: true},
		{name: "vision bad base64", raw: `{"prompt":"what","mode":"vision","imageBase64":"data:image/png;base64,@@@"}`, wantErr: true},
		{name: "vision non-image", raw: `{"prompt":"what","mode":"vision","imageBase64":"` + base64.StdEncoding.EncodeToString([]byte("plain text")) + `"}`, wantErr: true},
		{name: "fractional session", raw: `{"prompt":"hi","sessionId":1.5}`, wantErr: true},
		{name: "negative session", raw: `{"prompt":"hi","sessionId":-3}`, wantErr: true},
		{name: "word session", raw: `{"prompt":"hi","sessionId":"abc"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest([]byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRequest) {
					t.Fatalf("err = %v, want ErrInvalidRequest", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRequest: %v", err)
			}
			if req.Mode != tt.wantMode {
				t.Errorf("Mode = %q, want %q", req.Mode, tt.wantMode)
			}
			if req.Prompt != tt.wantPrompt {
				t.Errorf("Prompt = %q, want %q", req.Prompt, tt.wantPrompt)
			}
			if req.HasSession != (tt.wantSession != 0) || req.SessionID != tt.wantSession {
				t.Errorf("session = %v/%d, want %d", req.HasSession, req.SessionID, tt.wantSession)
			}
			if tt.wantMIME == "" && req.Attachment != nil {
				t.Errorf("attachment = %+v, want none outside vision", req.Attachment)
			}
			if tt.wantMIME != "" {
				if req.Attachment == nil {
					t.Fatal("missing attachment")
				}
				if req.Attachment.MIME != tt.wantMIME {
					t.Errorf("MIME = %q, want %q", req.Attachment.MIME, tt.wantMIME)
				}
				if string(req.Attachment.Data) != string(pngHeader) {
					t.Errorf("attachment bytes not decoded")
				}
			}
		})
	}
}

func TestDecodeAttachment_StripsThroughFirstComma(t *testing.T) {
	enc := base64.StdEncoding.EncodeToString(pngHeader)
	att, err := decodeAttachment("header-without-data-prefix," + enc)
	if err != nil {
		t.Fatalf("decodeAttachment: %v", err)
	}
	if att.MIME != "image/png" {
		t.Errorf("MIME = %q, want sniffed image/png", att.MIME)
	}
}

func TestDecodeAttachment_UnpaddedAndWrapped(t *testing.T) {
	enc := base64.RawStdEncoding.EncodeToString(pngHeader)
	att, err := decodeAttachment(enc[:8] + "\n" + enc[8:])
	if err != nil {
		t.Fatalf("decodeAttachment: %v", err)
	}
	if string(att.Data) != string(pngHeader) {
		t.Error("bytes mismatch")
	}
}
