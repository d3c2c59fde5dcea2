package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/nugget/relay/internal/config"
	"github.com/nugget/relay/internal/llm"
)

// clearUmask makes file permission assertions deterministic.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run(%v) = %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: relay") {
			t.Errorf("run(%v) output = %q", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"launch"}, "unknown command"},
		{"unknown flag", []string{"-verbose", "serve"}, "unknown flag"},
		{"bad output", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"missing config", []string{"-config", "/nonexistent/relay.yaml", "serve"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), &out, &out, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRunInit(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	if info, err := os.Stat(filepath.Join(dir, "db")); err != nil || !info.IsDir() {
		t.Errorf("db directory missing: %v", err)
	}
	path := filepath.Join(dir, "config.yaml")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}

	// The shipped example must load and validate as-is.
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("example config invalid: %v", err)
	}
	if cfg.Listen.Port != 3000 || cfg.Memory.HistoryLimit != 20 || len(cfg.Grounding.Sources) != 3 {
		t.Errorf("example config = %+v", cfg)
	}

	// A second run leaves the edited file alone.
	if err := os.WriteFile(path, []byte("listen:\n  port: 9000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	buf.Reset()
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("second runInit: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "9000") {
		t.Error("runInit overwrote an existing config")
	}
	if !strings.Contains(buf.String(), "left unchanged") {
		t.Errorf("output = %q", buf.String())
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunAsk_Chat(t *testing.T) {
	var gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Contents []struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.Contents) > 0 && len(body.Contents[0].Parts) > 0 {
			gotPrompt = body.Contents[0].Parts[0].Text
		}
		w.Write([]byte(`{"candidates": [{"content": {"role": "model", "parts": [{"text": "hi there"}]}, "finishReason": "STOP"}]}`))
	}))
	defer srv.Close()

	cfgPath := writeConfig(t, "generation:\n  api_key: test-key\n  base_url: "+srv.URL+"\n")

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"-config", cfgPath, "ask", "hello", "relay"}); err != nil {
		t.Fatalf("ask: %v\nstderr: %s", err, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != "hi there" {
		t.Errorf("stdout = %q, want only the reply", got)
	}
	if gotPrompt != "hello relay" {
		t.Errorf("prompt sent = %q", gotPrompt)
	}
}

func TestRunAsk_ExportsSpans(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "traced"}]}}], "usageMetadata": {"promptTokenCount": 5, "candidatesTokenCount": 2}}`))
	}))
	defer srv.Close()

	spans := filepath.Join(t.TempDir(), "spans.json")
	cfgPath := writeConfig(t, "generation:\n  api_key: k\n  base_url: "+srv.URL+"\ntracing:\n  exporter: file\n  path: "+spans+"\n")

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"-config", cfgPath, "ask", "hello"}); err != nil {
		t.Fatalf("ask: %v\nstderr: %s", err, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != "traced" {
		t.Errorf("stdout = %q", got)
	}

	data, err := os.ReadFile(spans)
	if err != nil {
		t.Fatalf("read spans: %v", err)
	}
	for _, want := range []string{"dispatch.process", "llm.generate", "relay.mode"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("exported spans missing %q:\n%s", want, data)
		}
	}
}

func TestRunAsk_BadTracingConfig(t *testing.T) {
	cfgPath := writeConfig(t, "tracing:\n  exporter: carrier-pigeon\n")
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-config", cfgPath, "ask", "hello"})
	if err == nil || !strings.Contains(err.Error(), "tracing.exporter") {
		t.Errorf("err = %v", err)
	}
}

func TestRunAsk_VisionRequiresImage(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()
	cfgPath := writeConfig(t, "generation:\n  api_key: k\n  base_url: "+srv.URL+"\n")

	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-config", cfgPath, "ask", "-mode", "vision", "what is this"})
	if err == nil || !strings.Contains(err.Error(), "requires an image") {
		t.Errorf("err = %v", err)
	}
	if called {
		t.Error("generation service called without an image")
	}
}

func TestRunAsk_DataWithoutDomainDB(t *testing.T) {
	var gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		raw, _ := json.Marshal(body)
		gotPrompt = string(raw)
		w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "no data available"}]}}]}`))
	}))
	defer srv.Close()
	cfgPath := writeConfig(t, "generation:\n  api_key: k\n  base_url: "+srv.URL+"\n")

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"-config", cfgPath, "ask", "-mode=data", "how", "many", "shipments?"}); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !strings.Contains(gotPrompt, "No operational data") || !strings.Contains(gotPrompt, "how many shipments?") {
		t.Errorf("prompt = %s", gotPrompt)
	}
}

func TestCreateGenerator_Routing(t *testing.T) {
	mk := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if name == "ollama" {
				w.Write([]byte(`{"message": {"role": "assistant", "content": "from ollama"}, "done": true}`))
				return
			}
			w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "from gemini"}]}}]}`))
		}))
	}
	gemini, ollama := mk("gemini"), mk("ollama")
	defer gemini.Close()
	defer ollama.Close()

	cfg := config.Default()
	cfg.Generation.APIKey = "k"
	cfg.Generation.BaseURL = gemini.URL
	cfg.Generation.OllamaURL = ollama.URL
	cfg.Generation.Models = []config.ModelRoute{{Name: "llava", Provider: "ollama"}}

	gen := createGenerator(cfg, newLogger(&bytes.Buffer{}, 0, "text"))

	for model, want := range map[string]string{"gemini-2.5-flash": "from gemini", "llava": "from ollama"} {
		resp, err := gen.Generate(context.Background(), llmRequest(model))
		if err != nil {
			t.Fatalf("Generate(%s): %v", model, err)
		}
		if resp.Text != want {
			t.Errorf("model %s answered %q, want %q", model, resp.Text, want)
		}
	}
}

func llmRequest(model string) llm.Request {
	return llm.Request{Model: model, Prompt: "ping"}
}
