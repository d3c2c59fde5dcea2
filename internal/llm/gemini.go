package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/relay/internal/httpkit"
)

const defaultGeminiURL = "https://generativelanguage.googleapis.com/v1beta"

// levelTrace mirrors config.LevelTrace without importing config.
const levelTrace = slog.Level(-8)

// GeminiClient is a client for the Gemini generateContent API.
type GeminiClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGeminiClient creates a Gemini client. An empty apiKey is accepted;
// every Generate call then fails with [ErrNoCredential].
func NewGeminiClient(apiKey, baseURL string, logger *slog.Logger) *GeminiClient {
	if baseURL == "" {
		baseURL = defaultGeminiURL
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Generation can take well past the shared header timeout.
	return &GeminiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(5*time.Minute),
			httpkit.WithHeaderTimeout(0),
			httpkit.WithHeader("x-goog-api-key", apiKey),
		),
		logger: logger.With("provider", "gemini"),
	}
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// Generate sends a generateContent request.
func (c *GeminiClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, ErrNoCredential
	}
	if req.Model == "" {
		return nil, fmt.Errorf("gemini: model is required")
	}

	body, err := json.Marshal(buildGeminiRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, levelTrace, "gemini request", "model", req.Model, "body", string(body))

	endpoint := c.baseURL + "/models/" + url.PathEscape(req.Model) + ":generateContent"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if err := httpkit.CheckResponse(resp); err != nil {
		var se *httpkit.StatusError
		if errors.As(err, &se) {
			return nil, fmt.Errorf("API error %d: %s", se.StatusCode, geminiErrorMessage(se.Body))
		}
		return nil, err
	}
	defer httpkit.Discard(resp)

	var gr geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(gr.Candidates) == 0 {
		if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("prompt blocked: %s", gr.PromptFeedback.BlockReason)
		}
		return nil, ErrEmptyResponse
	}

	var text strings.Builder
	for _, p := range gr.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	if text.Len() == 0 {
		return nil, ErrEmptyResponse
	}

	c.logger.Debug("gemini response",
		"model", req.Model,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"input_tokens", gr.UsageMetadata.PromptTokenCount,
		"output_tokens", gr.UsageMetadata.CandidatesTokenCount,
	)

	return &Response{
		Text:         text.String(),
		Model:        req.Model,
		FinishReason: gr.Candidates[0].FinishReason,
		InputTokens:  gr.UsageMetadata.PromptTokenCount,
		OutputTokens: gr.UsageMetadata.CandidatesTokenCount,
	}, nil
}

// Ping checks that the models endpoint answers with the configured key.
func (c *GeminiClient) Ping(ctx context.Context) error {
	if c.apiKey == "" {
		return ErrNoCredential
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models?pageSize=1", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if err := httpkit.CheckResponse(resp); err != nil {
		return err
	}
	httpkit.Discard(resp)
	return nil
}

// buildGeminiRequest converts history plus the current prompt into
// Gemini contents. Gemini requires the conversation to open with a user
// turn, so leading assistant messages are dropped, and consecutive
// messages with the same role are merged.
func buildGeminiRequest(req Request) geminiRequest {
	var contents []geminiContent
	for _, m := range req.History {
		role := "model"
		if NormalizeRole(m.Role) == RoleUser {
			role = "user"
		}
		if len(contents) == 0 && role == "model" {
			continue
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, geminiPart{Text: m.Content})
			continue
		}
		contents = append(contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}

	parts := []geminiPart{{Text: req.Prompt}}
	for _, img := range req.Images {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: img.MIME,
			Data:     base64.StdEncoding.EncodeToString(img.Data),
		}})
	}
	if n := len(contents); n > 0 && contents[n-1].Role == "user" {
		contents[n-1].Parts = append(contents[n-1].Parts, parts...)
	} else {
		contents = append(contents, geminiContent{Role: "user", Parts: parts})
	}

	return geminiRequest{Contents: contents}
}

// geminiErrorMessage extracts error.message from a Gemini error body,
// falling back to the raw body.
func geminiErrorMessage(body string) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return strings.TrimSpace(body)
}
