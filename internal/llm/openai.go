package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AliyahZombie/Plotrix/internal/config"
	"github.com/AliyahZombie/Plotrix/internal/httpkit"
)

// completionsPath is appended to a provider's base URL.
const completionsPath = "/v1/chat/completions"

// maxResponseBytes caps buffered completion bodies.
const maxResponseBytes = 16 << 20

// APIError is a non-2xx reply from the completion endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// OpenAIClient is a [Client] for OpenAI-compatible endpoints.
type OpenAIClient struct {
	endpoint     string
	apiKey       string
	httpClient   *http.Client
	streamClient *http.Client
	logger       *slog.Logger
}

// NewOpenAIClient builds a client for one configured provider. Buffered
// requests use the provider timeout end to end; streams only bound the
// wait for response headers.
func NewOpenAIClient(name string, p config.ProviderConfig, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}

	base := []httpkit.ClientOption{httpkit.WithHeaders(p.ExtraHeaders)}
	if p.InsecureSkipVerify() {
		base = append(base, httpkit.WithTLSInsecureSkipVerify())
	}
	buffered := append([]httpkit.ClientOption{httpkit.WithTimeout(p.Timeout())}, base...)
	streaming := append([]httpkit.ClientOption{
		httpkit.WithTimeout(0),
		httpkit.WithResponseHeaderTimeout(p.Timeout()),
	}, base...)

	return &OpenAIClient{
		endpoint:     strings.TrimRight(p.BaseURL, "/") + completionsPath,
		apiKey:       p.APIKey,
		httpClient:   httpkit.NewClient(buffered...),
		streamClient: httpkit.NewClient(streaming...),
		logger:       logger.With("provider", name),
	}
}

// Endpoint returns the URL requests are POSTed to.
func (c *OpenAIClient) Endpoint() string {
	return c.endpoint
}

// wire shapes

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content      *string       `json:"content"`
			ToolCalls    []ToolCall    `json:"tool_calls"`
			FunctionCall *FunctionCall `json:"function_call"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string          `json:"content"`
			ToolCalls []ToolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// Chat sends a buffered completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body := *req
	body.Stream = false

	resp, err := c.post(ctx, c.httpClient, &body, "application/json")
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "response payload", "json", string(raw))

	var parsed completionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("invalid json response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	choice := parsed.Choices[0]
	out := &ChatResponse{
		Model:        parsed.Model,
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        parsed.Usage,
	}
	for _, tc := range choice.Message.ToolCalls {
		if tc.Type == "" {
			tc.Type = "function"
		}
		out.ToolCalls = append(out.ToolCalls, tc)
	}
	if len(out.ToolCalls) == 0 && choice.Message.FunctionCall != nil {
		out.ToolCalls = []ToolCall{{
			ID:       "function_call",
			Type:     "function",
			Function: *choice.Message.FunctionCall,
		}}
	}

	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.Usage.PromptTokens,
		"output_tokens", out.Usage.CompletionTokens,
		"tool_calls", len(out.ToolCalls),
	)
	return out, nil
}

// ChatStream sends a streaming completion request and consumes the
// "data: " event stream until "[DONE]" or EOF. Chunks that are not valid
// JSON are skipped.
func (c *OpenAIClient) ChatStream(ctx context.Context, req *ChatRequest, callback StreamCallback) (*ChatResponse, error) {
	body := *req
	body.Stream = true

	resp, err := c.post(ctx, c.streamClient, &body, "text/event-stream")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	emit := func(ev StreamEvent) {
		if callback != nil {
			callback(ev)
		}
	}

	var (
		content strings.Builder
		acc     = NewToolCallAccumulator()
		out     = &ChatResponse{}
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("skipping malformed stream chunk", "error", err)
			continue
		}
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Usage != nil {
			out.Usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			out.FinishReason = choice.FinishReason
		}
		if d := choice.Delta.Content; d != "" {
			content.WriteString(d)
			emit(StreamEvent{Kind: KindContent, Content: d})
		}
		if len(choice.Delta.ToolCalls) > 0 {
			if err := acc.Add(choice.Delta.ToolCalls); err != nil {
				return nil, fmt.Errorf("stream chunk: %w", err)
			}
			emit(StreamEvent{Kind: KindToolCalls, ToolCalls: acc.Snapshot()})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	text := content.String()
	out.Content = &text
	out.ToolCalls = acc.Calls()

	c.logger.Debug("stream complete",
		"model", out.Model,
		"content_len", len(text),
		"tool_calls", len(out.ToolCalls),
	)
	return out, nil
}

func (c *OpenAIClient) post(ctx context.Context, hc *http.Client, body *ChatRequest, accept string) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("sending request",
		"model", body.Model,
		"messages", len(body.Messages),
		"tools", len(body.Tools),
		"stream", body.Stream,
	)
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	if body.Stream {
		httpReq.Header.Set("Cache-Control", "no-cache")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if !httpkit.IsSuccess(resp.StatusCode) {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Warn("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: errBody}
	}
	return resp, nil
}
