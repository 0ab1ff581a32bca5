package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/model"
)

// Flavor selects request shaping for hosted vs self-hosted servers.
type Flavor string

const (
	FlavorHosted Flavor = "openai"
	FlavorLocal  Flavor = "local"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client is an OpenAI-compatible chat completions and image generation client.
type Client struct {
	apiKey        string
	baseURL       string
	model         string
	flavor        Flavor
	imageModel    string
	imageQuality  string
	imageSize     string
	imageURL      string
	allowSuppress bool
	httpClient    *http.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSpace(baseURL) }
}

func WithFlavor(f Flavor) Option {
	return func(c *Client) { c.flavor = f }
}

// WithImage sets the image model, quality and size. Empty values keep defaults.
func WithImage(model, quality, size string) Option {
	return func(c *Client) {
		if model != "" {
			c.imageModel = model
		}
		if quality != "" {
			c.imageQuality = quality
		}
		if size != "" {
			c.imageSize = size
		}
	}
}

// WithImageURL overrides the image generation endpoint, typically for a
// local image server.
func WithImageURL(url string) Option {
	return func(c *Client) { c.imageURL = strings.TrimSpace(url) }
}

// WithSuppress offers the ignore_message function to the model.
func WithSuppress(enabled bool) Option {
	return func(c *Client) { c.allowSuppress = enabled }
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// NewClient creates a client. The hosted flavour requires an API key; a
// local server may run without one.
func NewClient(apiKey, modelName string, timeout time.Duration, opts ...Option) (*Client, error) {
	c := &Client{
		apiKey:       strings.TrimSpace(apiKey),
		baseURL:      defaultBaseURL,
		model:        strings.TrimSpace(modelName),
		flavor:       FlavorHosted,
		imageModel:   "dall-e-3",
		imageQuality: "standard",
		imageSize:    "1024x1024",
		httpClient:   &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	if c.flavor == FlavorHosted && c.apiKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: timeout}
	}
	return c, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type toolSpec struct {
	Type     string       `json:"type"`
	Function functionSpec `json:"function"`
}

type functionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []toolSpec    `json:"tools,omitempty"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type toolCall struct {
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content      string        `json:"content"`
			FunctionCall *functionCall `json:"function_call,omitempty"`
			ToolCalls    []toolCall    `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type imageRequest struct {
	Model   string `json:"model,omitempty"`
	Prompt  string `json:"prompt"`
	N       int    `json:"n"`
	Quality string `json:"quality,omitempty"`
	Size    string `json:"size,omitempty"`
}

type imageResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Message    string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Chat implements model.Backend.
func (c *Client) Chat(ctx context.Context, messages []ctxpkg.Message, allowFunctions bool) model.Outcome {
	req := chatRequest{Model: c.model, Messages: make([]chatMessage, 0, len(messages))}
	for _, m := range messages {
		req.Messages = append(req.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	if allowFunctions {
		for _, fn := range model.Functions(c.allowSuppress) {
			req.Tools = append(req.Tools, toolSpec{
				Type:     "function",
				Function: functionSpec{Name: fn.Name, Description: fn.Description, Parameters: fn.Parameters},
			})
		}
	}

	url := chatURL(c.baseURL)
	raw, err := c.postJSON(ctx, url, req)
	if err != nil {
		return model.Failure(err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return model.Failure(fmt.Errorf("openai: decode response: %s", truncate(string(raw), 400)))
	}
	if len(parsed.Choices) == 0 {
		return model.Failure(errors.New("openai: no choices in response"))
	}
	msg := parsed.Choices[0].Message
	content := strings.TrimSpace(msg.Content)

	// Some servers ignore an empty tool list; never act on a call we did not offer.
	if call := firstCall(msg.FunctionCall, msg.ToolCalls); call != nil && allowFunctions {
		return model.DecodeFunctionCall(call.Name, call.Arguments, content)
	}
	if content == "" {
		return model.Failure(errors.New("openai: empty response"))
	}
	return model.Text(content)
}

// firstCall prefers the legacy function_call field and falls back to the
// first tool call.
func firstCall(legacy *functionCall, toolCalls []toolCall) *functionCall {
	if legacy != nil && legacy.Name != "" {
		return legacy
	}
	for i := range toolCalls {
		if toolCalls[i].Function.Name != "" {
			return &toolCalls[i].Function
		}
	}
	return nil
}

// Image implements model.Backend.
func (c *Client) Image(ctx context.Context, prompt string) model.Outcome {
	req := imageRequest{
		Model:  c.imageModel,
		Prompt: prompt,
		N:      1,
		Size:   c.imageSize,
	}
	if c.flavor == FlavorHosted {
		req.Quality = c.imageQuality
	}

	url := c.imageURL
	if url == "" {
		url = imagesURL(c.baseURL)
	}
	raw, err := c.postJSON(ctx, url, req)
	if err != nil {
		return model.Failure(err)
	}

	var parsed imageResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return model.Failure(fmt.Errorf("openai: decode image response: %s", truncate(string(raw), 400)))
	}
	if len(parsed.Data) == 0 || strings.TrimSpace(parsed.Data[0].URL) == "" {
		return model.Failure(errors.New("openai: no image url in response"))
	}
	return model.Image(strings.TrimSpace(parsed.Data[0].URL))
}

func (c *Client) postJSON(ctx context.Context, url string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			URL:        url,
			Message:    providerMessage(buf),
		}
	}
	buf, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("openai: read response body: %w", err)
	}
	return buf, nil
}

// providerMessage extracts error.message from an OpenAI-style error body and
// falls back to the raw body.
func providerMessage(body []byte) string {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && strings.TrimSpace(env.Error.Message) != "" {
		return strings.TrimSpace(env.Error.Message)
	}
	return truncate(strings.TrimSpace(string(body)), 400)
}

func chatURL(baseURL string) string {
	return endpoint(baseURL, "/chat/completions")
}

func imagesURL(baseURL string) string {
	return endpoint(baseURL, "/images/generations")
}

func endpoint(baseURL, path string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + path
	}
	return base + "/v1" + path
}


func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
