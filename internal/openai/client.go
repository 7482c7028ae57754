package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/tomatolab/classchat/internal/config"
)

var ErrMissingAPIKey = errors.New("openai api key is not configured")

// Client talks to an OpenAI compatible API: single-shot image generation and
// streamed chat completions.
type Client struct {
	apiKey     string
	baseURL    string
	chatModel  string
	imageModel string
	imageSize  string
	httpClient *http.Client
	log        *slog.Logger
}

type Image struct {
	URL           string
	RevisedPrompt string
}

// ChatMessage is one entry of a chat request. ImageURL may be an https URL
// or a data: URL and is only sent for user messages.
type ChatMessage struct {
	Role     string
	Text     string
	ImageURL string
}

func (m ChatMessage) MarshalJSON() ([]byte, error) {
	if m.ImageURL == "" {
		return json.Marshal(map[string]any{"role": m.Role, "content": m.Text})
	}
	return json.Marshal(map[string]any{
		"role": m.Role,
		"content": []map[string]any{
			{"type": "text", "text": m.Text},
			{"type": "image_url", "image_url": map[string]string{"url": m.ImageURL}},
		},
	})
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		apiKey:     cfg.OpenAIAPIKey,
		baseURL:    strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		chatModel:  cfg.ChatModel,
		imageModel: cfg.ImageModel,
		imageSize:  cfg.ImageSize,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

func (c *Client) GenerateImage(ctx context.Context, prompt string) (*Image, error) {
	payload := map[string]any{
		"model":   c.imageModel,
		"prompt":  prompt,
		"size":    c.imageSize,
		"quality": "standard",
		"n":       1,
	}
	resp, err := c.post(ctx, "/images/generations", payload, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, c.apiError("image generation", resp.StatusCode, rawBody)
	}

	url := gjson.GetBytes(rawBody, "data.0.url").String()
	if url == "" {
		return nil, fmt.Errorf("no image url in response (body=%s)", truncateBody(rawBody))
	}
	if c.log != nil {
		c.log.Info("image generated", "model", c.imageModel)
	}
	return &Image{
		URL:           url,
		RevisedPrompt: gjson.GetBytes(rawBody, "data.0.revised_prompt").String(),
	}, nil
}

// StreamChat sends the conversation and calls onDelta for every streamed
// text fragment. It returns the concatenated reply once the provider
// signals completion.
func (c *Client) StreamChat(ctx context.Context, messages []ChatMessage, onDelta func(string)) (string, error) {
	payload := map[string]any{
		"model":    c.chatModel,
		"messages": messages,
		"stream":   true,
	}
	resp, err := c.post(ctx, "/chat/completions", payload, "text/event-stream")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		rawBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return "", c.apiError("chat completion", resp.StatusCode, rawBody)
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return full.String(), nil
		}
		if msg := gjson.Get(data, "error.message"); msg.Exists() {
			return full.String(), fmt.Errorf("chat completion stream: %s", msg.String())
		}
		delta := gjson.Get(data, "choices.0.delta.content")
		if delta.Type != gjson.String || delta.String() == "" {
			continue
		}
		full.WriteString(delta.String())
		if onDelta != nil {
			onDelta(delta.String())
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("read chat stream: %w", err)
	}
	// Some compatible servers close the stream without a [DONE] frame.
	return full.String(), nil
}

func (c *Client) post(ctx context.Context, path string, payload any, accept string) (*http.Response, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	return resp, nil
}

func (c *Client) apiError(op string, status int, body []byte) error {
	if c.log != nil {
		c.log.Error("openai request failed", "op", op, "status", status, "body", truncateBody(body))
	}
	if msg := gjson.GetBytes(body, "error.message").String(); msg != "" {
		return fmt.Errorf("%s failed: status=%d: %s", op, status, msg)
	}
	return fmt.Errorf("%s failed: status=%d body=%s", op, status, truncateBody(body))
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
