package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/digkill/StoryForge/internal/config"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client calls an OpenAI compatible chat completions endpoint and always asks
// for a JSON object response.
type Client struct {
	httpClient  *http.Client
	apiKey      string
	apiURL      string
	model       string
	temperature float64
	limiter     *rate.Limiter
	log         *slog.Logger
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	apiURL := strings.TrimRight(cfg.LLMBaseURL, "/")
	if apiURL == "" {
		apiURL = "https://api.openai.com/v1"
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	rps := cfg.AIRequestsPerSec
	if rps <= 0 {
		rps = 1
	}
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		apiKey:      cfg.LLMAPIKey,
		apiURL:      apiURL,
		model:       cfg.LLMModel,
		temperature: 0.8,
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		log:         log,
	}
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []Message      `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// GenerateText returns the content of the first choice. Parsing the content
// is up to the caller.
func (c *Client) GenerateText(ctx context.Context, messages []Message) (string, error) {
	if c.model == "" {
		return "", fmt.Errorf("llm: model is required")
	}
	if len(messages) == 0 {
		return "", fmt.Errorf("llm: no messages")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("llm: wait for rate limiter: %w", err)
	}

	payload, err := json.Marshal(chatRequest{
		Model:          c.model,
		Messages:       messages,
		Temperature:    c.temperature,
		ResponseFormat: responseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return "", fmt.Errorf("llm: unexpected status %s: %s", resp.Status, msg)
	}
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("llm: response is not JSON")
	}

	choice := gjson.GetBytes(body, "choices.0")
	if !choice.Exists() {
		return "", fmt.Errorf("llm: response has no choices")
	}
	if refusal := choice.Get("message.refusal").String(); refusal != "" {
		return "", fmt.Errorf("llm: model refused: %s", refusal)
	}
	content := choice.Get("message.content").String()
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("llm: empty content (finish_reason=%s)", choice.Get("finish_reason").String())
	}

	c.log.Debug("llm completion", "model", c.model, "duration", time.Since(start), "total_tokens", gjson.GetBytes(body, "usage.total_tokens").Int())
	return content, nil
}
