package kie

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/digkill/StoryForge/internal/config"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxAttempts  = 90
)

type Client struct {
	apiKey       string
	baseURL      string
	model        string
	httpClient   *http.Client
	limiter      *rate.Limiter
	pollInterval time.Duration
	maxAttempts  int
	log          *slog.Logger
}

// ImageRequest is one image generation. ReferenceURLs bias the result toward
// a known character appearance.
type ImageRequest struct {
	Prompt         string
	NegativePrompt string
	ReferenceURLs  []string
	AspectRatio    string
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	rps := cfg.AIRequestsPerSec
	if rps <= 0 {
		rps = 1
	}
	model := cfg.KIEImageModel
	if model == "" {
		model = "nano-banana-pro"
	}

	return &Client{
		apiKey:  cfg.KIEAPIKey,
		baseURL: strings.TrimRight(cfg.KIEBaseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter:      rate.NewLimiter(rate.Limit(rps), 1),
		pollInterval: defaultPollInterval,
		maxAttempts:  defaultMaxAttempts,
		log:          log,
	}
}

// GenerateImage creates a task on the configured model, waits for it and
// returns the URL of the first result. The image itself is not downloaded.
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", fmt.Errorf("prompt cannot be empty")
	}
	if req.AspectRatio == "" {
		req.AspectRatio = "1:1"
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("wait for rate limiter: %w", err)
	}

	taskID, err := c.createTask(ctx, c.payload(req))
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return c.pollTaskStatus(ctx, taskID)
}

// payload shapes the request for the model family. Flux models take a
// separate negative prompt and input_urls; nano-banana takes image_input and
// gets the negative prompt folded into the instruction.
func (c *Client) payload(req ImageRequest) map[string]any {
	if strings.HasPrefix(c.model, "flux-2") {
		modelName := "flux-2/pro-text-to-image"
		if len(req.ReferenceURLs) > 0 {
			modelName = "flux-2/pro-image-to-image"
		}
		input := map[string]any{
			"prompt":       req.Prompt,
			"aspect_ratio": req.AspectRatio,
			"resolution":   "1K",
		}
		if req.NegativePrompt != "" {
			input["negative_prompt"] = req.NegativePrompt
		}
		if len(req.ReferenceURLs) > 0 {
			input["input_urls"] = req.ReferenceURLs
		}
		return map[string]any{"model": modelName, "input": input}
	}

	prompt := req.Prompt
	if req.NegativePrompt != "" {
		prompt += "\n\nAvoid: " + req.NegativePrompt
	}
	input := map[string]any{
		"prompt":        prompt,
		"aspect_ratio":  req.AspectRatio,
		"resolution":    "1K",
		"output_format": "png",
	}
	if len(req.ReferenceURLs) > 0 {
		input["image_input"] = req.ReferenceURLs
	}
	return map[string]any{"model": c.model, "input": input}
}

func (c *Client) endpoint(path string, query url.Values) (string, error) {
	baseURL, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if query != nil {
		ref.RawQuery = query.Encode()
	}
	return baseURL.ResolveReference(ref).String(), nil
}

func (c *Client) createTask(ctx context.Context, payload map[string]any) (string, error) {
	fullURL, err := c.endpoint("/api/v1/jobs/createTask", nil)
	if err != nil {
		return "", err
	}

	c.log.Debug("creating KIE task", "url", fullURL, "model", payload["model"])

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post kie: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		c.log.Error("KIE create task failed", "status", resp.StatusCode, "url", fullURL, "body", truncateBody(rawBody))
		return "", fmt.Errorf("kie error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	}

	var createResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID string `json:"taskId"`
		} `json:"data"`
	}

	if err := json.Unmarshal(rawBody, &createResp); err != nil {
		return "", fmt.Errorf("decode create task response: %w (body=%s)", err, truncateBody(rawBody))
	}
	if createResp.Code != 200 {
		return "", fmt.Errorf("create task failed: code=%d msg=%s", createResp.Code, createResp.Msg)
	}
	if createResp.Data.TaskID == "" {
		return "", fmt.Errorf("empty taskId in response")
	}

	c.log.Debug("KIE task created", "task_id", createResp.Data.TaskID)
	return createResp.Data.TaskID, nil
}

// pollTaskStatus polls recordInfo until the task succeeds, fails or the
// attempts run out.
func (c *Client) pollTaskStatus(ctx context.Context, taskID string) (string, error) {
	fullURL, err := c.endpoint("/api/v1/jobs/recordInfo", url.Values{"taskId": {taskID}})
	if err != nil {
		return "", err
	}

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return "", fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("get task status: %w", err)
		}

		rawBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return "", fmt.Errorf("read response body: %w", err)
		}

		if resp.StatusCode >= 300 {
			c.log.Error("KIE poll task status failed", "status", resp.StatusCode, "task_id", taskID, "body", truncateBody(rawBody))
			return "", fmt.Errorf("kie error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
		}

		var statusResp struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
			Data struct {
				TaskID     string `json:"taskId"`
				State      string `json:"state"`
				ResultJSON string `json:"resultJson"`
				FailCode   string `json:"failCode"`
				FailMsg    string `json:"failMsg"`
			} `json:"data"`
		}

		if err := json.Unmarshal(rawBody, &statusResp); err != nil {
			return "", fmt.Errorf("decode status response: %w (body=%s)", err, truncateBody(rawBody))
		}
		if statusResp.Code != 200 {
			return "", fmt.Errorf("get task status failed: code=%d msg=%s", statusResp.Code, statusResp.Msg)
		}

		switch state := statusResp.Data.State; state {
		case "success":
			if statusResp.Data.ResultJSON == "" {
				return "", fmt.Errorf("empty resultJson in success response")
			}
			var result struct {
				ResultURLs []string `json:"resultUrls"`
			}
			if err := json.Unmarshal([]byte(statusResp.Data.ResultJSON), &result); err != nil {
				return "", fmt.Errorf("parse resultJson: %w", err)
			}
			if len(result.ResultURLs) == 0 {
				return "", fmt.Errorf("no resultUrls in result")
			}
			c.log.Debug("KIE task completed", "task_id", taskID, "attempt", attempt+1)
			return result.ResultURLs[0], nil

		case "fail":
			failMsg := statusResp.Data.FailMsg
			if failMsg == "" {
				failMsg = "unknown error"
			}
			c.log.Warn("KIE task failed", "task_id", taskID, "fail_code", statusResp.Data.FailCode, "fail_msg", failMsg)
			return "", fmt.Errorf("task failed: %s (code: %s)", failMsg, statusResp.Data.FailCode)

		case "waiting", "generating", "processing", "queued", "queueing":
			if attempt%10 == 0 {
				c.log.Debug("KIE task waiting", "task_id", taskID, "attempt", attempt+1, "max_attempts", c.maxAttempts)
			}
			if attempt < c.maxAttempts-1 {
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(c.pollInterval):
				}
			}

		default:
			return "", fmt.Errorf("unknown task state: %s", state)
		}
	}

	return "", fmt.Errorf("task timeout after %d attempts", c.maxAttempts)
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
