package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrNotImage = errors.New("content is not a supported image")

// MaxImageBytes caps downloads and uploads of a single image.
const MaxImageBytes = 20 << 20

// Fetcher downloads images produced by the AI provider.
type Fetcher struct {
	httpClient *http.Client
}

func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Fetcher{httpClient: &http.Client{Timeout: timeout}}
}

// Download returns the body of url and its normalized image content type.
func (f *Fetcher) Download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("image download status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image body: %w", err)
	}
	if len(body) > MaxImageBytes {
		return nil, "", fmt.Errorf("image exceeds %d bytes", MaxImageBytes)
	}
	ct, err := NormalizeImageContentType(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, "", err
	}
	return body, ct, nil
}

// NormalizeImageContentType trusts the header only when it names an image and
// sniffs the bytes otherwise. Only jpeg, png and webp are accepted.
func NormalizeImageContentType(headerCT string, data []byte) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(headerCT))
	if idx := strings.Index(ct, ";"); idx > 0 {
		ct = ct[:idx]
	}
	if ct == "" || ct == "application/octet-stream" || !strings.HasPrefix(ct, "image/") {
		if len(data) > 0 {
			ct = http.DetectContentType(data)
			if idx := strings.Index(ct, ";"); idx > 0 {
				ct = ct[:idx]
			}
		}
	}

	switch ct {
	case "image/jpeg", "image/jpg":
		return "image/jpeg", nil
	case "image/png":
		return "image/png", nil
	case "image/webp":
		return "image/webp", nil
	default:
		return "", ErrNotImage
	}
}
