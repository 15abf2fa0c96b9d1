package relaygraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ModelClassifier is the secondary classifier consulted when no taxonomy
// rule matches a file.
type ModelClassifier interface {
	Classify(ctx context.Context, req ModelRequest) (ModelResult, error)
}

type ModelRequest struct {
	OrgID    string `json:"orgId"`
	Path     string `json:"path"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

type ModelResult struct {
	Slot       string  `json:"slot"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

type HTTPModelClassifierOptions struct {
	URL        string
	HTTPClient *http.Client
	Token      string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type HTTPModelClassifier struct {
	url        string
	httpClient *http.Client
	token      string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPModelClassifier(opts HTTPModelClassifierOptions) (*HTTPModelClassifier, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, fmt.Errorf("%w: model classifier url is required", ErrInvalidInput)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	maxRetries := opts.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = 2
	case maxRetries < 0:
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPModelClassifier{
		url:        url,
		httpClient: httpClient,
		token:      strings.TrimSpace(opts.Token),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}, nil
}

func (c *HTTPModelClassifier) Classify(ctx context.Context, in ModelRequest) (ModelResult, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return ModelResult{}, err
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return ModelResult{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return ModelResult{}, waitErr
				}
				continue
			}
			return ModelResult{}, err
		}
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			return ModelResult{}, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			var result ModelResult
			if err := json.Unmarshal(respBody, &result); err != nil {
				return ModelResult{}, fmt.Errorf("decode model response: %w", err)
			}
			return result, nil
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return ModelResult{}, waitErr
			}
			continue
		}
		return ModelResult{}, fmt.Errorf("model classify failed: status=%d message=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}

func (c *HTTPModelClassifier) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
