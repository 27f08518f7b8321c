// Package huggingface imports models and authors from the Hugging Face Hub.
package huggingface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://huggingface.co"

var ErrNotFound = errors.New("hugging face: not found")

// RateLimitError is returned once the Hub keeps answering 429 after every
// retry. After is the last wait the Hub asked for.
type RateLimitError struct {
	Path  string
	After time.Duration
}

func (e *RateLimitError) Error() string { return fmt.Sprintf("rate limited (429) on GET %s", e.Path) }

func (e *RateLimitError) RetryAfter() time.Duration { return e.After }

type Config struct {
	BaseURL          string
	Token            string
	RatePerSec       float64
	Timeout          time.Duration
	AuthorModelLimit int
}

// ModelInfo is the subset of the Hub model payload modelhub uses.
type ModelInfo struct {
	ID           string    `json:"id"`
	ModelID      string    `json:"modelId"`
	Author       string    `json:"author"`
	SHA          string    `json:"sha"`
	Downloads    int64     `json:"downloads"`
	Likes        int64     `json:"likes"`
	PipelineTag  string    `json:"pipeline_tag"`
	LibraryName  string    `json:"library_name"`
	Private      bool      `json:"private"`
	Tags         []string  `json:"tags"`
	CreatedAt    time.Time `json:"createdAt"`
	LastModified time.Time `json:"lastModified"`
}

// Name returns the repository id, falling back to the legacy modelId field.
func (m ModelInfo) Name() string {
	if m.ID != "" {
		return m.ID
	}
	return m.ModelID
}

// Owner returns the author, or the namespace part of the repository id.
func (m ModelInfo) Owner() string {
	if m.Author != "" {
		return m.Author
	}
	if ns, _, ok := strings.Cut(m.Name(), "/"); ok {
		return ns
	}
	return ""
}

// Client is a rate-limited Hub API client. It retries 429 responses.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
}

func NewClient(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		baseURL:    base,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), max(int(rps), 1)),
		maxRetries: 3,
	}
}

// Model fetches one repository by id ("name" or "owner/name").
func (c *Client) Model(ctx context.Context, id string) (ModelInfo, error) {
	var m ModelInfo
	err := c.get(ctx, "/api/models/"+escapeID(id), &m)
	return m, err
}

// AuthorModels lists up to limit repositories owned by author.
func (c *Client) AuthorModels(ctx context.Context, author string, limit int) ([]ModelInfo, error) {
	q := url.Values{}
	q.Set("author", author)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []ModelInfo
	err := c.get(ctx, "/api/models?"+q.Encode(), &out)
	return out, err
}

func escapeID(id string) string {
	parts := strings.Split(id, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("GET %s: %w", path, err)
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("reading response body: %w", readErr)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfter(resp, attempt)
			lastErr = &RateLimitError{Path: path, After: wait}
			if attempt == c.maxRetries {
				return fmt.Errorf("max retries exceeded: %w", lastErr)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				continue
			}
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("GET %s: %w", path, ErrNotFound)
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return fmt.Errorf("hugging face API error (%d) on GET %s: %s", resp.StatusCode, path, truncate(string(body), 200))
		}

		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decoding GET %s: %w", path, err)
		}
		return nil
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func retryAfter(resp *http.Response, attempt int) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Duration(1<<attempt) * time.Second
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
