// Package httpfetch issues one HTTP request per page and exposes the
// response body as a lazy stream of model.Row, sensing NDJSON vs. a single
// JSON document and applying the data_path selector from spec.md §4.C1.
package httpfetch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"apitap/internal/model"
)

// Item is one element of the lazy row stream: either a parsed Row or a
// terminal error for that page (spec.md I2: surfaced exactly once, never
// silently dropped).
type Item struct {
	Row model.Row
	Err error
}

// Client wraps an *http.Client with the user-agent and timeout defaults a
// production fetcher needs, plus the zap logger threaded through from the
// pipeline runner.
type Client struct {
	HTTP      *http.Client
	UserAgent string
	Logger    *zap.Logger
}

// NewClient builds a Client with the connection-pooling defaults used
// throughout the pipeline (shared by reference across pages, per spec.md §5
// "Shared resources").
func NewClient(logger *zap.Logger) *Client {
	return &Client{
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		UserAgent: "apitap/1.0",
		Logger:    logger,
	}
}

// isTransient reports whether an HTTP status code should be retried
// (network errors are always transient and handled by the caller).
func isTransient(status int) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500 && status < 600
}

// isFatal reports whether a status code is a non-retryable client error.
func isFatal(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}

// backoff computes the i-th retry delay: min(max, min·2^i)·rand(0.5,1.5),
// exponential backoff with full jitter as specified in spec.md §4.C1.
func backoff(retry model.Retry, attempt int) time.Duration {
	exp := math.Min(float64(retry.MaxDelay), float64(retry.MinDelay)*math.Pow(2, float64(attempt)))
	jitter := 0.5 + rand.Float64()
	return time.Duration(exp * jitter)
}

// Fetch issues GET url?query, retrying the request itself (not a mid-stream
// failure, which is always fatal for that page per spec.md §4.C1) and
// returns a channel of Item that the caller drains exactly once.
func (c *Client) Fetch(ctx context.Context, rawURL string, query url.Values, dataPath string, retry model.Retry) <-chan Item {
	out := make(chan Item, 16)

	go func() {
		defer close(out)

		resp, attempts, err := c.doWithRetry(ctx, rawURL, query, retry)
		if err != nil {
			out <- Item{Err: err}
			return
		}
		defer resp.Body.Close()

		if c.Logger != nil && attempts > 1 {
			c.Logger.Warn("page fetched after retry", zap.String("url", rawURL), zap.Int("attempts", attempts))
		}

		c.decode(resp, dataPath, out)
	}()

	return out
}

func (c *Client) doWithRetry(ctx context.Context, rawURL string, query url.Values, retry model.Retry) (*http.Response, int, error) {
	full := rawURL
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		full = rawURL + sep + query.Encode()
	}

	maxAttempts := retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(retry, attempt-1)):
			case <-ctx.Done():
				return nil, attempt + 1, fmt.Errorf("%w: %w", model.ErrCancelled, ctx.Err())
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
		if err != nil {
			return nil, attempt + 1, fmt.Errorf("%w: building request: %w", model.ErrHTTPFatal, err)
		}
		req.Header.Set("User-Agent", c.UserAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %w", model.ErrHTTPTransient, err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, attempt + 1, nil
		}

		if isFatal(resp.StatusCode) {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, attempt + 1, fmt.Errorf("%w: status %d: %s", model.ErrHTTPFatal, resp.StatusCode, string(body))
		}

		resp.Body.Close()
		lastErr = fmt.Errorf("%w: status %d", model.ErrHTTPTransient, resp.StatusCode)
		if !isTransient(resp.StatusCode) {
			return nil, attempt + 1, lastErr
		}
	}

	return nil, maxAttempts, fmt.Errorf("%w: exhausted %d attempts: %w", model.ErrHTTPFatal, maxAttempts, lastErr)
}

// FetchSync issues one page request and returns its rows plus the decoded
// response envelope (the full JSON document the rows were extracted from),
// for callers that also need an envelope-level field such as a
// next_cursor_path or a total-pages counter (spec.md §4.C6). NDJSON bodies
// have no single envelope document, so envelope is nil in that case; a
// source using NDJSON pagination metadata outside individual rows is
// outside this contract.
func (c *Client) FetchSync(ctx context.Context, rawURL string, query url.Values, dataPath string, retry model.Retry) (rows []model.Row, envelope any, err error) {
	resp, attempts, err := c.doWithRetry(ctx, rawURL, query, retry)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if c.Logger != nil && attempts > 1 {
		c.Logger.Warn("page fetched after retry", zap.String("url", rawURL), zap.Int("attempts", attempts))
	}

	if isNDJSON(resp.Header.Get("Content-Type")) {
		out := make(chan Item, 16)
		go func() {
			defer close(out)
			decodeNDJSON(resp.Body, out)
		}()
		for item := range out {
			if item.Err != nil {
				return rows, nil, item.Err
			}
			rows = append(rows, item.Row)
		}
		return rows, nil, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading body: %w", model.ErrParse, err)
	}

	var root any
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, nil, fmt.Errorf("%w: decoding json: %w", model.ErrParse, err)
	}

	arr, err := selectArray(root, dataPath)
	if err != nil {
		return nil, nil, err
	}
	for _, el := range arr {
		row, ok := el.(map[string]any)
		if !ok {
			return nil, nil, fmt.Errorf("%w: array element is not an object", model.ErrParse)
		}
		rows = append(rows, model.Row(row))
	}
	return rows, root, nil
}

// PointerValue dereferences a JSON-pointer-style path against a decoded
// envelope document, the same traversal selectArray uses to find the data
// array, for extracting a single scalar such as next_cursor_path or a
// total-pages field.
func PointerValue(root any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	cur := root
	for _, rawSeg := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		seg := unescapeJSONPointer(rawSeg)
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// decode senses NDJSON vs. a single JSON document and emits one Item per row.
func (c *Client) decode(resp *http.Response, dataPath string, out chan<- Item) {
	contentType := resp.Header.Get("Content-Type")

	if isNDJSON(contentType) {
		decodeNDJSON(resp.Body, out)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		out <- Item{Err: fmt.Errorf("%w: reading body: %w", model.ErrParse, err)}
		return
	}

	var root any
	if err := json.Unmarshal(body, &root); err != nil {
		out <- Item{Err: fmt.Errorf("%w: decoding json: %w", model.ErrParse, err)}
		return
	}

	arr, err := selectArray(root, dataPath)
	if err != nil {
		out <- Item{Err: err}
		return
	}

	for _, el := range arr {
		row, ok := el.(map[string]any)
		if !ok {
			out <- Item{Err: fmt.Errorf("%w: array element is not an object", model.ErrParse)}
			return
		}
		out <- Item{Row: model.Row(row)}
	}
}

func isNDJSON(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "ndjson") || strings.Contains(ct, "jsonlines") || strings.Contains(ct, "x-ndjson")
}

func decodeNDJSON(body io.Reader, out chan<- Item) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			out <- Item{Err: fmt.Errorf("%w: decoding ndjson line: %w", model.ErrParse, err)}
			return
		}
		out <- Item{Row: model.Row(row)}
	}
	if err := scanner.Err(); err != nil {
		out <- Item{Err: fmt.Errorf("%w: scanning ndjson body: %w", model.ErrParse, err)}
	}
}

// selectArray dereferences a JSON-pointer-style data_path into root and
// returns the array found there; an empty dataPath means root is itself
// the array.
func selectArray(root any, dataPath string) ([]any, error) {
	if dataPath == "" {
		arr, ok := root.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: response root is not an array and no data_path was given", model.ErrParse)
		}
		return arr, nil
	}

	cur := root
	for _, rawSeg := range strings.Split(strings.TrimPrefix(dataPath, "/"), "/") {
		seg := unescapeJSONPointer(rawSeg)

		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, fmt.Errorf("%w: data_path segment %q not found", model.ErrParse, seg)
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("%w: data_path segment %q is not a valid array index", model.ErrParse, seg)
			}
			cur = node[idx]
		default:
			return nil, fmt.Errorf("%w: data_path segment %q has no container to descend into", model.ErrParse, seg)
		}
	}

	arr, ok := cur.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: data_path %q does not resolve to an array", model.ErrParse, dataPath)
	}
	return arr, nil
}

func unescapeJSONPointer(seg string) string {
	seg = strings.ReplaceAll(seg, "~1", "/")
	seg = strings.ReplaceAll(seg, "~0", "~")
	return seg
}
