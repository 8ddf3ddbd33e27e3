// Package httpx is the retrying JSON client shared by the chat server
// integrations.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Error is a non-2xx response. Code and Message are read from the usual
// error envelopes: Matrix {errcode, error}, Mattermost {id, message}.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	// RetryAfter is the server supplied backoff, when present.
	RetryAfter time.Duration
	Header     http.Header
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var httpErr *Error
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// ErrorCode extracts the server error code from err, or "".
func ErrorCode(err error) string {
	var httpErr *Error
	if errors.As(err, &httpErr) {
		return httpErr.Code
	}
	return ""
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type Option func(*Client)

func WithRetries(maxRetries int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
		c.maxDelay = maxDelay
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// WithToken returns a copy of the client authenticating as another principal.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.token = strings.TrimSpace(token)
	return &clone
}

// Response carries the parts of a successful response callers sometimes need.
type Response struct {
	StatusCode int
	Header     http.Header
}

func (c *Client) DoJSON(ctx context.Context, method, requestPath string, body, out any) error {
	_, err := c.Do(ctx, method, requestPath, nil, body, out)
	return err
}

func (c *Client) Do(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) (Response, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return Response{}, fmt.Errorf("marshal request: %w", err)
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return Response{}, err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Request-ID", uuid.NewString())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, 0)); waitErr != nil {
					return Response{}, waitErr
				}
				continue
			}
			return Response{}, err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return Response{}, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			result := Response{StatusCode: resp.StatusCode, Header: resp.Header}
			if out == nil || len(payload) == 0 {
				return result, nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return result, fmt.Errorf("decode %s %s: %w", method, requestPath, err)
			}
			return result, nil
		}

		httpErr := decodeError(resp, payload)
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, httpErr.RetryAfter)); waitErr != nil {
				return Response{}, waitErr
			}
			continue
		}
		return Response{}, httpErr
	}
}

func decodeError(resp *http.Response, payload []byte) *Error {
	var envelope struct {
		ErrCode      string `json:"errcode"`
		Error        string `json:"error"`
		ID           string `json:"id"`
		Message      string `json:"message"`
		RetryAfterMS int64  `json:"retry_after_ms"`
	}
	_ = json.Unmarshal(payload, &envelope)

	httpErr := &Error{
		StatusCode: resp.StatusCode,
		Code:       firstNonEmpty(envelope.ErrCode, envelope.ID),
		Message:    firstNonEmpty(envelope.Error, envelope.Message, strings.TrimSpace(string(payload)), resp.Status),
		Header:     resp.Header,
	}
	if envelope.RetryAfterMS > 0 {
		httpErr.RetryAfter = time.Duration(envelope.RetryAfterMS) * time.Millisecond
	} else {
		httpErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return httpErr
}

func (c *Client) retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
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

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
