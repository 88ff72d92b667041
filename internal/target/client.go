package target

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"redline/internal/config"
)

// Result is one completed target call. Retries counts failed attempts before
// the final one; LatencyMS covers the final attempt only.
type Result struct {
	Text      string
	LatencyMS int64
	Retries   int
}

// Client sends prompts to model endpoints through the gateway, applying the
// retry policy and per-target rate limits.
type Client struct {
	httpClient *http.Client
	retry      config.Retry
	sleep      func(context.Context, <-chan struct{}, time.Duration) error
}

// errStopped aborts a backoff sleep when the caller signals a graceful stop.
var errStopped = errors.New("stop requested during backoff")

func NewClient(retry config.Retry) *Client {
	return &Client{
		httpClient: &http.Client{},
		retry:      retry,
		sleep:      sleepCtx,
	}
}

// Send dispatches one prompt. Transient failures are retried up to
// MaxRetries with exponential backoff; permanent failures surface
// immediately. A close of stop cuts the backoff sleep short and surfaces the
// last transient error instead of waiting out the remaining delay; a nil stop
// disables that path. The returned Result carries the retry count even on
// error so the piece record stays accurate.
func (c *Client) Send(ctx context.Context, ref Ref, prompt string, stop <-chan struct{}) (Result, error) {
	var res Result
	for attempt := 0; ; attempt++ {
		if ref.Limiter != nil {
			if err := ref.Limiter.Wait(ctx); err != nil {
				return res, TransientError{Err: err}
			}
		}
		text, latency, err := c.attempt(ctx, ref, prompt)
		if err == nil {
			res.Text = text
			res.LatencyMS = latency
			return res, nil
		}
		if !IsTransient(err) {
			return res, err
		}
		if attempt >= c.retry.MaxRetries {
			return res, err
		}
		res.Retries = attempt + 1
		if serr := c.sleep(ctx, stop, c.backoff(attempt)); serr != nil {
			if errors.Is(serr, errStopped) {
				return res, err
			}
			return res, TransientError{Err: serr}
		}
	}
}

func (c *Client) attempt(ctx context.Context, ref Ref, prompt string) (string, int64, error) {
	body, err := encodeRequest(ref.Provider, prompt)
	if err != nil {
		return "", 0, PermanentError{Err: err}
	}
	reqCtx := ctx
	var cancel context.CancelFunc
	if ref.Timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, ref.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ref.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", 0, PermanentError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if ref.AuthHeader != "" && ref.AuthValue != "" {
		req.Header.Set(ref.AuthHeader, ref.AuthValue)
	}
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		// Caller-level cancellation is not a target fault; report it as-is.
		if ctx.Err() != nil {
			return "", latency, TransientError{Err: ctx.Err()}
		}
		return "", latency, TransientError{Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", latency, TransientError{Err: err}
	}
	if resp.StatusCode >= 500 {
		return "", latency, TransientError{Err: fmt.Errorf("target returned %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return "", latency, PermanentError{Err: fmt.Errorf("target returned %d: %s", resp.StatusCode, truncate(data, 200))}
	}
	text, err := decodeResponse(ref.Provider, data)
	if err != nil {
		return "", latency, PermanentError{Err: err}
	}
	return text, latency, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	base := float64(c.retry.BackoffBaseMS)
	d := base * math.Pow(c.retry.BackoffFactor, float64(attempt))
	if limit := float64(c.retry.BackoffCapMS); d > limit {
		d = limit
	}
	return time.Duration(d) * time.Millisecond
}

func encodeRequest(provider, prompt string) ([]byte, error) {
	switch provider {
	case "openai":
		return json.Marshal(map[string]any{
			"messages": []map[string]string{{"role": "user", "content": prompt}},
		})
	case "raw":
		return json.Marshal(map[string]string{"prompt": prompt})
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
}

func decodeResponse(provider string, data []byte) (string, error) {
	switch provider {
	case "openai":
		var body struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return "", fmt.Errorf("decode response: %w", err)
		}
		if len(body.Choices) == 0 {
			return "", errors.New("response has no choices")
		}
		return body.Choices[0].Message.Content, nil
	default:
		var body struct {
			Response string `json:"response"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return "", fmt.Errorf("decode response: %w", err)
		}
		return body.Response, nil
	}
}

func sleepCtx(ctx context.Context, stop <-chan struct{}, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return errStopped
	case <-t.C:
		return nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
