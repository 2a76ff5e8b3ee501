package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"vidbatch/pkg/backoff"
)

const (
	DefaultTimeout     = 15 * time.Minute
	DefaultMaxAttempts = 3
	userAgent          = "vidbatch/1.0 (video batch orchestrator)"
	logBodyLimit       = 512
)

var (
	ErrTimeout         = errors.New("request timed out")
	ErrConnectionReset = errors.New("connection reset by peer, the image host may be blocking the provider")
	ErrNetwork         = errors.New("network request failed")
)

// StatusError is returned for responses outside 2xx/3xx.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	http        *http.Client
	timeout     time.Duration
	maxAttempts int
	header      http.Header
	sleep       func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.http.Transport = rt }
}

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Set(key, value) }
}

func New(timeout time.Duration, maxAttempts int, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	c := &Client{
		http:        &http.Client{Timeout: timeout},
		timeout:     timeout,
		maxAttempts: maxAttempts,
		header:      http.Header{},
		sleep:       sleepCtx,
	}
	c.header.Set("User-Agent", userAgent)
	c.header.Set("Accept", "application/json, */*")
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch performs the request with retries and returns the open response for
// any 2xx/3xx status. The caller closes the body.
func (c *Client) Fetch(ctx context.Context, method, url string, header http.Header, body []byte) (*http.Response, error) {
	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request %s %s: %w", method, url, err)
		}
		for k, vs := range c.header {
			req.Header[k] = vs
		}
		for k, vs := range header {
			req.Header[k] = vs
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			if isTimeout(err) {
				return nil, fmt.Errorf("%w after %s: %s %s", ErrTimeout, c.timeout, method, url)
			}

			reset := isConnReset(err)
			if attempt < c.maxAttempts {
				delay := backoff.Linear(time.Second, attempt)
				if reset {
					delay = backoff.Linear(2*time.Second, attempt)
				}
				log.Ctx(ctx).Warn().Err(err).
					Str("url", url).
					Int("attempt", attempt).
					Dur("delay", delay).
					Msg("request failed, retrying")
				if err := c.sleep(ctx, delay); err != nil {
					return nil, err
				}
				continue
			}

			if reset {
				return nil, fmt.Errorf("%w: %s %s: %v", ErrConnectionReset, method, url, err)
			}
			return nil, fmt.Errorf("%w (%s): %s %s: %v", ErrNetwork, errorCode(err), method, url, err)
		}

		if resp.StatusCode >= 500 && attempt < c.maxAttempts {
			drain(resp)
			delay := backoff.Linear(time.Second, attempt)
			log.Ctx(ctx).Warn().
				Str("url", url).
				Int("status", resp.StatusCode).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("server error, retrying")
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode >= 400 {
			b, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			log.Ctx(ctx).Error().
				Str("url", url).
				Int("status", resp.StatusCode).
				Str("body", truncate(string(b), logBodyLimit)).
				Msg("request rejected")
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
		}
		return resp, nil
	}
}

// Do is Fetch with the body read into memory.
func (c *Client) Do(ctx context.Context, method, url string, header http.Header, body []byte) ([]byte, error) {
	resp, err := c.Fetch(ctx, method, url, header, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response %s %s: %w", method, url, err)
	}
	log.Ctx(ctx).Debug().
		Str("url", url).
		Int("status", resp.StatusCode).
		Str("body", truncate(string(b), logBodyLimit)).
		Msg("response received")
	return b, nil
}

func (c *Client) GetJSON(ctx context.Context, url string, header http.Header, out any) ([]byte, error) {
	b, err := c.Do(ctx, http.MethodGet, url, header, nil)
	if err != nil {
		return nil, err
	}
	return b, decode(b, out)
}

func (c *Client) PostJSON(ctx context.Context, url string, header http.Header, in, out any) ([]byte, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Type", "application/json")

	b, err := c.Do(ctx, http.MethodPost, url, h, body)
	if err != nil {
		return nil, err
	}
	return b, decode(b, out)
}

func Bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

func decode(b []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode response %q: %w", truncate(string(b), logBodyLimit), err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || strings.Contains(strings.ToLower(err.Error()), "connection reset")
}

func errorCode(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "ENOTFOUND"
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED:
			return "ECONNREFUSED"
		case syscall.EHOSTUNREACH:
			return "EHOSTUNREACH"
		case syscall.ENETUNREACH:
			return "ENETUNREACH"
		case syscall.ECONNABORTED:
			return "ECONNABORTED"
		case syscall.EPIPE:
			return "EPIPE"
		}
		return fmt.Sprintf("errno %d", int(errno))
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return "EOF"
	}
	return "UNKNOWN"
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
