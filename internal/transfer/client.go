package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"caro"
)

// Client submits frames to a remote inbox.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// NewClient targets the inbox at base, e.g. http://10.0.0.5:5000. A bare
// host:port is treated as http.
func NewClient(base string, opts ...ClientOption) (*Client, error) {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse inbox endpoint: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("parse inbox endpoint %q: missing host", base)
	}
	c := &Client{
		endpoint:   u.JoinPath(Path).String(),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Send delivers f and maps the inbox's answer onto the caro error taxonomy.
// Per-attempt timeouts come from ctx.
func (c *Client) Send(ctx context.Context, f caro.Frame) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(Encode(f)))
	if err != nil {
		return fmt.Errorf("build frame request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send frame %d: %w: %w", f.Seq, caro.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	var body Response
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("read frame %d response: %w: %w", f.Seq, caro.ErrTransientNetwork, err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil && resp.StatusCode < 500 {
			return fmt.Errorf("decode frame %d response (status %d): %w", f.Seq, resp.StatusCode, err)
		}
	}

	return responseError(f.Seq, resp.StatusCode, body)
}

func responseError(seq uint64, code int, body Response) error {
	switch {
	case code == http.StatusOK && body.Status == StatusDuplicate:
		return fmt.Errorf("frame %d: %w", seq, caro.ErrDuplicate)
	case code == http.StatusOK:
		return nil
	case body.Reason == ReasonChecksumMismatch:
		return fmt.Errorf("frame %d: inbox: %w", seq, caro.ErrChecksumMismatch)
	case body.Reason == ReasonSequenceConflict:
		return fmt.Errorf("frame %d: inbox: %w", seq, caro.ErrSequenceConflict)
	case code == http.StatusServiceUnavailable && body.Reason == ReasonBackpressure:
		return fmt.Errorf("frame %d: inbox: %w", seq, caro.ErrBackpressure)
	case code >= 500:
		return fmt.Errorf("frame %d: inbox status %d: %w", seq, code, caro.ErrTransientNetwork)
	default:
		return fmt.Errorf("frame %d: inbox rejected (status %d, reason %q): %w", seq, code, body.Reason, errRejected)
	}
}

var errRejected = errors.New("frame rejected")
