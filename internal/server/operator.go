package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"caro"
)

// OperatorClient calls the operator endpoints of a running server.
type OperatorClient struct {
	base       *url.URL
	httpClient *http.Client
}

// NewOperatorClient targets the server at base, a URL or bare host:port.
func NewOperatorClient(base string) (*OperatorClient, error) {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse server address: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server address %q has no host", base)
	}
	return &OperatorClient{base: u, httpClient: &http.Client{Timeout: 10 * time.Second}}, nil
}

func (c *OperatorClient) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, c.base.JoinPath(StatusPath), &out)
	return out, err
}

// Reset clears a Failed lifecycle. It fails with caro.ErrInvalidTransition
// when the lifecycle is not Failed.
func (c *OperatorClient) Reset(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodPost, c.base.JoinPath(ResetPath), &out)
	return out, err
}

// List returns entries in arrival order. An empty state lists all of them.
func (c *OperatorClient) List(ctx context.Context, state string) ([]Entry, error) {
	u := c.base.JoinPath(InboxPath)
	if state != "" {
		u.RawQuery = url.Values{"state": {state}}.Encode()
	}
	var out []Entry
	err := c.do(ctx, http.MethodGet, u, &out)
	return out, err
}

// Entry fails with caro.ErrNotFound for an unknown seq.
func (c *OperatorClient) Entry(ctx context.Context, seq uint64) (Entry, error) {
	var out Entry
	err := c.do(ctx, http.MethodGet, c.base.JoinPath(InboxPath, strconv.FormatUint(seq, 10)), &out)
	return out, err
}

func (c *OperatorClient) do(ctx context.Context, method string, u *url.URL, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, u.Path, caro.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", u.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		_ = json.Unmarshal(body, &e)
		msg := strings.TrimSpace(e.Error)
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", caro.ErrNotFound, msg)
		case http.StatusConflict:
			return fmt.Errorf("%w: %s", caro.ErrInvalidTransition, msg)
		default:
			return fmt.Errorf("%s %s: status %d: %s", method, u.Path, resp.StatusCode, msg)
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", u.Path, err)
	}
	return nil
}
