// Package ctl implements classworksctl, a small operator client for the
// device-code flow and the realtime channel.
package ctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrCodeExpired is returned when the device code lapsed before anyone
	// bound a token to it.
	ErrCodeExpired = errors.New("device code expired")
	ErrBadServer   = errors.New("invalid server url")
)

// DeviceCode is the answer of POST /auth/device/code.
type DeviceCode struct {
	Code      string `json:"device_code"`
	ExpiresIn int64  `json:"expires_in"`
	Message   string `json:"message"`
}

type tokenPoll struct {
	Status  string `json:"status"`
	Token   string `json:"token"`
	Message string `json:"message"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client talks to the HTTP surface of a Classworks server.
type Client struct {
	base *url.URL
	http *http.Client
}

func NewClient(server string, hc *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(server), "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrBadServer, server)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: u, http: hc}, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = q.Encode()
	return u.String()
}

// RealtimeURL is the websocket endpoint of the server.
func (c *Client) RealtimeURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime"
	return u.String()
}

func (c *Client) do(ctx context.Context, method, target string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e apiError
		if json.Unmarshal(body, &e) == nil && e.Error.Code != "" {
			return fmt.Errorf("%s %s: %d %s: %s", method, req.URL.Path, resp.StatusCode, e.Error.Code, e.Error.Message)
		}
		return fmt.Errorf("%s %s: %d", method, req.URL.Path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, req.URL.Path, err)
	}
	return nil
}

// CreateDeviceCode starts a device-code authorization.
func (c *Client) CreateDeviceCode(ctx context.Context) (DeviceCode, error) {
	var dc DeviceCode
	if err := c.do(ctx, http.MethodPost, c.endpoint("/auth/device/code", nil), &dc); err != nil {
		return DeviceCode{}, err
	}
	if dc.Code == "" {
		return DeviceCode{}, errors.New("server returned an empty device code")
	}
	return dc, nil
}

// PollToken polls until a token is bound to code, the code expires or ctx
// ends. The token is handed out once; a second poll sees the code as gone.
func (c *Client) PollToken(ctx context.Context, code string, every time.Duration) (string, error) {
	if every <= 0 {
		every = 2 * time.Second
	}
	target := c.endpoint("/auth/device/token", url.Values{"device_code": {code}})
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		var p tokenPoll
		if err := c.do(ctx, http.MethodGet, target, &p); err != nil {
			return "", err
		}
		switch p.Status {
		case "success":
			return p.Token, nil
		case "expired":
			return "", ErrCodeExpired
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
}
