package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
	"github.com/brycewcole/capsule-agents-sub000/internal/config"
)

// client talks to a running server.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(cfg config.Config, timeout time.Duration) *client {
	return &client{
		baseURL: baseURL(cfg.BindAddr),
		token:   cfg.Auth.Token,
		http:    &http.Client{Timeout: timeout},
	}
}

// baseURL turns a bind address into a URL a local client can reach.
func baseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = config.DefaultBindAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

// do sends a request and decodes a JSON response into out when non-nil.
// It returns the status code; non-2xx statuses are errors.
func (c *client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return resp.StatusCode, fmt.Errorf("%s %s: %s (%d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return resp.StatusCode, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// rpc calls a unary JSON-RPC method and decodes its result into out.
func (c *client) rpc(ctx context.Context, method string, params, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	req := a2a.JSONRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: raw}
	var resp struct {
		Result json.RawMessage   `json:"result"`
		Error  *a2a.JSONRPCError `json:"error"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/", req, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: %s (%d)", method, resp.Error.Message, resp.Error.Code)
	}
	return json.Unmarshal(resp.Result, out)
}
