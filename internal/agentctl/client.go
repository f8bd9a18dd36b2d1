// Package agentctl talks to the agent server that hosts the remote AI agent
// process for a channel.
package agentctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Code is the agent server's result code. The server sends it either as a
// number or as a numeric string; 0 means success.
type Code int

func (c *Code) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*c = 0
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("agent code %s is not numeric", string(b))
	}
	*c = Code(n)
	return nil
}

// Response is the common response envelope.
type Response struct {
	Code Code            `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (r Response) OK() bool { return r.Code == 0 }

// StartParams are the arguments for launching an agent on a channel.
type StartParams struct {
	Channel   string
	UserID    int
	GraphName string
	Language  string
	VoiceType string
}

// Graph is one agent graph the server can run.
type Graph struct {
	GraphID     string `json:"graph_id"`
	Name        string `json:"name"`
	AutoStart   bool   `json:"auto_start,omitempty"`
	Description string `json:"description,omitempty"`
}

// ID returns the graph id, falling back to its name.
func (g Graph) ID() string {
	if g.GraphID != "" {
		return g.GraphID
	}
	return g.Name
}

type startRequest struct {
	RequestID   string `json:"request_id"`
	ChannelName string `json:"channel_name"`
	UserUID     int    `json:"user_uid"`
	GraphName   string `json:"graph_name"`
	Language    string `json:"language,omitempty"`
	VoiceType   string `json:"voice_type,omitempty"`
}

type channelRequest struct {
	RequestID   string `json:"request_id"`
	ChannelName string `json:"channel_name"`
}

// Client is an HTTP client for the agent server.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a client for the agent server at baseURL. token may be
// empty.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Start asks the server to launch an agent. A transport failure is returned
// as an error; a non-zero code is returned in the Response for the caller to
// judge.
func (c *Client) Start(ctx context.Context, p StartParams) (Response, error) {
	req := startRequest{
		RequestID:   uuid.New().String(),
		ChannelName: p.Channel,
		UserUID:     p.UserID,
		GraphName:   p.GraphName,
		Language:    p.Language,
		VoiceType:   p.VoiceType,
	}
	resp, err := c.post(ctx, "/start", req)
	if err != nil {
		return Response{}, fmt.Errorf("start agent: %w", err)
	}
	slog.Info("agentctl: start", "channel", p.Channel, "graph", p.GraphName, "code", int(resp.Code), "request_id", req.RequestID)
	return resp, nil
}

// Ping keeps the agent for channel alive.
func (c *Client) Ping(ctx context.Context, channel string) (Response, error) {
	resp, err := c.post(ctx, "/ping", channelRequest{RequestID: uuid.New().String(), ChannelName: channel})
	if err != nil {
		return Response{}, fmt.Errorf("ping agent: %w", err)
	}
	return resp, nil
}

// Stop terminates the agent for channel.
func (c *Client) Stop(ctx context.Context, channel string) (Response, error) {
	resp, err := c.post(ctx, "/stop", channelRequest{RequestID: uuid.New().String(), ChannelName: channel})
	if err != nil {
		return Response{}, fmt.Errorf("stop agent: %w", err)
	}
	slog.Info("agentctl: stop", "channel", channel, "code", int(resp.Code))
	return resp, nil
}

// Graphs lists the graphs the server can run.
func (c *Client) Graphs(ctx context.Context) ([]Graph, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/graphs", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("list graphs: %w", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("list graphs: code %d: %s", resp.Code, resp.Msg)
	}

	var graphs []Graph
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &graphs); err != nil {
			return nil, fmt.Errorf("decode graphs: %w", err)
		}
	}
	return graphs, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	return c.do(req)
}

var errEmptyBody = errors.New("empty response body")

func (c *Client) do(req *http.Request) (Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return Response{}, fmt.Errorf("status %d: %w", resp.StatusCode, errEmptyBody)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, fmt.Errorf("status %d: decode response: %w", resp.StatusCode, err)
	}
	// The server reports most failures in the envelope; a bad status with a
	// success code still counts as failure.
	if resp.StatusCode >= 400 && out.OK() {
		out.Code = Code(resp.StatusCode)
		if out.Msg == "" {
			out.Msg = http.StatusText(resp.StatusCode)
		}
	}
	return out, nil
}
