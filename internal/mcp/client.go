package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// Protocol revision announced during the initialize handshake.
const protocolVersion = "2024-11-05"

var (
	errClientClosed   = errors.New("client closed")
	errConnectionLost = errors.New("event stream closed by server")
	errNotConnected   = errors.New("client is not connected")
)

// Client speaks JSON-RPC 2.0 to an MCP server over SSE: requests go out as
// HTTP POSTs to the endpoint the server announces on its event stream, and
// responses come back on the stream correlated by request ID.
type Client struct {
	cfg    Config
	httpc  *http.Client
	logger *slog.Logger

	mu         sync.Mutex
	messageURL string
	pending    map[int64]chan *rpcResponse
	nextID     int64
	closed     bool

	cancelStream context.CancelFunc
	readerDone   chan struct{}
}

// Config holds configuration for the MCP client.
type Config struct {
	ServerURL      string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		ServerURL:      getEnv("MCP_SERVER_URL", "https://payment-ol-mcp.onrender.com/sse"),
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// NewClient creates a client for the MCP server at serverURL. No network
// I/O happens until Connect.
func NewClient(serverURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultConfig()
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}

	return &Client{
		cfg:     cfg,
		httpc:   &http.Client{},
		logger:  logger,
		pending: make(map[int64]chan *rpcResponse),
	}
}

// Connect opens the event stream, waits for the server to announce its
// message endpoint, and runs the initialize handshake. It fails fast when
// the server does not become ready within the connect timeout. Connect
// must complete before ListTools or CallTool are used.
func (c *Client) Connect(ctx context.Context) error {
	// The stream outlives the startup context; its lifetime is owned by
	// Close.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancelStream = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.cfg.ServerURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to build stream request for %s: %w", c.cfg.ServerURL, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpc.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to connect to MCP server at %s: %w", c.cfg.ServerURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close rejected stream body", "error", closeErr)
		}
		cancel()
		return fmt.Errorf("MCP server at %s returned status %d", c.cfg.ServerURL, resp.StatusCode)
	}

	endpointCh := make(chan string, 1)
	c.readerDone = make(chan struct{})
	go c.readStream(resp.Body, endpointCh)

	connectCtx, connectCancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer connectCancel()

	select {
	case raw := <-endpointCh:
		messageURL, err := c.resolveEndpoint(raw)
		if err != nil {
			c.Close()
			return err
		}
		c.mu.Lock()
		c.messageURL = messageURL
		c.mu.Unlock()
	case <-c.readerDone:
		c.Close()
		return fmt.Errorf("MCP server at %s: %w", c.cfg.ServerURL, errConnectionLost)
	case <-connectCtx.Done():
		c.Close()
		return fmt.Errorf("MCP server at %s not ready: %w", c.cfg.ServerURL, connectCtx.Err())
	}

	if err := c.initialize(connectCtx); err != nil {
		c.Close()
		return fmt.Errorf("MCP handshake with %s failed: %w", c.cfg.ServerURL, err)
	}

	c.logger.Info("Connected to MCP server", "url", c.cfg.ServerURL)

	return nil
}

func (c *Client) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "payagent",
			"version": "0.1.0",
		},
	}
	if _, err := c.call(ctx, "initialize", params); err != nil {
		return err
	}
	return c.notify(ctx, "notifications/initialized", nil)
}

// ListTools fetches the server's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode tool list: %w", err)
	}
	return parsed.Tools, nil
}

// CallTool invokes a named tool and returns its result.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (*CallToolResult, error) {
	result, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var parsed CallToolResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode result for tool %s: %w", params.Name, err)
	}
	return &parsed, nil
}

// Close tears down the event stream and abandons in-flight requests.
// Closing an already-closed client is a no-op.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancelStream != nil {
		c.cancelStream()
	}
	if c.readerDone != nil {
		select {
		case <-c.readerDone:
		case <-time.After(2 * time.Second):
			c.logger.Warn("MCP stream reader did not stop in time")
		}
	}
	c.failPending(errClientClosed)
}

// call sends a request and waits for its response on the event stream.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClientClosed
	}
	if c.messageURL == "" {
		c.mu.Unlock()
		return nil, errNotConnected
	}
	messageURL := c.messageURL
	c.nextID++
	id := c.nextID
	ch := make(chan *rpcResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	if err := c.post(ctx, messageURL, rpcRequest{Jsonrpc: "2.0", ID: id, Method: method, Params: params}); err != nil {
		c.dropPending(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s failed: %w", method, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-c.readerDone:
		c.dropPending(id)
		return nil, errConnectionLost
	}
}

// notify sends a request that expects no response.
func (c *Client) notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClientClosed
	}
	messageURL := c.messageURL
	c.mu.Unlock()
	if messageURL == "" {
		return errNotConnected
	}
	return c.post(ctx, messageURL, rpcRequest{Jsonrpc: "2.0", Method: method, Params: params})
}

func (c *Client) post(ctx context.Context, messageURL string, msg rpcRequest) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", msg.Method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", msg.Method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", msg.Method, err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		c.logger.Debug("failed to drain response body", "method", msg.Method, "error", err)
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s request rejected with status %d", msg.Method, resp.StatusCode)
	}
	return nil
}

// readStream consumes SSE events until the stream ends. The first
// "endpoint" event is delivered on endpointCh; "message" events are routed
// to the request that is waiting on them.
func (c *Client) readStream(body io.ReadCloser, endpointCh chan<- string) {
	defer close(c.readerDone)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	event := "message"
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			c.dispatchEvent(event, data.String(), endpointCh)
			event = "message"
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		}
	}

	if err := scanner.Err(); err != nil && !c.isClosed() {
		c.logger.Warn("MCP event stream read failed", "error", err)
	}
	c.failPending(errConnectionLost)
}

func (c *Client) dispatchEvent(event, data string, endpointCh chan<- string) {
	if data == "" {
		return
	}

	switch event {
	case "endpoint":
		select {
		case endpointCh <- data:
		default:
		}
	case "message":
		var resp rpcResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			c.logger.Warn("Discarding malformed MCP message", "error", err)
			return
		}
		// Server-initiated requests are not supported; anything without a
		// known request ID is dropped.
		if resp.ID == 0 {
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

func (c *Client) resolveEndpoint(raw string) (string, error) {
	base, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("invalid MCP server URL %s: %w", c.cfg.ServerURL, err)
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q from MCP server: %w", raw, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- &rpcResponse{ID: id, Error: &rpcError{Code: -32000, Message: err.Error()}}
		delete(c.pending, id)
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Helper function.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
