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
	"mime"
	"net/http"
	"sync"

	"github.com/nevindra/chatflow"
	"github.com/nevindra/chatflow/sse"
)

// answerServer replies to a request the server sent to the client. Only
// ping is supported.
func answerServer(msg incoming) *response {
	if msg.Method == "ping" {
		return respond(msg.ID, struct{}{})
	}
	return respondError(msg.ID, errCodeMethodNotFound, "method not found: "+msg.Method)
}

// --- stdio ---

// stdioConn multiplexes concurrent calls over one newline-delimited JSON
// stream. Responses are matched to calls by id.
type stdioConn struct {
	w        io.Writer
	wmu      sync.Mutex
	closer   func() error
	logger   *slog.Logger
	onNotify func(method string)

	mu      sync.Mutex
	pending map[string]chan incoming
	err     error
	done    chan struct{}
	once    sync.Once
}

func newStdioConn(r io.Reader, w io.Writer, closer func() error, logger *slog.Logger, onNotify func(string)) *stdioConn {
	c := &stdioConn{
		w:        w,
		closer:   closer,
		logger:   logger,
		onNotify: onNotify,
		pending:  make(map[string]chan incoming),
		done:     make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

func (c *stdioConn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 10<<20), 10<<20) // 10MB max message

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var msg incoming
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("mcp: malformed message", "error", err)
			continue
		}
		if msg.Method != "" {
			if msg.hasID() {
				if err := c.write(answerServer(msg)); err != nil {
					c.logger.Warn("mcp: reply to server request failed", "method", msg.Method, "error", err)
				}
			} else if c.onNotify != nil {
				c.onNotify(msg.Method)
			}
			continue
		}
		if !msg.hasID() {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[string(msg.ID)]
		delete(c.pending, string(msg.ID))
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("mcp: response for unknown id", "id", string(msg.ID))
			continue
		}
		ch <- msg
	}

	err := scanner.Err()
	if err == nil {
		err = ErrClosed
	}
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.done)
}

func (c *stdioConn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.w.Write(data)
	return err
}

func (c *stdioConn) call(ctx context.Context, req request) (incoming, error) {
	id := string(req.ID)
	ch := make(chan incoming, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return incoming{}, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(req); err != nil {
		c.forget(id)
		return incoming{}, err
	}

	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		c.forget(id)
		_ = c.cancelRequest(req.ID)
		return incoming{}, chatflow.AbortCause(ctx)
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return incoming{}, c.err
	}
}

func (c *stdioConn) cancelRequest(id json.RawMessage) error {
	params, _ := json.Marshal(map[string]any{"requestId": id, "reason": "cancelled"})
	return c.write(request{JSONRPC: "2.0", Method: "notifications/cancelled", Params: params})
}

func (c *stdioConn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *stdioConn) notify(_ context.Context, req request) error {
	return c.write(req)
}

func (c *stdioConn) close() error {
	var err error
	c.once.Do(func() {
		if c.closer != nil {
			err = c.closer()
		} else if wc, ok := c.w.(io.Closer); ok {
			err = wc.Close()
		}
	})
	return err
}

// --- streamable HTTP ---

const sessionHeader = "Mcp-Session-Id"

// httpConn posts each message to the endpoint. Responses arrive as a JSON
// body or as an event stream carrying the response.
type httpConn struct {
	url     string
	client  *http.Client
	headers map[string]string
	logger  *slog.Logger

	mu      sync.Mutex
	session string
}

// post sends msg, or no body when msg is nil.
func (c *httpConn) post(ctx context.Context, method string, msg any) (*http.Response, error) {
	var body io.Reader
	if msg != nil {
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.url, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	c.mu.Lock()
	if c.session != "" {
		httpReq.Header.Set(sessionHeader, c.session)
	}
	c.mu.Unlock()

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, chatflow.AbortCause(ctx)
		}
		return nil, err
	}
	if id := resp.Header.Get(sessionHeader); id != "" {
		c.mu.Lock()
		c.session = id
		c.mu.Unlock()
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &chatflow.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(data),
			RetryAfter: chatflow.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp, nil
}

func (c *httpConn) call(ctx context.Context, req request) (incoming, error) {
	resp, err := c.post(ctx, http.MethodPost, &req)
	if err != nil {
		return incoming{}, err
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		defer resp.Body.Close()
		var msg incoming
		if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
			return incoming{}, fmt.Errorf("decode response: %w", err)
		}
		return msg, nil
	}

	// Events closes the body on every exit path.
	for msg, err := range sse.Events[incoming](ctx, resp.Body, sse.WithLogger(c.logger)) {
		if err != nil {
			return incoming{}, err
		}
		switch {
		case msg.Method != "" && msg.hasID():
			if err := c.send(ctx, answerServer(msg)); err != nil {
				c.logger.Warn("mcp: reply to server request failed", "method", msg.Method, "error", err)
			}
		case msg.Method != "":
			c.logger.Debug("mcp notification ignored", "method", msg.Method)
		case string(msg.ID) == string(req.ID):
			return msg, nil
		}
	}
	return incoming{}, errors.New("event stream ended without a response")
}

func (c *httpConn) notify(ctx context.Context, req request) error {
	return c.send(ctx, req)
}

// send posts a message that expects no response.
func (c *httpConn) send(ctx context.Context, msg any) error {
	resp, err := c.post(ctx, http.MethodPost, msg)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// close ends the server session, if one was assigned.
func (c *httpConn) close() error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == "" {
		return nil
	}
	resp, err := c.post(context.Background(), http.MethodDelete, nil)
	if err != nil {
		var he *chatflow.ErrHTTP
		if errors.As(err, &he) && he.Status == http.StatusMethodNotAllowed {
			return nil
		}
		return err
	}
	return resp.Body.Close()
}
