// Package tunnel carries HTTP request/response exchanges over an
// authenticated overlay connection as sequences of http.* messages keyed by
// a request id.
package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"kbnet/pkg/protocol"

	"go.uber.org/zap"
)

const (
	// ChunkSize is the largest body slice carried by one data message.
	ChunkSize = 32 * 1024

	// MaxQueuedChunks bounds the messages a server lets wait in its
	// sender's queue before it stops reading the local response.
	MaxQueuedChunks = 32

	DefaultRedirectPrefix = "/share"

	requestIDLength = 8
	requestIDChars  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var (
	ErrUnknownRequest   = errors.New("unknown request id")
	ErrDuplicateRequest = errors.New("duplicate request id")
	ErrClosed           = errors.New("tunnel closed")
	ErrRemote           = errors.New("remote reported an error")
)

// Sender delivers a message over the underlying connection.
type Sender interface {
	Send(msg *protocol.Message) error
}

// QueuedSender is a Sender that reports how many messages are waiting to
// go out.
type QueuedSender interface {
	Sender
	QueueLen() int
}

type exchange struct {
	id       string
	req      *http.Request
	body     *bodyBuffer
	result   chan roundTripResult
	answered bool
	done     chan struct{}
}

type roundTripResult struct {
	resp *http.Response
	err  error
}

// Client issues HTTP requests to the node at the other end of a connection.
type Client struct {
	sender Sender
	logger *zap.Logger

	mu             sync.Mutex
	pending        map[string]*exchange
	closed         bool
	closeErr       error
	redirectPrefix string
	onBytes        func(in, out int)
}

func NewClient(sender Sender, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		sender:         sender,
		logger:         logger,
		pending:        make(map[string]*exchange),
		redirectPrefix: DefaultRedirectPrefix,
	}
}

// SetRedirectPrefix sets the prefix Forward adds to absolute-path Location
// headers.
func (c *Client) SetRedirectPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redirectPrefix = prefix
}

// OnBytes registers a hook for body bytes received from (in) and sent to
// (out) the remote node.
func (c *Client) OnBytes(fn func(in, out int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onBytes = fn
}

// Pending returns the number of in-flight exchanges.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) countBytes(in, out int) {
	c.mu.Lock()
	fn := c.onBytes
	c.mu.Unlock()
	if fn != nil {
		fn(in, out)
	}
}

func newRequestID() (string, error) {
	buf := make([]byte, requestIDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate request id: %w", err)
	}
	for i, b := range buf {
		buf[i] = requestIDChars[int(b)%len(requestIDChars)]
	}
	return string(buf), nil
}

func (c *Client) open(req *http.Request) (*exchange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, c.closeErr
	}
	for {
		id, err := newRequestID()
		if err != nil {
			return nil, err
		}
		if _, exists := c.pending[id]; exists {
			continue
		}
		ex := &exchange{
			id:     id,
			req:    req,
			body:   newBodyBuffer(),
			result: make(chan roundTripResult, 1),
			done:   make(chan struct{}),
		}
		c.pending[id] = ex
		return ex, nil
	}
}

// finish removes the exchange. A nil err ends the body cleanly.
func (c *Client) finish(id string, err error) {
	c.mu.Lock()
	ex, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	answered := ex.answered
	ex.answered = true
	c.mu.Unlock()

	if !answered {
		if err == nil {
			err = fmt.Errorf("%w: response ended before headers", ErrRemote)
		}
		ex.result <- roundTripResult{err: err}
	}
	ex.body.finish(err)
	close(ex.done)
}

// RoundTrip implements http.RoundTripper. The request URI, without its
// leading slash, is the path handed to the remote node.
func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	ex, err := c.open(req)
	if err != nil {
		return nil, err
	}

	headers := req.Header.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if req.ContentLength > 0 && headers.Get("Content-Length") == "" {
		headers.Set("Content-Length", strconv.FormatInt(req.ContentLength, 10))
	}

	err = c.sender.Send(&protocol.Message{
		Command:   protocol.CmdInitiateRequest,
		RequestID: ex.id,
		Method:    req.Method,
		Path:      strings.TrimPrefix(req.URL.RequestURI(), "/"),
		Headers:   headers,
	})
	if err != nil {
		c.finish(ex.id, err)
		return nil, fmt.Errorf("failed to initiate tunneled request: %w", err)
	}

	go c.streamBody(ex, req.Body)

	ctx := req.Context()
	go func() {
		select {
		case <-ctx.Done():
			c.finish(ex.id, ctx.Err())
		case <-ex.done:
		}
	}()

	res := <-ex.result
	return res.resp, res.err
}

func (c *Client) streamBody(ex *exchange, body io.ReadCloser) {
	if body != nil && body != http.NoBody {
		defer body.Close()
		buf := make([]byte, ChunkSize)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				sendErr := c.sender.Send(&protocol.Message{
					Command:    protocol.CmdWriteRequestData,
					RequestID:  ex.id,
					DataBase64: base64.StdEncoding.EncodeToString(buf[:n]),
				})
				if sendErr != nil {
					c.finish(ex.id, sendErr)
					return
				}
				c.countBytes(0, n)
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				c.finish(ex.id, fmt.Errorf("failed to read request body: %w", err))
				break
			}
		}
	}

	if err := c.sender.Send(&protocol.Message{Command: protocol.CmdEndRequest, RequestID: ex.id}); err != nil {
		c.finish(ex.id, err)
	}
}

// HandleMessage applies a response message from the remote node. Messages
// for ids that are no longer in flight return ErrUnknownRequest.
func (c *Client) HandleMessage(msg *protocol.Message) error {
	c.mu.Lock()
	ex, ok := c.pending[msg.RequestID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q (%s)", ErrUnknownRequest, msg.RequestID, msg.Command)
	}

	switch msg.Command {
	case protocol.CmdSetResponseHeaders:
		c.deliverHeaders(ex, msg)
	case protocol.CmdWriteResponseData:
		data, err := base64.StdEncoding.DecodeString(msg.DataBase64)
		if err != nil {
			c.finish(ex.id, fmt.Errorf("invalid response data: %w", err))
			return nil
		}
		ex.body.push(data)
		c.countBytes(len(data), 0)
	case protocol.CmdEndResponse:
		c.finish(ex.id, nil)
	case protocol.CmdReportError:
		c.finish(ex.id, fmt.Errorf("%w: %s", ErrRemote, msg.Error))
	default:
		return fmt.Errorf("unexpected tunnel command %q", msg.Command)
	}
	return nil
}

func (c *Client) deliverHeaders(ex *exchange, msg *protocol.Message) {
	c.mu.Lock()
	if ex.answered {
		c.mu.Unlock()
		c.logger.Debug("Ignoring repeated response headers", zap.String("request_id", ex.id))
		return
	}
	ex.answered = true
	c.mu.Unlock()

	header := msg.Headers
	if header == nil {
		header = http.Header{}
	}
	statusText := msg.StatusMessage
	if statusText == "" {
		statusText = http.StatusText(msg.Status)
	}
	contentLength := int64(-1)
	if v := header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			contentLength = n
		}
	}

	ex.result <- roundTripResult{resp: &http.Response{
		Status:        fmt.Sprintf("%d %s", msg.Status, statusText),
		StatusCode:    msg.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          ex.body,
		ContentLength: contentLength,
		Request:       ex.req,
	}}
}

// Close fails every in-flight exchange. Later requests return ErrClosed.
func (c *Client) Close(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = ErrClosed
	if cause != nil {
		c.closeErr = fmt.Errorf("%w: %v", ErrClosed, cause)
	}
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	err := c.closeErr
	c.mu.Unlock()

	for _, id := range ids {
		c.finish(id, err)
	}
}

// Forward replays r against path on the remote node and copies the response
// onto w. Location headers holding an absolute path are prefixed with the
// redirect prefix.
func (c *Client) Forward(path string, w http.ResponseWriter, r *http.Request) {
	target := "/" + strings.TrimPrefix(path, "/")
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		protocol.WriteError(w, http.StatusInternalServerError, "Error in response: "+err.Error())
		return
	}
	out.Header = r.Header.Clone()
	out.ContentLength = r.ContentLength

	resp, err := c.RoundTrip(out)
	if err != nil {
		protocol.WriteError(w, http.StatusInternalServerError, "Error in response: "+err.Error())
		return
	}
	defer resp.Body.Close()

	c.mu.Lock()
	prefix := c.redirectPrefix
	c.mu.Unlock()

	// Remote headers replace any the local middleware already set.
	for key, values := range resp.Header {
		w.Header().Del(key)
		for _, v := range values {
			if key == "Location" && strings.HasPrefix(v, "/") {
				v = prefix + v
			}
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, ChunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				c.logger.Debug("Client went away during tunneled response", zap.Error(werr))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			c.logger.Warn("Tunneled response ended with an error",
				zap.String("path", path),
				zap.Error(err))
			return
		}
	}
}

// GetJSON issues a GET for path on the remote node and decodes a 200 JSON
// response into v.
func (c *Client) GetJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/"+strings.TrimPrefix(path, "/"), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.RoundTrip(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
