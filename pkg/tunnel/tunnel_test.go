package tunnel

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kbnet/pkg/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recorder is a Sender that only records what it is given.
type recorder struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (r *recorder) Send(msg *protocol.Message) error {
	m := *msg
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, &m)
	return nil
}

func (r *recorder) commands() []protocol.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Command, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Command)
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, cmd protocol.Command) *protocol.Message {
	t.Helper()
	var found *protocol.Message
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, m := range r.msgs {
			if m.Command == cmd {
				found = m
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

// link delivers messages to a handler in order on its own goroutine, the
// way a socket read loop would.
type link struct {
	recorder
	ch     chan *protocol.Message
	handle func(*protocol.Message) error

	errMu sync.Mutex
	errs  []error
}

func newLink(t *testing.T) *link {
	ch := make(chan *protocol.Message, 4096)
	l := &link{ch: ch}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ch {
			if err := l.handle(msg); err != nil {
				l.errMu.Lock()
				l.errs = append(l.errs, err)
				l.errMu.Unlock()
			}
		}
	}()
	t.Cleanup(func() {
		l.mu.Lock()
		close(l.ch)
		l.ch = nil
		l.mu.Unlock()
		<-done
	})
	return l
}

func (l *link) Send(msg *protocol.Message) error {
	m := *msg
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ch == nil {
		return io.ErrClosedPipe
	}
	l.msgs = append(l.msgs, &m)
	l.ch <- &m
	return nil
}

func (l *link) errors() []error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return append([]error(nil), l.errs...)
}

// newPair wires a client to a server that forwards to backend.
func newPair(t *testing.T, backend string) (*Client, *Server, *link) {
	toServer := newLink(t)
	toClient := newLink(t)

	client := NewClient(toServer, zaptest.NewLogger(t))
	server := NewServer(toClient, backend, zaptest.NewLogger(t))
	toServer.handle = server.HandleMessage
	toClient.handle = client.HandleMessage

	t.Cleanup(func() {
		client.Close(nil)
		server.Close()
	})
	return client, server, toClient
}

func TestClientAssemblesStreamedResponse(t *testing.T) {
	rec := &recorder{}
	c := NewClient(rec, zaptest.NewLogger(t))

	type result struct {
		resp *http.Response
		err  error
	}
	results := make(chan result, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, "/x", nil)
		resp, err := c.RoundTrip(req)
		results <- result{resp, err}
	}()

	initiate := rec.waitFor(t, protocol.CmdInitiateRequest)
	assert.Equal(t, http.MethodGet, initiate.Method)
	assert.Equal(t, "x", initiate.Path)
	assert.Len(t, initiate.RequestID, requestIDLength)
	rec.waitFor(t, protocol.CmdEndRequest)

	id := initiate.RequestID
	require.NoError(t, c.HandleMessage(&protocol.Message{
		Command: protocol.CmdSetResponseHeaders, RequestID: id, Status: 200, StatusMessage: "OK",
		Headers: http.Header{"Content-Type": {"text/plain"}},
	}))
	for _, chunk := range []string{"ab", "cd"} {
		require.NoError(t, c.HandleMessage(&protocol.Message{
			Command: protocol.CmdWriteResponseData, RequestID: id,
			DataBase64: base64.StdEncoding.EncodeToString([]byte(chunk)),
		}))
	}
	require.NoError(t, c.HandleMessage(&protocol.Message{Command: protocol.CmdEndResponse, RequestID: id}))

	res := <-results
	require.NoError(t, res.err)
	defer res.resp.Body.Close()
	assert.Equal(t, http.StatusOK, res.resp.StatusCode)
	assert.Equal(t, "200 OK", res.resp.Status)
	assert.Equal(t, "text/plain", res.resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(res.resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(body))
	assert.Equal(t, 0, c.Pending())
}

func TestClientReportErrorBeforeHeaders(t *testing.T) {
	rec := &recorder{}
	c := NewClient(rec, zaptest.NewLogger(t))

	errs := make(chan error, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, "/missing", nil)
		_, err := c.RoundTrip(req)
		errs <- err
	}()

	initiate := rec.waitFor(t, protocol.CmdInitiateRequest)
	require.NoError(t, c.HandleMessage(&protocol.Message{
		Command: protocol.CmdReportError, RequestID: initiate.RequestID, Error: "connection refused",
	}))

	err := <-errs
	assert.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestClientReportErrorAfterHeadersFailsBody(t *testing.T) {
	rec := &recorder{}
	c := NewClient(rec, zaptest.NewLogger(t))

	type result struct {
		resp *http.Response
		err  error
	}
	results := make(chan result, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, "/x", nil)
		resp, err := c.RoundTrip(req)
		results <- result{resp, err}
	}()

	id := rec.waitFor(t, protocol.CmdInitiateRequest).RequestID
	require.NoError(t, c.HandleMessage(&protocol.Message{Command: protocol.CmdSetResponseHeaders, RequestID: id, Status: 200}))
	require.NoError(t, c.HandleMessage(&protocol.Message{
		Command: protocol.CmdWriteResponseData, RequestID: id, DataBase64: base64.StdEncoding.EncodeToString([]byte("ab")),
	}))
	require.NoError(t, c.HandleMessage(&protocol.Message{Command: protocol.CmdReportError, RequestID: id, Error: "disk error"}))

	res := <-results
	require.NoError(t, res.err)
	body, err := io.ReadAll(res.resp.Body)
	assert.Equal(t, "ab", string(body))
	assert.ErrorIs(t, err, ErrRemote)
}

func TestClientUnknownRequest(t *testing.T) {
	c := NewClient(&recorder{}, zaptest.NewLogger(t))
	err := c.HandleMessage(&protocol.Message{Command: protocol.CmdEndResponse, RequestID: "nope1234"})
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestClientCloseFailsPending(t *testing.T) {
	rec := &recorder{}
	c := NewClient(rec, zaptest.NewLogger(t))

	errs := make(chan error, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, "/slow", nil)
		_, err := c.RoundTrip(req)
		errs <- err
	}()
	rec.waitFor(t, protocol.CmdInitiateRequest)

	c.Close(assert.AnError)
	assert.ErrorIs(t, <-errs, ErrClosed)
	assert.Equal(t, 0, c.Pending())

	req, _ := http.NewRequest(http.MethodGet, "/again", nil)
	_, err := c.RoundTrip(req)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClientContextCancel(t *testing.T) {
	rec := &recorder{}
	c := NewClient(rec, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "/slow", nil)
		_, err := c.RoundTrip(req)
		errs <- err
	}()
	rec.waitFor(t, protocol.CmdInitiateRequest)

	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)
	assert.Equal(t, 0, c.Pending())
}

func TestRequestIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := newRequestID()
		require.NoError(t, err)
		require.Len(t, id, requestIDLength)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestTunnelStreamsResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/x", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ab"))
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte("cd"))
	}))
	defer backend.Close()

	client, _, toClient := newPair(t, backend.URL)

	req, _ := http.NewRequest(http.MethodGet, "/x", nil)
	resp, err := client.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(body))

	cmds := toClient.commands()
	require.GreaterOrEqual(t, len(cmds), 3)
	assert.Equal(t, protocol.CmdSetResponseHeaders, cmds[0])
	assert.Equal(t, protocol.CmdEndResponse, cmds[len(cmds)-1])
	for _, cmd := range cmds[1 : len(cmds)-1] {
		assert.Equal(t, protocol.CmdWriteResponseData, cmd)
	}
	assert.Empty(t, toClient.errors())
}

func TestTunnelStreamsRequestBody(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		data, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		_, _ = w.Write(data)
	}))
	defer backend.Close()

	client, server, _ := newPair(t, backend.URL)

	var in, out atomic.Int64
	client.OnBytes(func(i, o int) {
		in.Add(int64(i))
		out.Add(int64(o))
	})

	payload := make([]byte, 3*ChunkSize+17)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodPost, "/upload", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := client.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, body)
	assert.Equal(t, int64(len(payload)), in.Load())
	assert.Equal(t, int64(len(payload)), out.Load())

	assert.Eventually(t, func() bool { return server.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestForwardRewritesRedirects(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/old":
			http.Redirect(w, r, "/new", http.StatusFound)
		case "/away":
			http.Redirect(w, r, "https://example.org/elsewhere", http.StatusFound)
		}
	}))
	defer backend.Close()

	client, _, _ := newPair(t, backend.URL)

	tests := []struct {
		name   string
		prefix string
		path   string
		want   string
	}{
		{"default prefix", "", "old", "/share/new"},
		{"custom prefix", "/abc123/share/leaf0001", "old", "/abc123/share/leaf0001/new"},
		{"absolute url untouched", "", "away", "https://example.org/elsewhere"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefix := tt.prefix
			if prefix == "" {
				prefix = DefaultRedirectPrefix
			}
			client.SetRedirectPrefix(prefix)

			w := httptest.NewRecorder()
			client.Forward(tt.path, w, httptest.NewRequest(http.MethodGet, "/whatever", nil))
			assert.Equal(t, http.StatusFound, w.Code)
			assert.Equal(t, tt.want, w.Header().Get("Location"))
		})
	}
}

func TestForwardPassesQuery(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.Path + "?" + r.URL.RawQuery))
	}))
	defer backend.Close()

	client, _, _ := newPair(t, backend.URL)

	w := httptest.NewRecorder()
	client.Forward("leaf0001/api/readdir/docs", w, httptest.NewRequest(http.MethodGet, "/ignored?a=1&b=2", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/leaf0001/api/readdir/docs?a=1&b=2", w.Body.String())
}

func TestForwardReportsBackendFailure(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	addr := backend.URL
	backend.Close()

	client, _, _ := newPair(t, addr)

	w := httptest.NewRecorder()
	client.Forward("anything", w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var body protocol.ErrorFrame
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, strings.HasPrefix(body.Error, "Error in response: "), body.Error)
}

func TestGetJSON(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/find/abc" {
			protocol.WriteError(w, http.StatusInternalServerError, "wrong path")
			return
		}
		protocol.WriteJSON(w, http.StatusOK, map[string]any{"found": true, "size": 42})
	}))
	defer backend.Close()

	client, _, _ := newPair(t, backend.URL)

	var got struct {
		Found bool  `json:"found"`
		Size  int64 `json:"size"`
	}
	require.NoError(t, client.GetJSON(context.Background(), "find/abc", &got))
	assert.True(t, got.Found)
	assert.Equal(t, int64(42), got.Size)

	err := client.GetJSON(context.Background(), "find/other", &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong path")
}

func TestServerUnknownRequestData(t *testing.T) {
	rec := &recorder{}
	s := NewServer(rec, "http://127.0.0.1:1", zaptest.NewLogger(t))
	defer s.Close()

	require.NoError(t, s.HandleMessage(&protocol.Message{
		Command: protocol.CmdWriteRequestData, RequestID: "ghost123", DataBase64: "YQ==",
	}))
	msg := rec.waitFor(t, protocol.CmdReportError)
	assert.Equal(t, "ghost123", msg.RequestID)
	assert.Contains(t, msg.Error, ErrUnknownRequest.Error())
}

func TestServerDuplicateInitiate(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte("done"))
	}))
	defer backend.Close()

	rec := &recorder{}
	s := NewServer(rec, backend.URL, zaptest.NewLogger(t))
	defer s.Close()

	initiate := &protocol.Message{Command: protocol.CmdInitiateRequest, RequestID: "dup00001", Method: http.MethodGet, Path: "slow"}
	require.NoError(t, s.HandleMessage(initiate))
	require.NoError(t, s.HandleMessage(initiate))

	msg := rec.waitFor(t, protocol.CmdReportError)
	assert.Equal(t, "dup00001", msg.RequestID)
	assert.Contains(t, msg.Error, ErrDuplicateRequest.Error())

	close(release)
	require.NoError(t, s.HandleMessage(&protocol.Message{Command: protocol.CmdEndRequest, RequestID: "dup00001"}))
	rec.waitFor(t, protocol.CmdEndResponse)
	assert.Eventually(t, func() bool { return s.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestServerStripsHostAndKeepsRedirect(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEqual(t, "spoofed.example", r.Host)
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		http.Redirect(w, r, "/elsewhere", http.StatusMovedPermanently)
	}))
	defer backend.Close()

	rec := &recorder{}
	s := NewServer(rec, backend.URL, zaptest.NewLogger(t))
	defer s.Close()

	require.NoError(t, s.HandleMessage(&protocol.Message{
		Command:   protocol.CmdInitiateRequest,
		RequestID: "host0001",
		Method:    http.MethodGet,
		Path:      "start",
		Headers:   http.Header{"Host": {"spoofed.example"}, "X-Test": {"yes"}},
	}))

	headers := rec.waitFor(t, protocol.CmdSetResponseHeaders)
	assert.Equal(t, http.StatusMovedPermanently, headers.Status)
	assert.Equal(t, "Moved Permanently", headers.StatusMessage)
	assert.Equal(t, "/elsewhere", headers.Headers.Get("Location"))
	rec.waitFor(t, protocol.CmdEndResponse)
}

// backloggedRecorder reports a queue length the test controls.
type backloggedRecorder struct {
	recorder
	queued atomic.Int32
}

func (r *backloggedRecorder) QueueLen() int { return int(r.queued.Load()) }

func (r *backloggedRecorder) count(cmd protocol.Command) int {
	n := 0
	for _, c := range r.commands() {
		if c == cmd {
			n++
		}
	}
	return n
}

func TestServerHoldsResponseWhileQueueIsFull(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 4*ChunkSize)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer backend.Close()

	rec := &backloggedRecorder{}
	rec.queued.Store(MaxQueuedChunks)
	s := NewServer(rec, backend.URL, zaptest.NewLogger(t))
	defer s.Close()

	require.NoError(t, s.HandleMessage(&protocol.Message{
		Command: protocol.CmdInitiateRequest, RequestID: "req00001", Method: http.MethodGet, Path: "big",
	}))
	require.NoError(t, s.HandleMessage(&protocol.Message{Command: protocol.CmdEndRequest, RequestID: "req00001"}))

	rec.waitFor(t, protocol.CmdSetResponseHeaders)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.count(protocol.CmdWriteResponseData))

	rec.queued.Store(0)
	rec.waitFor(t, protocol.CmdEndResponse)

	var body []byte
	rec.mu.Lock()
	for _, m := range rec.msgs {
		if m.Command == protocol.CmdWriteResponseData {
			data, err := base64.StdEncoding.DecodeString(m.DataBase64)
			require.NoError(t, err)
			body = append(body, data...)
		}
	}
	rec.mu.Unlock()
	assert.Equal(t, payload, body)
}

func TestServerStopsWaitingOnClose(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "never sent")
	}))
	defer backend.Close()

	rec := &backloggedRecorder{}
	rec.queued.Store(MaxQueuedChunks)
	s := NewServer(rec, backend.URL, zaptest.NewLogger(t))

	require.NoError(t, s.HandleMessage(&protocol.Message{
		Command: protocol.CmdInitiateRequest, RequestID: "req00002", Method: http.MethodGet, Path: "x",
	}))
	require.NoError(t, s.HandleMessage(&protocol.Message{Command: protocol.CmdEndRequest, RequestID: "req00002"}))
	rec.waitFor(t, protocol.CmdSetResponseHeaders)

	s.Close()
	require.Eventually(t, func() bool { return s.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, rec.count(protocol.CmdWriteResponseData))
	assert.Zero(t, rec.count(protocol.CmdEndResponse))
}
