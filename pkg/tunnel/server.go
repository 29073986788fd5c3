package tunnel

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"kbnet/pkg/protocol"

	"go.uber.org/zap"
)

// inbound lives until both the request body and the response have ended.
type inbound struct {
	body          *bodyBuffer
	cancel        context.CancelFunc
	requestEnded  bool
	responseEnded bool
}

// Server answers tunneled requests by replaying them against a local HTTP
// endpoint.
type Server struct {
	sender Sender
	client *http.Client
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	maxQueued    int
	pollInterval time.Duration

	mu         sync.Mutex
	forwardURL string
	inflight   map[string]*inbound
	onBytes    func(in, out int)
}

func NewServer(sender Sender, forwardURL string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		sender: sender,
		client: &http.Client{
			// Redirects are relayed to the requester, never followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: &http.Transport{
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		maxQueued:    MaxQueuedChunks,
		pollInterval: 5 * time.Millisecond,
		forwardURL:   strings.TrimSuffix(forwardURL, "/"),
		inflight:     make(map[string]*inbound),
	}
}

func (s *Server) SetForwardURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwardURL = strings.TrimSuffix(u, "/")
}

// OnBytes registers a hook for body bytes received from (in) and sent to
// (out) the requesting node.
func (s *Server) OnBytes(fn func(in, out int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBytes = fn
}

func (s *Server) countBytes(in, out int) {
	s.mu.Lock()
	fn := s.onBytes
	s.mu.Unlock()
	if fn != nil {
		fn(in, out)
	}
}

// InFlight returns the number of requests whose request or response has not
// ended yet.
func (s *Server) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Server) reportError(id string, reason string) {
	err := s.sender.Send(&protocol.Message{
		Command:   protocol.CmdReportError,
		RequestID: id,
		Error:     reason,
	})
	if err != nil {
		s.logger.Debug("Failed to report tunnel error",
			zap.String("request_id", id),
			zap.Error(err))
	}
}

// HandleMessage applies a request message from the requesting node. Errors
// scoped to one request are answered with http.report_error and do not
// surface here.
func (s *Server) HandleMessage(msg *protocol.Message) error {
	switch msg.Command {
	case protocol.CmdInitiateRequest:
		s.initiate(msg)
	case protocol.CmdWriteRequestData:
		s.mu.Lock()
		in, ok := s.inflight[msg.RequestID]
		s.mu.Unlock()
		if !ok {
			s.reportError(msg.RequestID, fmt.Sprintf("%s: %s", ErrUnknownRequest, msg.RequestID))
			return nil
		}
		data, err := base64.StdEncoding.DecodeString(msg.DataBase64)
		if err != nil {
			in.body.finish(fmt.Errorf("invalid request data: %w", err))
			return nil
		}
		in.body.push(data)
		s.countBytes(len(data), 0)
	case protocol.CmdEndRequest:
		s.mu.Lock()
		in, ok := s.inflight[msg.RequestID]
		if ok {
			in.requestEnded = true
			if in.responseEnded {
				delete(s.inflight, msg.RequestID)
			}
		}
		s.mu.Unlock()
		if !ok {
			s.reportError(msg.RequestID, fmt.Sprintf("%s: %s", ErrUnknownRequest, msg.RequestID))
			return nil
		}
		in.body.finish(nil)
	default:
		return fmt.Errorf("unexpected tunnel command %q", msg.Command)
	}
	return nil
}

func (s *Server) initiate(msg *protocol.Message) {
	id := msg.RequestID
	if id == "" {
		s.reportError(id, "missing request_id")
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	in := &inbound{body: newBodyBuffer(), cancel: cancel}

	s.mu.Lock()
	if _, exists := s.inflight[id]; exists {
		s.mu.Unlock()
		cancel()
		s.reportError(id, fmt.Sprintf("%s: %s", ErrDuplicateRequest, id))
		return
	}
	s.inflight[id] = in
	target := s.forwardURL
	s.mu.Unlock()

	if target == "" {
		s.responseDone(id)
		s.reportError(id, "no local endpoint to forward to")
		return
	}

	go s.serve(ctx, id, target+"/"+strings.TrimPrefix(msg.Path, "/"), msg, in)
}

func (s *Server) responseDone(id string) {
	s.mu.Lock()
	in, ok := s.inflight[id]
	if ok {
		in.responseEnded = true
		if in.requestEnded {
			delete(s.inflight, id)
		}
	}
	s.mu.Unlock()
	if ok {
		in.cancel()
	}
}

func (s *Server) serve(ctx context.Context, id, target string, msg *protocol.Message, in *inbound) {
	defer s.responseDone(id)

	var body io.Reader = http.NoBody
	contentLength := int64(0)
	if v := msg.Headers.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			contentLength = n
			body = in.body
		}
	}
	if msg.Headers.Get("Transfer-Encoding") != "" {
		contentLength = -1
		body = in.body
	}

	req, err := http.NewRequestWithContext(ctx, msg.Method, target, body)
	if err != nil {
		s.reportError(id, fmt.Sprintf("invalid request: %v", err))
		return
	}
	req.Header = msg.Headers.Clone()
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Del("Host")
	req.Header.Del("Content-Length")
	req.Header.Del("Transfer-Encoding")
	req.ContentLength = contentLength

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("Tunneled request failed",
			zap.String("request_id", id),
			zap.String("target", target),
			zap.Error(err))
		s.reportError(id, err.Error())
		return
	}
	defer resp.Body.Close()

	statusMessage := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	err = s.sender.Send(&protocol.Message{
		Command:       protocol.CmdSetResponseHeaders,
		RequestID:     id,
		Status:        resp.StatusCode,
		StatusMessage: statusMessage,
		Headers:       resp.Header,
	})
	if err != nil {
		return
	}

	buf := make([]byte, ChunkSize)
	for {
		if err := s.waitForRoom(ctx); err != nil {
			return
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			sendErr := s.sender.Send(&protocol.Message{
				Command:    protocol.CmdWriteResponseData,
				RequestID:  id,
				DataBase64: base64.StdEncoding.EncodeToString(buf[:n]),
			})
			if sendErr != nil {
				return
			}
			s.countBytes(0, n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			s.reportError(id, fmt.Sprintf("failed to read response: %v", err))
			return
		}
	}

	_ = s.sender.Send(&protocol.Message{Command: protocol.CmdEndResponse, RequestID: id})
}

// waitForRoom blocks while the sender's queue is full, so a slow requester
// holds back the local response instead of buffering all of it.
func (s *Server) waitForRoom(ctx context.Context) error {
	q, ok := s.sender.(QueuedSender)
	if !ok || q.QueueLen() < s.maxQueued {
		return nil
	}
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for q.QueueLen() >= s.maxQueued {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close cancels every in-flight request.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	pending := s.inflight
	s.inflight = make(map[string]*inbound)
	s.mu.Unlock()
	for _, in := range pending {
		in.body.finish(ErrClosed)
		in.cancel()
	}
}
