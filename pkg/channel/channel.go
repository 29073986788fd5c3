// Package channel paces JSON messages over a single socket so that at most
// one message is in flight per direction. Any inbound frame acknowledges
// the last outbound one.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"kbnet/pkg/protocol"

	"go.uber.org/zap"
)

var (
	ErrClosed          = errors.New("channel closed")
	ErrPacingViolation = errors.New("remote sent a message before receiving a response")
	ErrInvalidFrame    = errors.New("received frame is not valid JSON")
)

type Options struct {
	// WaitForResponse queues outbound messages until the previous one has
	// been answered by any inbound frame.
	WaitForResponse bool
	// EnforceRemoteWait closes the channel when the remote sends twice
	// without an outbound message in between.
	EnforceRemoteWait bool
}

type Channel struct {
	transport Transport
	opts      Options
	logger    *zap.Logger

	mu               sync.Mutex
	awaitingResponse bool
	sentSinceReceive bool
	queue            [][]byte
	closed           bool
	closeErr         error

	messageHandlers []func([]byte)
	closeHandlers   []func(error)

	startOnce sync.Once
	done      chan struct{}
}

func New(t Transport, opts Options, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		transport: t,
		opts:      opts,
		logger:    logger,
		// The remote is allowed to speak first.
		sentSinceReceive: true,
		done:             make(chan struct{}),
	}
}

// OnMessage registers a handler for inbound frames. Handlers run on the read
// goroutine in arrival order and must be attached before Start.
func (c *Channel) OnMessage(fn func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandlers = append(c.messageHandlers, fn)
}

// OnClose registers a handler that runs once when the channel closes. The
// error is nil for a clean close.
func (c *Channel) OnClose(fn func(err error)) {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		fn(err)
		return
	}
	c.closeHandlers = append(c.closeHandlers, fn)
	c.mu.Unlock()
}

func (c *Channel) Start() {
	c.startOnce.Do(func() {
		go c.readLoop()
	})
}

func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Send marshals v and transmits it, or queues it while a response is
// outstanding.
func (c *Channel) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.opts.WaitForResponse && (c.awaitingResponse || len(c.queue) > 0) {
		c.queue = append(c.queue, data)
		return nil
	}
	return c.transmitLocked(data)
}

// QueueLen returns the number of messages waiting for a response slot.
func (c *Channel) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Channel) transmitLocked(data []byte) error {
	if err := c.transport.WriteMessage(data); err != nil {
		go c.closeWith(fmt.Errorf("failed to write frame: %w", err))
		return fmt.Errorf("failed to write frame: %w", err)
	}
	c.awaitingResponse = true
	c.sentSinceReceive = true
	return nil
}

// SendErrorAndClose writes a terminal error frame, bypassing the queue, and
// closes the channel.
func (c *Channel) SendErrorAndClose(reason string) {
	c.sendErrorAndClose(reason, errors.New(reason))
}

func (c *Channel) sendErrorAndClose(reason string, cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	data, _ := json.Marshal(protocol.ErrorFrame{Error: reason})
	if err := c.transport.WriteMessage(data); err != nil {
		c.logger.Debug("Failed to write error frame", zap.Error(err))
	}
	c.mu.Unlock()

	c.closeWith(cause)
}

func (c *Channel) Close() error {
	c.closeWith(nil)
	return nil
}

func (c *Channel) closeWith(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	c.queue = nil
	handlers := c.closeHandlers
	c.closeHandlers = nil
	c.mu.Unlock()

	if cerr := c.transport.Close(); cerr != nil {
		c.logger.Debug("Transport close failed", zap.Error(cerr))
	}
	if err != nil {
		c.logger.Debug("Channel closed", zap.Error(err))
	}
	for _, fn := range handlers {
		fn(err)
	}
	close(c.done)
}

func (c *Channel) readLoop() {
	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			c.closeWith(err)
			return
		}
		if !c.handleFrame(data) {
			return
		}
	}
}

func (c *Channel) handleFrame(data []byte) bool {
	if !json.Valid(data) {
		c.logger.Warn("Closing channel after invalid frame")
		c.sendErrorAndClose(fmt.Sprintf("%s. Closing websocket.", ErrInvalidFrame), ErrInvalidFrame)
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.opts.EnforceRemoteWait && !c.sentSinceReceive {
		c.mu.Unlock()
		c.logger.Warn("Closing channel after pacing violation")
		c.sendErrorAndClose(fmt.Sprintf("%s. Closing websocket.", ErrPacingViolation), ErrPacingViolation)
		return false
	}
	c.awaitingResponse = false
	c.sentSinceReceive = false
	handlers := append([]func([]byte){}, c.messageHandlers...)
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(data)
	}

	c.flushQueue()

	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Channel) flushQueue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.awaitingResponse || len(c.queue) == 0 {
		return
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	if err := c.transmitLocked(next); err != nil {
		c.logger.Debug("Failed to send queued message", zap.Error(err))
	}
}
