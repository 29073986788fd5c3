package connection

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"kbnet/pkg/channel"
	"kbnet/pkg/identity"
	"kbnet/pkg/protocol"
	"kbnet/pkg/types"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Parent is a node's end of the socket it opened to its parent hub.
type Parent struct {
	sealer
	channel *channel.Channel
	logger  *zap.Logger

	mu        sync.Mutex
	state     State
	nodeID    types.NodeID
	publicKey ed25519.PublicKey
	info      types.RegistrationInfo
	remoteErr error

	onMessage     func(*protocol.Message) error
	closeHandlers []func(error)

	registered chan error
	regOnce    sync.Once
}

// Dial opens a socket to the hub at parentURL. Call Register to authenticate.
func Dial(ctx context.Context, parentURL string, self *identity.Identity, logger *zap.Logger) (*Parent, error) {
	wsURL, err := WebSocketURL(parentURL)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to parent hub %s: %w", parentURL, err)
	}
	return NewParent(channel.NewWebSocketTransport(conn), self, logger), nil
}

func NewParent(t channel.Transport, self *identity.Identity, logger *zap.Logger) *Parent {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Parent{
		sealer:     sealer{self: self},
		channel:    channel.New(t, channel.Options{WaitForResponse: true}, logger),
		logger:     logger,
		registered: make(chan error, 1),
	}
	p.channel.OnMessage(p.handleFrame)
	p.channel.OnClose(p.handleClose)
	return p
}

// OnMessage sets the handler for messages from the parent after
// registration. Acks are consumed by the connection. Handler errors are
// logged and do not close the socket.
func (p *Parent) OnMessage(fn func(*protocol.Message) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMessage = fn
}

func (p *Parent) OnClose(fn func(error)) {
	p.mu.Lock()
	if p.state == StateClosed {
		err := p.remoteErr
		p.mu.Unlock()
		fn(err)
		return
	}
	p.closeHandlers = append(p.closeHandlers, fn)
	p.mu.Unlock()
}

// Register sends the registration request and blocks until the parent
// confirms, rejects, or ctx expires.
func (p *Parent) Register(ctx context.Context, info types.RegistrationInfo) error {
	p.channel.Start()

	if err := p.Send(&protocol.Message{Command: protocol.CmdRegisterChildNode, Info: &info}); err != nil {
		p.Close()
		return fmt.Errorf("failed to send registration: %w", err)
	}

	select {
	case err := <-p.registered:
		if err != nil {
			p.Close()
			return err
		}
		return nil
	case <-ctx.Done():
		p.Close()
		return fmt.Errorf("registration with parent hub timed out: %w", ctx.Err())
	}
}

func (p *Parent) Send(msg *protocol.Message) error {
	env, err := p.seal(msg)
	if err != nil {
		return err
	}
	return p.channel.Send(env)
}

// QueueLen returns the number of messages waiting for the parent to answer
// the one in flight.
func (p *Parent) QueueLen() int {
	return p.channel.QueueLen()
}

// NodeID returns the parent's id once registered.
func (p *Parent) NodeID() types.NodeID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodeID
}

// Info returns the parent's own node info from its confirmation.
func (p *Parent) Info() types.RegistrationInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

func (p *Parent) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Parent) Done() <-chan struct{} {
	return p.channel.Done()
}

func (p *Parent) Close() {
	p.channel.Close()
}

func (p *Parent) finishRegistration(err error) {
	p.regOnce.Do(func() {
		p.registered <- err
	})
}

func (p *Parent) fail(err error) {
	p.logger.Warn("Closing connection to parent hub", zap.Error(err))
	p.finishRegistration(err)
	p.channel.SendErrorAndClose(err.Error())
}

func (p *Parent) handleFrame(data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		p.fail(err)
		return
	}
	if env.IsError() {
		err := fmt.Errorf("%w: %s", ErrRejected, env.Error)
		p.mu.Lock()
		p.remoteErr = err
		p.mu.Unlock()
		p.logger.Warn("Parent hub reported an error", zap.String("error", env.Error))
		p.finishRegistration(err)
		p.channel.Close()
		return
	}

	switch p.State() {
	case StateAwaitingFirstMessage:
		p.handleConfirmation(env)
	case StateRegistered:
		p.handleEnvelope(env)
	}
}

func (p *Parent) handleConfirmation(env *protocol.Envelope) {
	pub, msg, err := openFirst(env)
	if err != nil {
		p.fail(err)
		return
	}
	if msg.Kind() != protocol.KindConfirmRegistration {
		p.fail(fmt.Errorf("%w: expected confirm_registration, got %s", ErrHandshake, msg.Kind()))
		return
	}

	p.mu.Lock()
	p.state = StateRegistered
	p.nodeID = env.NodeID
	p.publicKey = pub
	if msg.Info != nil {
		p.info = *msg.Info
	}
	p.mu.Unlock()

	p.logger.Info("Registered with parent hub", zap.String("parent_node_id", string(env.NodeID)))
	p.finishRegistration(nil)
}

func (p *Parent) handleEnvelope(env *protocol.Envelope) {
	p.mu.Lock()
	pub, nodeID, handler := p.publicKey, p.nodeID, p.onMessage
	p.mu.Unlock()

	msg, err := openEnvelope(env, pub, nodeID)
	if err != nil {
		p.fail(err)
		return
	}
	if msg.Kind() == protocol.KindAck || handler == nil {
		return
	}
	if err := handler(msg); err != nil {
		p.logger.Warn("Failed to handle message from parent hub",
			zap.String("command", string(msg.Command)),
			zap.Error(err))
	}
}

func (p *Parent) handleClose(err error) {
	p.mu.Lock()
	p.state = StateClosed
	if err == nil {
		err = p.remoteErr
	}
	handlers := p.closeHandlers
	p.closeHandlers = nil
	p.mu.Unlock()

	p.finishRegistration(ErrClosed)
	for _, fn := range handlers {
		fn(err)
	}
}
