package connection

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"kbnet/pkg/channel"
	"kbnet/pkg/identity"
	"kbnet/pkg/protocol"
	"kbnet/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Child is a hub's end of a socket opened by a registering child node.
type Child struct {
	sealer
	channel   *channel.Channel
	logger    *zap.Logger
	sessionID string

	mu        sync.Mutex
	state     State
	nodeID    types.NodeID
	publicKey ed25519.PublicKey
	info      types.RegistrationInfo

	onRegistered  func(*Child) error
	onMessage     func(*protocol.Message) (*protocol.Message, error)
	closeHandlers []func()

	// Sends before Confirm are held so confirm_registration is the first
	// envelope the child sees.
	gateMutex sync.Mutex
	confirmed bool
	held      []*protocol.Message
}

func NewChild(t channel.Transport, self *identity.Identity, logger *zap.Logger) *Child {
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionID := uuid.NewString()
	logger = logger.With(zap.String("session_id", sessionID))

	c := &Child{
		sealer:    sealer{self: self},
		channel:   channel.New(t, channel.Options{EnforceRemoteWait: true}, logger),
		logger:    logger,
		sessionID: sessionID,
	}
	c.channel.OnMessage(c.handleFrame)
	c.channel.OnClose(c.handleClose)
	return c
}

// OnRegistered is called once the handshake and consent checks pass. The
// callback owns adding the child to a registry and calling Confirm; an
// error closes the connection with that error as the reason.
func (c *Child) OnRegistered(fn func(*Child) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRegistered = fn
}

// OnMessage sets the handler for authenticated messages after registration.
// A nil reply is answered with a plain ack.
func (c *Child) OnMessage(fn func(*protocol.Message) (*protocol.Message, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *Child) OnClose(fn func()) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		fn()
		return
	}
	c.closeHandlers = append(c.closeHandlers, fn)
	c.mu.Unlock()
}

func (c *Child) Start() {
	c.channel.Start()
}

func (c *Child) NodeID() types.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeID
}

func (c *Child) Info() types.RegistrationInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func (c *Child) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Child) SessionID() string {
	return c.sessionID
}

func (c *Child) Done() <-chan struct{} {
	return c.channel.Done()
}

// Send seals and sends msg. Until Confirm has run the message is held and
// nil is returned.
func (c *Child) Send(msg *protocol.Message) error {
	c.gateMutex.Lock()
	if !c.confirmed {
		c.held = append(c.held, msg)
		c.gateMutex.Unlock()
		return nil
	}
	c.gateMutex.Unlock()
	return c.send(msg)
}

// Confirm sends confirm_registration carrying info, then releases every
// message held since registration.
func (c *Child) Confirm(info types.RegistrationInfo) error {
	c.gateMutex.Lock()
	defer c.gateMutex.Unlock()
	if c.confirmed {
		return fmt.Errorf("registration of %s already confirmed", c.NodeID())
	}
	if err := c.send(&protocol.Message{Command: protocol.CmdConfirmRegistration, Info: &info}); err != nil {
		return err
	}
	c.confirmed = true

	held := c.held
	c.held = nil
	for _, msg := range held {
		if err := c.send(msg); err != nil {
			return fmt.Errorf("failed to send held %s: %w", msg.Command, err)
		}
	}
	return nil
}

func (c *Child) send(msg *protocol.Message) error {
	env, err := c.seal(msg)
	if err != nil {
		return err
	}
	return c.channel.Send(env)
}

// Reject sends reason as a terminal error frame and closes the socket.
func (c *Child) Reject(reason string) {
	c.channel.SendErrorAndClose(reason)
}

func (c *Child) Close() {
	c.channel.Close()
}

func (c *Child) reject(err error) {
	c.logger.Warn("Closing child connection",
		zap.String("node_id", string(c.NodeID())),
		zap.Error(err))
	c.channel.SendErrorAndClose(err.Error())
}

func (c *Child) handleFrame(data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		c.reject(err)
		return
	}
	if env.IsError() {
		c.logger.Warn("Child node reported an error",
			zap.String("node_id", string(c.NodeID())),
			zap.String("error", env.Error))
		c.channel.Close()
		return
	}

	switch c.State() {
	case StateAwaitingFirstMessage:
		c.handleRegistration(env)
	case StateRegistered:
		c.handleEnvelope(env)
	}
}

func (c *Child) handleRegistration(env *protocol.Envelope) {
	pub, msg, err := openFirst(env)
	if err != nil {
		c.reject(err)
		return
	}
	if msg.Kind() != protocol.KindRegister || msg.Info == nil {
		c.reject(fmt.Errorf("%w: first message must be a registration", ErrHandshake))
		return
	}

	c.mu.Lock()
	c.state = StateValidating
	c.nodeID = env.NodeID
	c.publicKey = pub
	c.info = *msg.Info
	c.mu.Unlock()

	if err := msg.Info.ValidateConsent(); err != nil {
		c.reject(fmt.Errorf("%w: %v", ErrHandshake, err))
		return
	}

	c.mu.Lock()
	c.state = StateRegistered
	fn := c.onRegistered
	c.mu.Unlock()

	c.logger.Info("Child node registered",
		zap.String("node_id", string(env.NodeID)),
		zap.String("node_type", string(msg.Info.NodeType)),
		zap.String("listen_url", msg.Info.ListenURL))

	if fn != nil {
		if err := fn(c); err != nil {
			c.reject(err)
		}
	}
}

func (c *Child) handleEnvelope(env *protocol.Envelope) {
	c.mu.Lock()
	pub, nodeID, handler := c.publicKey, c.nodeID, c.onMessage
	c.mu.Unlock()

	msg, err := openEnvelope(env, pub, nodeID)
	if err != nil {
		c.reject(err)
		return
	}

	var reply *protocol.Message
	if handler != nil {
		reply, err = handler(msg)
		if err != nil {
			c.reject(err)
			return
		}
	}
	if reply == nil {
		reply = &protocol.Message{Message: protocol.AckMessage}
	}
	if err := c.Send(reply); err != nil {
		c.logger.Debug("Failed to reply to child", zap.Error(err))
	}
}

func (c *Child) handleClose(err error) {
	c.mu.Lock()
	c.state = StateClosed
	handlers := c.closeHandlers
	c.closeHandlers = nil
	c.mu.Unlock()

	fields := []zap.Field{zap.String("node_id", string(c.NodeID()))}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	c.logger.Debug("Child connection closed", fields...)

	for _, fn := range handlers {
		fn()
	}
}
