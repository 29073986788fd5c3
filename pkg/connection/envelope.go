package connection

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"kbnet/pkg/identity"
	"kbnet/pkg/protocol"
	"kbnet/pkg/types"
)

var (
	ErrHandshake      = errors.New("handshake failed")
	ErrSignature      = errors.New("signature verification failed")
	ErrNodeIDMismatch = errors.New("node id mismatch")
	ErrRejected       = errors.New("registration rejected")
	ErrClosed         = errors.New("connection closed")
)

type State int

const (
	StateAwaitingFirstMessage State = iota
	StateValidating
	StateRegistered
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingFirstMessage:
		return "AWAITING_FIRST_MESSAGE"
	case StateValidating:
		return "VALIDATING"
	case StateRegistered:
		return "REGISTERED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// sealer stamps and signs outbound messages. The public key rides along
// with the first envelope only.
type sealer struct {
	self *identity.Identity

	mu      sync.Mutex
	keySent bool
}

func (s *sealer) seal(msg *protocol.Message) (*protocol.Envelope, error) {
	m := *msg
	m.NodeID = s.self.NodeID
	m.Timestamp = time.Now().UnixMilli()

	raw, err := json.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	raw, err = identity.Canonicalize(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	sig, err := s.self.Sign(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}

	env := &protocol.Envelope{
		Message:   raw,
		NodeID:    s.self.NodeID,
		Signature: sig,
		Timestamp: m.Timestamp,
	}

	s.mu.Lock()
	if !s.keySent {
		env.PublicKey = s.self.PublicKeyText
		s.keySent = true
	}
	s.mu.Unlock()

	return env, nil
}

// openFirst authenticates the first envelope of a connection, which must
// carry the sender's public key.
func openFirst(env *protocol.Envelope) (ed25519.PublicKey, *protocol.Message, error) {
	if env.PublicKey == "" {
		return nil, nil, fmt.Errorf("%w: first message must include public_key", ErrHandshake)
	}
	if err := identity.ValidNodeID(env.NodeID); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	pub, err := identity.ParsePublicKey(env.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	fragment, err := identity.DeriveIdentityFragment(env.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if fragment != string(env.NodeID) {
		return nil, nil, fmt.Errorf("%w: node id %s does not match public key", ErrHandshake, env.NodeID)
	}
	msg, err := openEnvelope(env, pub, env.NodeID)
	if err != nil {
		return nil, nil, err
	}
	return pub, msg, nil
}

func openEnvelope(env *protocol.Envelope, pub ed25519.PublicKey, nodeID types.NodeID) (*protocol.Message, error) {
	if env.NodeID != nodeID {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrNodeIDMismatch, nodeID, env.NodeID)
	}
	if !identity.Verify(env.Message, env.Signature, pub) {
		return nil, ErrSignature
	}
	msg, err := env.DecodeMessage()
	if err != nil {
		return nil, err
	}
	if msg.NodeID != nodeID {
		return nil, fmt.Errorf("%w: message signed for %s", ErrNodeIDMismatch, msg.NodeID)
	}
	return msg, nil
}

// WebSocketURL converts a hub's http(s) listen url to the ws(s) url of its
// socket endpoint.
func WebSocketURL(listenURL string) (string, error) {
	u, err := url.Parse(listenURL)
	if err != nil {
		return "", fmt.Errorf("invalid parent hub url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported parent hub url scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}
