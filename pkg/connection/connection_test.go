package connection

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"kbnet/pkg/channel"
	"kbnet/pkg/identity"
	"kbnet/pkg/protocol"
	"kbnet/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func leafInfo() types.RegistrationInfo {
	return types.RegistrationInfo{
		NodeType:           types.NodeTypeLeaf,
		Name:               "test-leaf",
		ScientificResearch: "yes",
		ConfirmShare:       "yes",
	}
}

func newIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id
}

func shutdown(child *Child, parent *Parent) {
	child.Close()
	parent.Close()
	<-child.Done()
	<-parent.Done()
}

// acceptingChild returns a hub-side connection that confirms every
// registration, and a counter of accepted registrations.
func acceptingChild(t *testing.T, tr channel.Transport, hub *identity.Identity) (*Child, *atomic.Int32) {
	var accepted atomic.Int32
	c := NewChild(tr, hub, zaptest.NewLogger(t))
	c.OnRegistered(func(c *Child) error {
		accepted.Add(1)
		return c.Confirm(types.RegistrationInfo{NodeType: types.NodeTypeHub, Name: "hub"})
	})
	c.Start()
	return c, &accepted
}

func TestRegistration(t *testing.T) {
	hubID, leafID := newIdentity(t), newIdentity(t)
	hubEnd, leafEnd := channel.Pipe()

	child, accepted := acceptingChild(t, hubEnd, hubID)
	parent := NewParent(leafEnd, leafID, zaptest.NewLogger(t))
	defer shutdown(child, parent)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, parent.Register(ctx, leafInfo()))

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, StateRegistered, parent.State())
	assert.Equal(t, hubID.NodeID, parent.NodeID())
	assert.Equal(t, "hub", parent.Info().Name)

	assert.Equal(t, StateRegistered, child.State())
	assert.Equal(t, leafID.NodeID, child.NodeID())
	assert.Equal(t, "test-leaf", child.Info().Name)
	assert.NotEmpty(t, child.SessionID())
}

func TestMessagesAfterRegistration(t *testing.T) {
	hubID, leafID := newIdentity(t), newIdentity(t)
	hubEnd, leafEnd := channel.Pipe()

	child, _ := acceptingChild(t, hubEnd, hubID)
	fromLeaf := make(chan *protocol.Message, 4)
	child.OnMessage(func(msg *protocol.Message) (*protocol.Message, error) {
		fromLeaf <- msg
		return nil, nil
	})

	parent := NewParent(leafEnd, leafID, zaptest.NewLogger(t))
	defer shutdown(child, parent)
	fromHub := make(chan *protocol.Message, 4)
	parent.OnMessage(func(msg *protocol.Message) error {
		fromHub <- msg
		return nil
	})
	require.NoError(t, parent.Register(context.Background(), leafInfo()))

	for _, path := range []string{"a.txt", "b.txt"} {
		require.NoError(t, parent.Send(&protocol.Message{
			Command: protocol.CmdSetFileInfo,
			Path:    path,
			PRV:     &types.PRV{OriginalChecksum: "da39a3ee5e6b4b0d3255bfef95601890afd80709"},
		}))
	}

	for _, want := range []string{"a.txt", "b.txt"} {
		select {
		case msg := <-fromLeaf:
			assert.Equal(t, protocol.CmdSetFileInfo, msg.Command)
			assert.Equal(t, want, msg.Path)
			assert.Equal(t, leafID.NodeID, msg.NodeID)
			assert.NotZero(t, msg.Timestamp)
		case <-time.After(2 * time.Second):
			t.Fatal("hub did not receive file info")
		}
	}

	require.NoError(t, child.Send(&protocol.Message{Command: protocol.CmdSetTopHubURL, TopHubURL: "http://top:3000"}))
	select {
	case msg := <-fromHub:
		assert.Equal(t, protocol.KindTopHubURL, msg.Kind())
		assert.Equal(t, "http://top:3000", msg.TopHubURL)
	case <-time.After(2 * time.Second):
		t.Fatal("leaf did not receive hub message")
	}

	// Acks never reach the handler.
	select {
	case msg := <-fromHub:
		t.Fatalf("unexpected message %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendsBeforeConfirmAreHeld(t *testing.T) {
	hubID, leafID := newIdentity(t), newIdentity(t)
	hubEnd, leafEnd := channel.Pipe()

	secondConfirm := make(chan error, 1)
	child := NewChild(hubEnd, hubID, zaptest.NewLogger(t))
	child.OnRegistered(func(c *Child) error {
		// A broadcast racing the registration.
		if err := c.Send(&protocol.Message{Command: protocol.CmdSetTopHubURL, TopHubURL: "http://top:3000"}); err != nil {
			return err
		}
		if err := c.Confirm(types.RegistrationInfo{NodeType: types.NodeTypeHub, Name: "hub"}); err != nil {
			return err
		}
		secondConfirm <- c.Confirm(types.RegistrationInfo{NodeType: types.NodeTypeHub})
		return nil
	})
	child.Start()

	parent := NewParent(leafEnd, leafID, zaptest.NewLogger(t))
	defer shutdown(child, parent)
	fromHub := make(chan *protocol.Message, 4)
	parent.OnMessage(func(msg *protocol.Message) error {
		fromHub <- msg
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, parent.Register(ctx, leafInfo()))
	assert.Equal(t, "hub", parent.Info().Name)

	select {
	case msg := <-fromHub:
		assert.Equal(t, protocol.KindTopHubURL, msg.Kind())
		assert.Equal(t, "http://top:3000", msg.TopHubURL)
	case <-time.After(2 * time.Second):
		t.Fatal("held message was not delivered after confirmation")
	}
	assert.Error(t, <-secondConfirm)
}

func TestRegistrationRejectsMissingConsent(t *testing.T) {
	tests := []struct {
		name string
		info types.RegistrationInfo
	}{
		{"leaf without scientific_research", types.RegistrationInfo{NodeType: types.NodeTypeLeaf, ConfirmShare: "yes"}},
		{"leaf without confirm_share", types.RegistrationInfo{NodeType: types.NodeTypeLeaf, ScientificResearch: "yes"}},
		{"hub without scientific_research", types.RegistrationInfo{NodeType: types.NodeTypeHub, ScientificResearch: "no"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hubEnd, leafEnd := channel.Pipe()
			child, accepted := acceptingChild(t, hubEnd, newIdentity(t))

			parent := NewParent(leafEnd, newIdentity(t), zaptest.NewLogger(t))
			err := parent.Register(context.Background(), tt.info)

			assert.ErrorIs(t, err, ErrRejected)
			assert.Equal(t, int32(0), accepted.Load())
			shutdown(child, parent)
			assert.Equal(t, StateClosed, child.State())
		})
	}
}

func TestRegistrationAcceptsHubWithoutConfirmShare(t *testing.T) {
	hubEnd, leafEnd := channel.Pipe()
	child, accepted := acceptingChild(t, hubEnd, newIdentity(t))
	parent := NewParent(leafEnd, newIdentity(t), zaptest.NewLogger(t))
	defer shutdown(child, parent)

	err := parent.Register(context.Background(), types.RegistrationInfo{NodeType: types.NodeTypeHub, ScientificResearch: "yes"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), accepted.Load())
}

func TestRegistrationCallbackErrorRejects(t *testing.T) {
	hubEnd, leafEnd := channel.Pipe()
	child := NewChild(hubEnd, newIdentity(t), zaptest.NewLogger(t))
	child.OnRegistered(func(*Child) error {
		return assert.AnError
	})
	child.Start()

	parent := NewParent(leafEnd, newIdentity(t), zaptest.NewLogger(t))
	err := parent.Register(context.Background(), leafInfo())
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), assert.AnError.Error())
	shutdown(child, parent)
}

// rawEnvelope builds an envelope signed by id for hand-crafted frames.
func rawEnvelope(t *testing.T, id *identity.Identity, msg *protocol.Message, withKey bool) []byte {
	t.Helper()
	s := &sealer{self: id}
	if !withKey {
		s.keySent = true
	}
	env, err := s.seal(msg)
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

func readErrorFrame(t *testing.T, tr channel.Transport) string {
	t.Helper()
	data, err := tr.ReadMessage()
	require.NoError(t, err)
	var frame protocol.ErrorFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame.Error
}

func TestHandshakeFailures(t *testing.T) {
	register := &protocol.Message{Command: protocol.CmdRegisterChildNode, Info: &types.RegistrationInfo{
		NodeType: types.NodeTypeLeaf, ScientificResearch: "yes", ConfirmShare: "yes",
	}}

	t.Run("missing public key", func(t *testing.T) {
		hubEnd, raw := channel.Pipe()
		child, accepted := acceptingChild(t, hubEnd, newIdentity(t))

		require.NoError(t, raw.WriteMessage(rawEnvelope(t, newIdentity(t), register, false)))
		assert.Contains(t, readErrorFrame(t, raw), "public_key")
		<-child.Done()
		assert.Equal(t, int32(0), accepted.Load())
	})

	t.Run("node id does not match key", func(t *testing.T) {
		hubEnd, raw := channel.Pipe()
		child, accepted := acceptingChild(t, hubEnd, newIdentity(t))

		liar := newIdentity(t)
		other := newIdentity(t)
		forged := *liar
		forged.PublicKeyText = other.PublicKeyText

		require.NoError(t, raw.WriteMessage(rawEnvelope(t, &forged, register, true)))
		assert.Contains(t, readErrorFrame(t, raw), "does not match public key")
		<-child.Done()
		assert.Equal(t, int32(0), accepted.Load())
	})

	t.Run("bad signature", func(t *testing.T) {
		hubEnd, raw := channel.Pipe()
		child, accepted := acceptingChild(t, hubEnd, newIdentity(t))

		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(rawEnvelope(t, newIdentity(t), register, true), &env))
		env.Signature = "00" + env.Signature[2:]
		if env.Signature == "00" {
			env.Signature = "11"
		}
		data, err := json.Marshal(&env)
		require.NoError(t, err)

		require.NoError(t, raw.WriteMessage(data))
		assert.Contains(t, readErrorFrame(t, raw), ErrSignature.Error())
		<-child.Done()
		assert.Equal(t, int32(0), accepted.Load())
	})

	t.Run("first message not a registration", func(t *testing.T) {
		hubEnd, raw := channel.Pipe()
		child, accepted := acceptingChild(t, hubEnd, newIdentity(t))

		msg := &protocol.Message{Command: protocol.CmdSetFileInfo, Path: "x"}
		require.NoError(t, raw.WriteMessage(rawEnvelope(t, newIdentity(t), msg, true)))
		assert.Contains(t, readErrorFrame(t, raw), "registration")
		<-child.Done()
		assert.Equal(t, int32(0), accepted.Load())
	})
}

func TestLaterEnvelopeFromOtherNodeCloses(t *testing.T) {
	hubEnd, raw := channel.Pipe()
	child, accepted := acceptingChild(t, hubEnd, newIdentity(t))

	leaf := newIdentity(t)
	register := &protocol.Message{Command: protocol.CmdRegisterChildNode, Info: &types.RegistrationInfo{
		NodeType: types.NodeTypeLeaf, ScientificResearch: "yes", ConfirmShare: "yes",
	}}
	require.NoError(t, raw.WriteMessage(rawEnvelope(t, leaf, register, true)))

	// confirm_registration
	_, err := raw.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, int32(1), accepted.Load())

	intruder := newIdentity(t)
	require.NoError(t, raw.WriteMessage(rawEnvelope(t, intruder, &protocol.Message{Command: protocol.CmdSetFileInfo, Path: "x"}, false)))

	assert.Contains(t, readErrorFrame(t, raw), ErrNodeIDMismatch.Error())
	<-child.Done()
}

func TestParentRejectsUnauthenticatedConfirmation(t *testing.T) {
	raw, leafEnd := channel.Pipe()
	parent := NewParent(leafEnd, newIdentity(t), zaptest.NewLogger(t))

	result := make(chan error, 1)
	go func() {
		result <- parent.Register(context.Background(), leafInfo())
	}()

	// registration request
	_, err := raw.ReadMessage()
	require.NoError(t, err)

	confirm := &protocol.Message{Command: protocol.CmdConfirmRegistration}
	require.NoError(t, raw.WriteMessage(rawEnvelope(t, newIdentity(t), confirm, false)))

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrHandshake)
	case <-time.After(2 * time.Second):
		t.Fatal("registration did not fail")
	}
	<-parent.Done()
}

func TestChildCloseHandlersFireOnce(t *testing.T) {
	hubEnd, leafEnd := channel.Pipe()
	child, _ := acceptingChild(t, hubEnd, newIdentity(t))

	var calls atomic.Int32
	child.OnClose(func() { calls.Add(1) })

	parent := NewParent(leafEnd, newIdentity(t), zaptest.NewLogger(t))
	require.NoError(t, parent.Register(context.Background(), leafInfo()))

	parent.Close()
	<-child.Done()
	shutdown(child, parent)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"http://localhost:3000", "ws://localhost:3000/", false},
		{"https://hub.example.org/base", "wss://hub.example.org/base", false},
		{"ws://hub:1", "ws://hub:1/", false},
		{"ftp://hub", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := WebSocketURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
