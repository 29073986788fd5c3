// Package protocol defines the JSON messages exchanged between a node and
// its parent hub over the overlay socket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"kbnet/pkg/types"
)

type Command string

const (
	CmdRegisterChildNode   Command = "register_child_node"
	CmdConfirmRegistration Command = "confirm_registration"
	CmdSetTopHubURL        Command = "set_top_hub_url"
	CmdReportNodeData      Command = "report_node_data"
	CmdSetFileInfo         Command = "set_file_info"

	CmdInitiateRequest    Command = "http.initiate_request"
	CmdWriteRequestData   Command = "http.write_request_data"
	CmdEndRequest         Command = "http.end_request"
	CmdSetResponseHeaders Command = "http.set_response_headers"
	CmdWriteResponseData  Command = "http.write_response_data"
	CmdEndResponse        Command = "http.end_response"
	CmdReportError        Command = "http.report_error"
)

// AckMessage is the body of the plain acknowledgment a hub sends when it
// has nothing else to reply with.
const AckMessage = "ok"

type Kind int

const (
	KindUnknown Kind = iota
	KindAck
	KindError
	KindRegister
	KindConfirmRegistration
	KindTopHubURL
	KindNodeData
	KindFileInfo
	KindTunnelRequest
	KindTunnelResponse
)

func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindError:
		return "error"
	case KindRegister:
		return "register"
	case KindConfirmRegistration:
		return "confirm_registration"
	case KindTopHubURL:
		return "top_hub_url"
	case KindNodeData:
		return "node_data"
	case KindFileInfo:
		return "file_info"
	case KindTunnelRequest:
		return "tunnel_request"
	case KindTunnelResponse:
		return "tunnel_response"
	default:
		return "unknown"
	}
}

// Message is the signed payload of an envelope. Only the fields relevant
// to a given command are populated.
type Message struct {
	Command   Command      `json:"command,omitempty"`
	Message   string       `json:"message,omitempty"`
	Error     string       `json:"error,omitempty"`
	NodeID    types.NodeID `json:"node_id,omitempty"`
	Timestamp int64        `json:"timestamp,omitempty"`

	Info      *types.RegistrationInfo `json:"info,omitempty"`
	TopHubURL string                  `json:"top_hub_url,omitempty"`
	Data      *types.NodeData         `json:"data,omitempty"`

	Path string     `json:"path,omitempty"`
	PRV  *types.PRV `json:"prv,omitempty"`

	RequestID     string      `json:"request_id,omitempty"`
	Method        string      `json:"method,omitempty"`
	Headers       http.Header `json:"headers,omitempty"`
	DataBase64    string      `json:"data_base64,omitempty"`
	Status        int         `json:"status,omitempty"`
	StatusMessage string      `json:"status_message,omitempty"`
}

func (m *Message) Kind() Kind {
	switch m.Command {
	case "":
		if m.Error != "" {
			return KindError
		}
		if m.Message != "" {
			return KindAck
		}
		return KindUnknown
	case CmdConfirmRegistration:
		return KindConfirmRegistration
	case CmdSetTopHubURL:
		return KindTopHubURL
	case CmdReportNodeData:
		return KindNodeData
	case CmdSetFileInfo:
		return KindFileInfo
	case CmdInitiateRequest, CmdWriteRequestData, CmdEndRequest:
		return KindTunnelRequest
	case CmdSetResponseHeaders, CmdWriteResponseData, CmdEndResponse, CmdReportError:
		return KindTunnelResponse
	}
	if strings.HasPrefix(string(m.Command), "register_") {
		return KindRegister
	}
	return KindUnknown
}

// Envelope wraps a signed message. PublicKey is only sent with the first
// envelope on a connection. A bare Error with no message is a terminal
// error frame.
type Envelope struct {
	Message   json.RawMessage `json:"message,omitempty"`
	NodeID    types.NodeID    `json:"node_id,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	PublicKey string          `json:"public_key,omitempty"`
	Error     string          `json:"error,omitempty"`
}

var ErrMalformedEnvelope = errors.New("malformed envelope")

func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Error == "" && len(env.Message) == 0 {
		return nil, fmt.Errorf("%w: no message", ErrMalformedEnvelope)
	}
	return &env, nil
}

func (e *Envelope) IsError() bool {
	return e.Error != "" && len(e.Message) == 0
}

func (e *Envelope) DecodeMessage() (*Message, error) {
	var msg Message
	if err := json.Unmarshal(e.Message, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return &msg, nil
}

// ErrorFrame is the unsigned frame sent right before a connection is closed.
type ErrorFrame struct {
	Error string `json:"error"`
}
