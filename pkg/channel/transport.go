package channel

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MaxFrameSize bounds a single inbound frame.
const MaxFrameSize = 16 << 20

const writeTimeout = 30 * time.Second

// Transport carries whole JSON frames. WriteMessage is never called
// concurrently by the channel.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type webSocketTransport struct {
	conn *websocket.Conn
}

func NewWebSocketTransport(conn *websocket.Conn) Transport {
	conn.SetReadLimit(MaxFrameSize)
	return &webSocketTransport{conn: conn}
}

func (t *webSocketTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *webSocketTransport) WriteMessage(data []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *webSocketTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

var errPipeClosed = errors.New("pipe closed")

type pipeEnd struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   *sync.Once
}

// Pipe returns two connected in-memory transports. Closing either end
// closes both; frames already written remain readable.
func Pipe() (Transport, Transport) {
	a := make(chan []byte, 256)
	b := make(chan []byte, 256)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &pipeEnd{in: a, out: b, closed: closed, once: once},
		&pipeEnd{in: b, out: a, closed: closed, once: once}
}

func (p *pipeEnd) ReadMessage() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		select {
		case data := <-p.in:
			return data, nil
		default:
			return nil, io.EOF
		}
	}
}

func (p *pipeEnd) WriteMessage(data []byte) error {
	select {
	case <-p.closed:
		return errPipeClosed
	default:
	}
	frame := append([]byte(nil), data...)
	select {
	case p.out <- frame:
		return nil
	case <-p.closed:
		return errPipeClosed
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
