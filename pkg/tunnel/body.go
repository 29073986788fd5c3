package tunnel

import (
	"io"
	"sync"
)

// bodyBuffer is an unbounded io.ReadCloser fed by data messages. push never
// blocks.
type bodyBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	err    error
	closed bool
}

func newBodyBuffer() *bodyBuffer {
	b := &bodyBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *bodyBuffer) push(data []byte) {
	if len(data) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil || b.closed {
		return
	}
	b.chunks = append(b.chunks, data)
	b.cond.Signal()
}

// finish ends the stream. Buffered data is still readable; after it the
// reader sees err, or io.EOF when err is nil.
func (b *bodyBuffer) finish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return
	}
	if err == nil {
		err = io.EOF
	}
	b.err = err
	b.cond.Broadcast()
}

func (b *bodyBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.chunks) == 0 && b.err == nil && !b.closed {
		b.cond.Wait()
	}
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	if len(b.chunks) > 0 {
		n := copy(p, b.chunks[0])
		if n == len(b.chunks[0]) {
			b.chunks = b.chunks[1:]
		} else {
			b.chunks[0] = b.chunks[0][n:]
		}
		return n, nil
	}
	return 0, b.err
}

func (b *bodyBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.chunks = nil
	b.cond.Broadcast()
	return nil
}
