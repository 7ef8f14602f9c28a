package tcp

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/dan-strohschein/recordkit/protocol"
)

// maxFrameSize caps a single response frame. A batch response for the
// largest allowed chunk fits well inside it.
const maxFrameSize = 16 * 1024 * 1024

// link is one framed connection. Frames end with protocol.EOT. A link is
// used by one round trip at a time; the pool enforces that.
type link struct {
	nc     net.Conn
	frames *bufio.Scanner

	mu     sync.Mutex
	used   time.Time
	broken bool
}

func newLink(nc net.Conn) *link {
	frames := bufio.NewScanner(nc)
	frames.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	frames.Split(splitAtEOT)
	return &link{nc: nc, frames: frames, used: time.Now()}
}

// exchange writes frame and reads the reply under ctx. A cancelled context
// unblocks the socket immediately.
func (l *link) exchange(ctx context.Context, frame []byte) ([]byte, error) {
	deadline, _ := ctx.Deadline()
	if err := l.nc.SetDeadline(deadline); err != nil {
		l.fail()
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = l.nc.SetDeadline(time.Now()) })
	defer stop()

	if _, err := l.nc.Write(frame); err != nil {
		l.fail()
		return nil, err
	}

	if !l.frames.Scan() {
		l.fail()
		if err := l.frames.Err(); err != nil {
			return nil, err
		}
		return nil, protocol.ConnectionError("connection closed by server", nil)
	}
	reply := bytes.Clone(l.frames.Bytes())
	l.touch()
	return reply, nil
}

// negotiate runs the protocol version check.
func (l *link) negotiate(ctx context.Context, codec protocol.Codec) error {
	reply, err := l.exchange(ctx, codec.EncodeVersionHandshake())
	if err != nil {
		return err
	}
	return codec.DecodeVersionResponse(reply)
}

func (l *link) usable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.broken
}

func (l *link) lastUsed() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}

func (l *link) touch() {
	l.mu.Lock()
	l.used = time.Now()
	l.mu.Unlock()
}

func (l *link) fail() {
	l.mu.Lock()
	l.broken = true
	l.mu.Unlock()
}

func (l *link) close() error {
	l.fail()
	return l.nc.Close()
}

// splitAtEOT is a bufio.SplitFunc yielding EOT-terminated frames. Trailing
// bytes at EOF form a final frame.
func splitAtEOT(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, protocol.EOT); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
