package endpoint

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
)

// TCPBackend is the plain-stream fallback path used once the
// supervisor has degraded to TcpFallback or MinimalFallback: no QUIC,
// no multipath, a single ordered connection carrying the same
// length-prefixed frames as QUICBackend so upstream code never has to
// special-case it.
type TCPBackend struct {
	conn net.Conn

	mu     sync.Mutex
	closed bool
}

// DialTCPBackend connects to addr through the caller-supplied dial
// function and uses the connection exactly as returned: plain TCP
// unless dial itself wraps it (in TLS, for example).
func DialTCPBackend(ctx context.Context, addr string, dial func(ctx context.Context, network, addr string) (net.Conn, error)) (*TCPBackend, error) {
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPBackend{conn: conn}, nil
}

// NewTCPBackend wraps an already-established connection, as produced
// by a listener's Accept.
func NewTCPBackend(conn net.Conn) *TCPBackend {
	return &TCPBackend{conn: conn}
}

// SendFrame writes a 4-byte big-endian length prefix followed by frame.
func (b *TCPBackend) SendFrame(ctx context.Context, frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := b.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := b.conn.Write(frame)
	return err
}

// ReceiveFrame reads the next length-prefixed frame.
func (b *TCPBackend) ReceiveFrame(ctx context.Context) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(b.conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	frame := make([]byte, n)
	if _, err := io.ReadFull(b.conn, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// Close closes the underlying connection.
func (b *TCPBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.conn.Close()
}
