package endpoint

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/quic-go"
)

// quicConfig mirrors the teacher's connection tuning: generous receive
// windows for bulk file transfer, a keepalive well under the idle
// timeout so NAT bindings survive quiet periods between chunks.
var quicConfig = &quic.Config{
	KeepAlivePeriod:                10_000_000_000, // 10s
	MaxIdleTimeout:                 60_000_000_000, // 60s
	InitialStreamReceiveWindow:     8 << 20,
	InitialConnectionReceiveWindow: 128 << 20,
}

// QUICBackend carries framed packets over a single long-lived QUIC
// stream opened on top of one connection. One QUICBackend exists per
// logical path.
type QUICBackend struct {
	conn   *quic.Conn
	stream *quic.Stream

	mu     sync.Mutex
	closed bool
}

// DialQUICBackend dials addr and opens the data stream, acting as the
// initiating side of the path.
func DialQUICBackend(ctx context.Context, addr string, tlsConfig *tls.Config) (*QUICBackend, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("endpoint: dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("endpoint: open stream: %w", err)
	}
	return &QUICBackend{conn: conn, stream: stream}, nil
}

// AcceptQUICBackend accepts a QUIC connection already handed to it by
// a listener, then accepts the peer's data stream.
func AcceptQUICBackend(ctx context.Context, conn *quic.Conn) (*QUICBackend, error) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("endpoint: accept stream: %w", err)
	}
	return &QUICBackend{conn: conn, stream: stream}, nil
}

// ListenQUIC starts a QUIC listener bound to addr.
func ListenQUIC(addr string, tlsConfig *tls.Config) (*quic.Listener, error) {
	return quic.ListenAddr(addr, tlsConfig, quicConfig)
}

// SendFrame writes a 4-byte big-endian length prefix followed by
// frame, matching the teacher's control-stream framing.
func (b *QUICBackend) SendFrame(ctx context.Context, frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := b.stream.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := b.stream.Write(frame)
	return err
}

// ReceiveFrame reads the next length-prefixed frame. It ignores ctx
// cancellation mid-read since quic-go streams do not support
// per-call deadlines from a context directly; callers instead close
// the backend to unblock a pending read.
func (b *QUICBackend) ReceiveFrame(ctx context.Context) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(b.stream, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	frame := make([]byte, n)
	if _, err := io.ReadFull(b.stream, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// Close closes the data stream and the underlying connection.
func (b *QUICBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.stream.Close()
	return b.conn.CloseWithError(0, "path closed")
}
