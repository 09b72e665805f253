// Package endpoint implements the multipath transport endpoint: a set
// of logical paths (each backed by a QUIC connection or, under
// fallback, a plain TCP stream) multiplexed through the priority
// scheduler and handed off via the handover controller.
package endpoint

import (
	"context"
	"errors"
)

// ErrBackendClosed is returned by a backend once it has been closed.
var ErrBackendClosed = errors.New("endpoint: backend closed")

// Backend is the narrow capability one physical/logical link exposes
// to a Path: send one framed packet, receive the next one. It is the
// abstraction that lets the endpoint run QUIC-backed paths and a
// plain-stream TCP fallback path through the same code.
type Backend interface {
	// SendFrame writes one length-prefixed packet frame.
	SendFrame(ctx context.Context, frame []byte) error
	// ReceiveFrame blocks for the next complete frame.
	ReceiveFrame(ctx context.Context) ([]byte, error)
	// Close tears the backend down; subsequent calls return
	// ErrBackendClosed.
	Close() error
}
