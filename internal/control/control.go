// Package control implements the session/transfer control-message
// catalog carried as KindControl packet payloads: connection
// handshake, transfer start/accept/reject, progress and completion
// reporting, pause/resume/cancel, and chunk-presence queries. Each
// message is a one-byte type tag followed by a JSON body, mirroring
// how the rest of this pack favors a plain, inspectable wire format
// over a binary schema for anything off the hot chunk-transfer path.
package control

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/meshbridge/corelink/internal/packet"
	"github.com/meshbridge/corelink/internal/session"
	"github.com/meshbridge/corelink/internal/transfer"
)

// Type identifies a control message's body shape.
type Type uint8

const (
	TypeConnectRequest Type = iota + 1
	TypeConnectAccepted
	TypeConnectRejected
	TypeStartTransfer
	TypeTransferAccepted
	TypeTransferRejected
	TypeChunkReceived
	TypeTransferProgress
	TypeTransferComplete
	TypeTransferError
	TypePauseTransfer
	TypeResumeTransfer
	TypeCancelTransfer
	TypeQueryChunks
	TypeChunksBitset
)

func (t Type) String() string {
	switch t {
	case TypeConnectRequest:
		return "ConnectRequest"
	case TypeConnectAccepted:
		return "ConnectAccepted"
	case TypeConnectRejected:
		return "ConnectRejected"
	case TypeStartTransfer:
		return "StartTransfer"
	case TypeTransferAccepted:
		return "TransferAccepted"
	case TypeTransferRejected:
		return "TransferRejected"
	case TypeChunkReceived:
		return "ChunkReceived"
	case TypeTransferProgress:
		return "TransferProgress"
	case TypeTransferComplete:
		return "TransferComplete"
	case TypeTransferError:
		return "TransferError"
	case TypePauseTransfer:
		return "PauseTransfer"
	case TypeResumeTransfer:
		return "ResumeTransfer"
	case TypeCancelTransfer:
		return "CancelTransfer"
	case TypeQueryChunks:
		return "QueryChunks"
	case TypeChunksBitset:
		return "ChunksBitset"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// ConnectRequest opens a session: a bearer token and the client's
// advertised feature set.
type ConnectRequest struct {
	Token        string               `json:"token"`
	Capabilities session.Capabilities `json:"capabilities"`
}

// ConnectAccepted carries the new session's ID and the capabilities
// negotiated between client and server.
type ConnectAccepted struct {
	SessionID    string               `json:"session_id"`
	Capabilities session.Capabilities `json:"capabilities"`
}

// ConnectRejected explains why authentication failed.
type ConnectRejected struct {
	Reason string `json:"reason"`
}

// StartTransfer proposes a transfer: its manifest and direction from
// the proposer's point of view.
type StartTransfer struct {
	Manifest  transfer.Manifest `json:"manifest"`
	Direction string            `json:"direction"` // "push" or "pull"
}

// TransferAccepted admits a proposed transfer.
type TransferAccepted struct {
	TransferID string `json:"transfer_id"`
}

// TransferRejected declines a proposed transfer (permission, quota, or
// protocol mismatch).
type TransferRejected struct {
	TransferID string `json:"transfer_id"`
	Reason     string `json:"reason"`
}

// ChunkReceived acknowledges one chunk at the control-message level,
// independent of the packet-level KindAck used on the hot path.
type ChunkReceived struct {
	TransferID string `json:"transfer_id"`
	ChunkIndex int     `json:"chunk_index"`
}

// TransferProgress is a periodic progress summary.
type TransferProgress struct {
	TransferID       string  `json:"transfer_id"`
	ChunksAcked      int     `json:"chunks_acked"`
	ChunksTotal      int     `json:"chunks_total"`
	BytesTransferred int64   `json:"bytes_transferred"`
}

// TransferComplete reports a finished transfer.
type TransferComplete struct {
	TransferID string `json:"transfer_id"`
	BytesTotal int64  `json:"bytes_total"`
}

// TransferError reports a terminal transfer failure.
type TransferError struct {
	TransferID string `json:"transfer_id"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// PauseTransfer, ResumeTransfer, and CancelTransfer all name the
// transfer they apply to.
type PauseTransfer struct {
	TransferID string `json:"transfer_id"`
}

type ResumeTransfer struct {
	TransferID string `json:"transfer_id"`
}

type CancelTransfer struct {
	TransferID string `json:"transfer_id"`
	Reason     string `json:"reason"`
}

// QueryChunks asks the peer which chunks of a transfer it already has,
// for resuming after a reconnect.
type QueryChunks struct {
	TransferID string `json:"transfer_id"`
}

// ChunksBitset answers QueryChunks with the set of received chunk
// indices, packed one bit per chunk.
type ChunksBitset struct {
	TransferID string `json:"transfer_id"`
	Total      int    `json:"total"`
	Bitset     []byte `json:"bitset"`
}

// Encode packs a message type and its JSON-encoded body into a packet
// payload: one type byte followed by the body.
func Encode(t Type, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("control: marshal %s body: %w", t, err)
	}
	payload := make([]byte, 1+len(data))
	payload[0] = byte(t)
	copy(payload[1:], data)
	return payload, nil
}

// Decode splits a KindControl packet's payload into its type and raw
// JSON body, for the caller to unmarshal into the matching struct.
func Decode(payload []byte) (Type, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("control: empty payload")
	}
	return Type(payload[0]), payload[1:], nil
}

// UnmarshalBody decodes a Decode-returned body into out, named so call
// sites read as part of the control package's API rather than reaching
// for encoding/json directly.
func UnmarshalBody(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("control: unmarshal body: %w", err)
	}
	return nil
}

// NewPacket builds a KindControl packet carrying one control message.
func NewPacket(transferID uuid.UUID, t Type, body any) (packet.Packet, error) {
	payload, err := Encode(t, body)
	if err != nil {
		return packet.Packet{}, err
	}
	return packet.Packet{
		Version:    1,
		Kind:       packet.KindControl,
		TransferID: transferID,
		Payload:    payload,
	}, nil
}
