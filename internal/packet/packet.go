// Package packet implements the canonical wire framing for data and
// control packets exchanged over a path: a fixed-width header carrying
// sequence, transfer, priority and checksum fields, followed by an
// opaque payload. Encoding and decoding are deterministic and
// allocation-light so they can sit on the hot send/receive path.
package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/meshbridge/corelink/internal/integrity"
)

// Kind identifies the purpose of a packet.
type Kind uint8

const (
	KindData Kind = iota + 1
	KindParity
	KindAck
	KindControl
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "Data"
	case KindParity:
		return "Parity"
	case KindAck:
		return "Ack"
	case KindControl:
		return "Control"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Priority is the scheduling class a packet carries.
type Priority uint8

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBulk
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "Critical"
	case PriorityHigh:
		return "High"
	case PriorityNormal:
		return "Normal"
	case PriorityLow:
		return "Low"
	case PriorityBulk:
		return "Bulk"
	default:
		return fmt.Sprintf("Priority(%d)", uint8(p))
	}
}

// Flags are per-packet bit flags carried in the header.
type Flags uint8

const (
	FlagFragment Flags = 1 << iota
	FlagLastFragment
	// FlagFECBlock marks a Data or Parity packet as a shard of an FEC
	// block: BlockID and ShardIndex are meaningful and the payload is
	// never fragmented (FEC blocking and sub-chunk fragmentation are
	// mutually exclusive for a given chunk).
	FlagFECBlock
)

const (
	magicByte0 = 'R'
	magicByte1 = 'K'
	currentVersion = 1

	// HeaderSize is the fixed width of the header, excluding payload.
	HeaderSize = 2 + 1 + 1 + 1 + 1 + 2 + 16 + 8 + 8 + 8 + 2 + 2 + integrity.Size

	// MaxPayloadSize bounds payload_len's 16-bit wire field.
	MaxPayloadSize = 0xFFFF
)

// Packet is a fully decoded wire packet.
type Packet struct {
	Version    uint8
	Kind       Kind
	Flags      Flags
	Priority   Priority
	PathID     uint16
	TransferID uuid.UUID
	Sequence   uint64
	ChunkIndex uint64
	// BlockID and ShardIndex tag a packet's place within an FEC block:
	// BlockID identifies the group of chunks encoded together, and
	// ShardIndex is this packet's shard position (data shards first,
	// then parity). Both are zero (and meaningless) on a packet sent
	// outside an FEC block.
	BlockID    uint64
	ShardIndex uint16
	Payload    []byte
}

// Encode serializes p into its wire representation, computing the
// checksum over the header (with the checksum field zeroed) and
// payload.
func Encode(p Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("packet: payload of %d bytes exceeds max %d", len(p.Payload), MaxPayloadSize)
	}

	buf := make([]byte, HeaderSize+len(p.Payload))
	buf[0] = magicByte0
	buf[1] = magicByte1
	buf[2] = currentVersion
	buf[3] = uint8(p.Kind)
	buf[4] = uint8(p.Flags)
	buf[5] = uint8(p.Priority)
	binary.BigEndian.PutUint16(buf[6:8], p.PathID)
	copy(buf[8:24], p.TransferID[:])
	binary.BigEndian.PutUint64(buf[24:32], p.Sequence)
	binary.BigEndian.PutUint64(buf[32:40], p.ChunkIndex)
	binary.BigEndian.PutUint64(buf[40:48], p.BlockID)
	binary.BigEndian.PutUint16(buf[48:50], p.ShardIndex)
	binary.BigEndian.PutUint16(buf[50:52], uint16(len(p.Payload)))
	// buf[52 : 52+integrity.Size] is the checksum field, left zeroed
	// until computed below.
	payloadOffset := HeaderSize
	copy(buf[payloadOffset:], p.Payload)

	checksumOffset := 52
	checksum := integrity.Hash(checksumInput(buf, checksumOffset))
	copy(buf[checksumOffset:checksumOffset+integrity.Size], checksum[:])

	return buf, nil
}

// checksumInput returns the bytes the checksum is computed over: the
// header with the checksum field zeroed, followed by the payload. It
// returns a copy and leaves buf unchanged.
func checksumInput(buf []byte, checksumOffset int) []byte {
	scratch := make([]byte, len(buf))
	copy(scratch, buf)
	for i := 0; i < integrity.Size; i++ {
		scratch[checksumOffset+i] = 0
	}
	return scratch
}

// Decode parses and validates a wire packet. It rejects unknown magic
// or version, checksum mismatches, and payload-length inconsistencies.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < HeaderSize {
		return Packet{}, ErrTruncated{Have: len(buf), Want: HeaderSize}
	}
	if buf[0] != magicByte0 || buf[1] != magicByte1 {
		return Packet{}, ErrBadMagic{Got: [2]byte{buf[0], buf[1]}}
	}
	if buf[2] != currentVersion {
		return Packet{}, ErrUnsupportedVersion{Version: buf[2]}
	}

	payloadLen := int(binary.BigEndian.Uint16(buf[50:52]))
	checksumOffset := 52
	if len(buf) != HeaderSize+payloadLen {
		return Packet{}, ErrLengthMismatch{Declared: payloadLen, Actual: len(buf) - HeaderSize}
	}

	wantChecksum := checksumInput(buf, checksumOffset)
	computed := integrity.Hash(wantChecksum)
	var got integrity.Digest
	copy(got[:], buf[checksumOffset:checksumOffset+integrity.Size])
	if computed != got {
		return Packet{}, ErrChecksumMismatch{}
	}

	var transferID uuid.UUID
	copy(transferID[:], buf[8:24])

	payload := make([]byte, payloadLen)
	copy(payload, buf[HeaderSize:])

	return Packet{
		Version:    buf[2],
		Kind:       Kind(buf[3]),
		Flags:      Flags(buf[4]),
		Priority:   Priority(buf[5]),
		PathID:     binary.BigEndian.Uint16(buf[6:8]),
		TransferID: transferID,
		Sequence:   binary.BigEndian.Uint64(buf[24:32]),
		ChunkIndex: binary.BigEndian.Uint64(buf[32:40]),
		BlockID:    binary.BigEndian.Uint64(buf[40:48]),
		ShardIndex: binary.BigEndian.Uint16(buf[48:50]),
		Payload:    payload,
	}, nil
}
