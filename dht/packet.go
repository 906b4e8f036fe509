package dht

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/toxdht/crypto"
)

// PacketKind identifies the type of a decrypted DHT packet. The values
// are the discriminator bytes used on the Tox network and must not be
// renumbered.
type PacketKind byte

const (
	KindPingRequest  PacketKind = 0x00
	KindPingResponse PacketKind = 0x01
	KindGetNodes     PacketKind = 0x02
	KindSendNodes    PacketKind = 0x04
)

// MaxSendNodes is the maximum number of node entries a SendNodes packet
// may carry.
const MaxSendNodes = 4

// requestIDSize is the width of the request id field in every payload.
const requestIDSize = 8

// Parse failures. Each is a typed, non-panicking rejection of hostile
// or malformed input.
var (
	// ErrPacketTooShort reports input shorter than the minimum length
	// required by its packet kind.
	ErrPacketTooShort = errors.New("packet too short")

	// ErrUnknownPacketKind reports an unrecognized discriminator byte.
	ErrUnknownPacketKind = errors.New("unknown packet kind")

	// ErrTrailingBytes reports input longer than the fixed size its
	// packet kind allows. Extra bytes are a protocol ambiguity, not
	// padding, and are rejected rather than ignored.
	ErrTrailingBytes = errors.New("unexpected trailing bytes")

	// ErrTooManyNodes reports a SendNodes packet claiming more node
	// entries than MaxSendNodes.
	ErrTooManyNodes = errors.New("too many node entries")
)

// Payload is one of the four DHT packet payloads. The set is closed:
// every implementation lives in this package.
type Payload interface {
	// Kind returns the payload's discriminator byte.
	Kind() PacketKind

	// ID returns the request id carried by the payload. Responses echo
	// the id of the request they answer.
	ID() uint64

	// marshalBody appends the kind-specific body, without the leading
	// discriminator byte.
	marshalBody(buf []byte) ([]byte, error)
}

// PingRequest asks a peer to prove liveness by echoing the request id.
type PingRequest struct {
	RequestID uint64
}

func (p *PingRequest) Kind() PacketKind { return KindPingRequest }
func (p *PingRequest) ID() uint64       { return p.RequestID }

func (p *PingRequest) marshalBody(buf []byte) ([]byte, error) {
	return binary.BigEndian.AppendUint64(buf, p.RequestID), nil
}

// PingResponse answers a PingRequest, echoing its id.
type PingResponse struct {
	RequestID uint64
}

func (p *PingResponse) Kind() PacketKind { return KindPingResponse }
func (p *PingResponse) ID() uint64       { return p.RequestID }

func (p *PingResponse) marshalBody(buf []byte) ([]byte, error) {
	return binary.BigEndian.AppendUint64(buf, p.RequestID), nil
}

// GetNodes asks a peer for the nodes it knows closest to Target.
type GetNodes struct {
	Target    [crypto.KeySize]byte
	RequestID uint64
}

func (p *GetNodes) Kind() PacketKind { return KindGetNodes }
func (p *GetNodes) ID() uint64       { return p.RequestID }

func (p *GetNodes) marshalBody(buf []byte) ([]byte, error) {
	buf = append(buf, p.Target[:]...)
	return binary.BigEndian.AppendUint64(buf, p.RequestID), nil
}

// SendNodes answers a GetNodes request with up to MaxSendNodes node
// entries, echoing the request id.
type SendNodes struct {
	Nodes     []NodeInfo
	RequestID uint64
}

func (p *SendNodes) Kind() PacketKind { return KindSendNodes }
func (p *SendNodes) ID() uint64       { return p.RequestID }

func (p *SendNodes) marshalBody(buf []byte) ([]byte, error) {
	if len(p.Nodes) > MaxSendNodes {
		return nil, fmt.Errorf("%w: %d", ErrTooManyNodes, len(p.Nodes))
	}

	buf = append(buf, byte(len(p.Nodes)))
	for i := range p.Nodes {
		var err error
		buf, err = p.Nodes[i].appendTo(buf)
		if err != nil {
			return nil, err
		}
	}
	return binary.BigEndian.AppendUint64(buf, p.RequestID), nil
}

// MarshalPacket encodes a payload as the plaintext placed inside an
// envelope: one discriminator byte followed by the kind-specific body.
func MarshalPacket(payload Payload) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(payload.Kind()))
	return payload.marshalBody(buf)
}

// ParsePacket decodes a decrypted plaintext into its payload. It never
// panics on hostile input: truncated, oversized, and unknown-kind
// packets all fail with a typed error.
func ParsePacket(data []byte) (Payload, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("parse packet: %w", ErrPacketTooShort)
	}

	kind := PacketKind(data[0])
	body := data[1:]

	switch kind {
	case KindPingRequest:
		id, err := parsePingBody(body)
		if err != nil {
			return nil, err
		}
		return &PingRequest{RequestID: id}, nil
	case KindPingResponse:
		id, err := parsePingBody(body)
		if err != nil {
			return nil, err
		}
		return &PingResponse{RequestID: id}, nil
	case KindGetNodes:
		return parseGetNodesBody(body)
	case KindSendNodes:
		return parseSendNodesBody(body)
	default:
		return nil, fmt.Errorf("parse packet: %w: 0x%02x", ErrUnknownPacketKind, byte(kind))
	}
}

// parsePingBody decodes the shared body of both ping packet kinds,
// which is exactly one request id.
func parsePingBody(body []byte) (uint64, error) {
	if len(body) < requestIDSize {
		return 0, fmt.Errorf("parse ping: %w", ErrPacketTooShort)
	}
	if len(body) > requestIDSize {
		return 0, fmt.Errorf("parse ping: %w", ErrTrailingBytes)
	}
	return binary.BigEndian.Uint64(body), nil
}

func parseGetNodesBody(body []byte) (*GetNodes, error) {
	const bodySize = crypto.KeySize + requestIDSize

	if len(body) < bodySize {
		return nil, fmt.Errorf("parse get nodes: %w", ErrPacketTooShort)
	}
	if len(body) > bodySize {
		return nil, fmt.Errorf("parse get nodes: %w", ErrTrailingBytes)
	}

	packet := &GetNodes{}
	copy(packet.Target[:], body[:crypto.KeySize])
	packet.RequestID = binary.BigEndian.Uint64(body[crypto.KeySize:])
	return packet, nil
}

func parseSendNodesBody(body []byte) (*SendNodes, error) {
	if len(body) < 1+requestIDSize {
		return nil, fmt.Errorf("parse send nodes: %w", ErrPacketTooShort)
	}

	count := int(body[0])
	if count > MaxSendNodes {
		return nil, fmt.Errorf("parse send nodes: %w: %d", ErrTooManyNodes, count)
	}

	// The claimed count bounds the loop, never an allocation: nodes are
	// parsed one at a time against the remaining bytes.
	rest := body[1:]
	nodes := make([]NodeInfo, 0, count)
	for i := 0; i < count; i++ {
		node, consumed, err := parseNodeInfo(rest)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
		rest = rest[consumed:]
	}

	if len(rest) < requestIDSize {
		return nil, fmt.Errorf("parse send nodes: %w", ErrPacketTooShort)
	}
	if len(rest) > requestIDSize {
		return nil, fmt.Errorf("parse send nodes: %w", ErrTrailingBytes)
	}

	return &SendNodes{
		Nodes:     nodes,
		RequestID: binary.BigEndian.Uint64(rest),
	}, nil
}

// responseKindFor maps a request kind to the kind that answers it.
func responseKindFor(request PacketKind) (PacketKind, bool) {
	switch request {
	case KindPingRequest:
		return KindPingResponse, true
	case KindGetNodes:
		return KindSendNodes, true
	default:
		return 0, false
	}
}
