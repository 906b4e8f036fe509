package dht

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/opd-ai/toxdht/crypto"
)

// ErrUnknownAddressFamily reports a node entry whose address family tag
// is neither IPv4 nor IPv6.
var ErrUnknownAddressFamily = errors.New("unknown address family")

// Address family tags used in the NodeInfo wire encoding. The values
// are the Tox network's UDP family identifiers.
const (
	addressFamilyIPv4 byte = 2
	addressFamilyIPv6 byte = 10
)

// NodeInfo is the wire representation of a peer: its public key and
// UDP socket address. It appears in SendNodes packets and is the unit
// callers use to address requests.
type NodeInfo struct {
	PublicKey [crypto.KeySize]byte
	IP        net.IP
	Port      uint16
}

// NewNodeInfo builds a NodeInfo from a public key and a UDP address.
// Non-IP addresses are rejected: the DHT wire format only carries IPv4
// and IPv6 endpoints.
func NewNodeInfo(publicKey [crypto.KeySize]byte, addr net.Addr) (NodeInfo, error) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return NodeInfo{}, fmt.Errorf("node address %q: %w", addr.String(), err)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return NodeInfo{}, fmt.Errorf("node address %q: not an IP address", addr.String())
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return NodeInfo{}, fmt.Errorf("node address %q: %w", addr.String(), err)
	}

	return NodeInfo{
		PublicKey: publicKey,
		IP:        ip,
		Port:      uint16(port),
	}, nil
}

// Addr returns the node's socket address for sending.
func (n NodeInfo) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: n.IP, Port: int(n.Port)}
}

// appendTo encodes the node entry:
// public_key(32) || family_tag(1) || address(4|16) || port(2, BE).
func (n NodeInfo) appendTo(buf []byte) ([]byte, error) {
	buf = append(buf, n.PublicKey[:]...)

	if ipv4 := n.IP.To4(); ipv4 != nil {
		buf = append(buf, addressFamilyIPv4)
		buf = append(buf, ipv4...)
	} else if ipv6 := n.IP.To16(); ipv6 != nil {
		buf = append(buf, addressFamilyIPv6)
		buf = append(buf, ipv6...)
	} else {
		return nil, fmt.Errorf("node entry has no valid IP address")
	}

	return append(buf, byte(n.Port>>8), byte(n.Port)), nil
}

// parseNodeInfo decodes one node entry from the front of data and
// reports how many bytes it consumed.
func parseNodeInfo(data []byte) (NodeInfo, int, error) {
	// Shortest form: key + tag + IPv4 + port.
	const minEntrySize = crypto.KeySize + 1 + 4 + 2

	if len(data) < minEntrySize {
		return NodeInfo{}, 0, fmt.Errorf("parse node entry: %w", ErrPacketTooShort)
	}

	var node NodeInfo
	copy(node.PublicKey[:], data[:crypto.KeySize])

	offset := crypto.KeySize
	var ipLen int
	switch data[offset] {
	case addressFamilyIPv4:
		ipLen = 4
	case addressFamilyIPv6:
		ipLen = 16
	default:
		return NodeInfo{}, 0, fmt.Errorf("parse node entry: %w: 0x%02x", ErrUnknownAddressFamily, data[offset])
	}
	offset++

	if len(data) < offset+ipLen+2 {
		return NodeInfo{}, 0, fmt.Errorf("parse node entry: %w", ErrPacketTooShort)
	}

	node.IP = make(net.IP, ipLen)
	copy(node.IP, data[offset:offset+ipLen])
	offset += ipLen

	node.Port = uint16(data[offset])<<8 | uint16(data[offset+1])
	offset += 2

	return node, offset, nil
}

// NodeStatus represents the liveness status of a known node.
type NodeStatus uint8

const (
	StatusUnknown NodeStatus = iota
	StatusBad
	StatusGood
)

// PingStats tracks ping statistics for a node.
type PingStats struct {
	LastPingSent     time.Time
	LastPingReceived time.Time
	PingCount        uint32
	SuccessCount     uint32
	FailureCount     uint32
}

// Node is the runtime state kept for a peer in the routing table.
type Node struct {
	PublicKey [crypto.KeySize]byte
	Address   net.Addr
	LastSeen  time.Time
	Status    NodeStatus
	PingStats PingStats
}

// NewNode creates a node record for the given public key and address.
func NewNode(publicKey [crypto.KeySize]byte, addr net.Addr) *Node {
	return &Node{
		PublicKey: publicKey,
		Address:   addr,
		LastSeen:  time.Now(),
		Status:    StatusUnknown,
	}
}

// Distance calculates the XOR distance between this node and a target key.
func (n *Node) Distance(target [crypto.KeySize]byte) [crypto.KeySize]byte {
	var result [crypto.KeySize]byte
	for i := 0; i < crypto.KeySize; i++ {
		result[i] = n.PublicKey[i] ^ target[i]
	}
	return result
}

// IsActive checks if the node has been seen within the timeout period.
func (n *Node) IsActive(timeout time.Duration) bool {
	return time.Since(n.LastSeen) < timeout
}

// Update marks the node as recently seen and updates its status.
func (n *Node) Update(status NodeStatus) {
	n.LastSeen = time.Now()
	n.Status = status
}

// Info converts the node to its wire representation. It fails for
// nodes whose address is not an IP endpoint.
func (n *Node) Info() (NodeInfo, error) {
	return NewNodeInfo(n.PublicKey, n.Address)
}

// RecordPingSent marks that a ping was sent to this node.
func (n *Node) RecordPingSent() {
	n.PingStats.LastPingSent = time.Now()
	n.PingStats.PingCount++
}

// RecordPingResponse marks the outcome of a ping to this node.
func (n *Node) RecordPingResponse(success bool) {
	if success {
		n.PingStats.LastPingReceived = time.Now()
		n.PingStats.SuccessCount++
		n.Update(StatusGood)
	} else {
		n.PingStats.FailureCount++
		if n.PingStats.FailureCount > n.PingStats.SuccessCount {
			n.Update(StatusBad)
		}
	}
}

// Reliability returns a reliability score for this node (0.0-1.0).
func (n *Node) Reliability() float64 {
	if n.PingStats.PingCount == 0 {
		return 0.0
	}
	return float64(n.PingStats.SuccessCount) / float64(n.PingStats.PingCount)
}
