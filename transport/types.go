package transport

import (
	"net"
)

// DatagramHandler is a function that processes one received datagram.
// The data slice is owned by the handler and remains valid after the
// handler returns.
type DatagramHandler func(data []byte, addr net.Addr)

// Transport defines the interface for network transports used by the
// DHT layer. The abstraction keeps the protocol logic testable against
// in-memory implementations.
type Transport interface {
	// Send transmits a single datagram to the specified address.
	// Sends are fire-and-forget; failures are reported but never
	// retried at this layer.
	Send(data []byte, addr net.Addr) error

	// SetHandler registers the function invoked for every received
	// datagram. It must be called before traffic is expected.
	SetHandler(handler DatagramHandler)

	// LocalAddr returns the local address the transport is bound to.
	LocalAddr() net.Addr

	// Close shuts down the transport and its receive loop.
	Close() error
}
