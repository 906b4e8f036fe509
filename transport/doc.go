// Package transport implements the UDP transport binding for the Tox
// DHT protocol layer.
//
// The transport deals in raw datagrams only; framing, encryption, and
// packet interpretation belong to the dht package. A single registered
// handler receives every datagram along with its source address.
//
// Example:
//
//	udp, err := transport.NewUDPTransport("0.0.0.0", transport.PortRange{First: 33445, Last: 33545})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	udp.SetHandler(func(data []byte, addr net.Addr) {
//	    // hand off to the protocol layer
//	})
package transport
