// Package dht implements the Tox DHT packet protocol layer.
//
// The package covers the binary wire format, the encrypted packet
// envelope, the four DHT packet kinds (ping request/response and
// get/send nodes), request-response correlation, and the server loop
// that binds the protocol to a UDP transport.
//
// Every packet arriving from the network is unauthenticated until its
// envelope is opened; parse and decryption failures are per-packet
// events that are dropped without affecting other traffic.
//
// Example:
//
//	keys, _ := crypto.GenerateKeyPair()
//	udp, _ := transport.NewUDPTransport("0.0.0.0", transport.PortRange{First: 33445, Last: 33545})
//	server, _ := dht.NewServer(dht.Config{KeyPair: keys, Transport: udp})
//	server.FindNodes(peer, target, func(payload dht.Payload, addr net.Addr) {
//	    // nodes received
//	})
package dht
