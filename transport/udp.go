package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MaxDatagramSize is the largest UDP payload the transport accepts.
// Datagrams exceeding it are discarded at the read boundary.
const MaxDatagramSize = 2048

// ErrNoPortAvailable is returned by NewUDPTransport when every port in
// the requested range is already in use.
var ErrNoPortAvailable = errors.New("no port available in range")

// PortRange is an inclusive range of UDP ports to try when binding.
// Multiple local nodes may compete for the default port, so binding
// falls back through the range in ascending order.
type PortRange struct {
	First uint16
	Last  uint16
}

// UDPTransport implements Transport over a single UDP socket.
type UDPTransport struct {
	conn    net.PacketConn
	handler DatagramHandler
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewUDPTransport binds a UDP socket on host, trying each port in the
// range in ascending order until one succeeds. It fails with
// ErrNoPortAvailable only after the entire range is exhausted.
func NewUDPTransport(host string, ports PortRange) (*UDPTransport, error) {
	if ports.First > ports.Last {
		return nil, fmt.Errorf("invalid port range %d-%d", ports.First, ports.Last)
	}

	var conn net.PacketConn
	var lastErr error
	for port := int(ports.First); port <= int(ports.Last); port++ {
		c, err := net.ListenPacket("udp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			lastErr = err
			continue
		}
		conn = c
		break
	}
	if conn == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "NewUDPTransport",
			"host":       host,
			"first_port": ports.First,
			"last_port":  ports.Last,
			"error":      fmt.Sprint(lastErr),
		}).Error("Exhausted port range without binding")
		return nil, fmt.Errorf("bind %s ports %d-%d: %w", host, ports.First, ports.Last, ErrNoPortAvailable)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewUDPTransport",
		"local_addr": conn.LocalAddr().String(),
	}).Info("UDP transport bound")

	t.wg.Add(1)
	go t.processDatagrams()

	return t, nil
}

// SetHandler registers the function invoked for every received datagram.
func (t *UDPTransport) SetHandler(handler DatagramHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handler = handler
}

// Send transmits a single datagram to the specified address.
func (t *UDPTransport) Send(data []byte, addr net.Addr) error {
	if len(data) > MaxDatagramSize {
		return fmt.Errorf("datagram of %d bytes exceeds maximum %d", len(data), MaxDatagramSize)
	}

	_, err := t.conn.WriteTo(data, addr)
	if err != nil {
		return fmt.Errorf("udp send to %s: %w", addr.String(), err)
	}
	return nil
}

// LocalAddr returns the local address the transport is bound to.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// LocalPort returns the bound UDP port for diagnostics.
func (t *UDPTransport) LocalPort() uint16 {
	if udpAddr, ok := t.conn.LocalAddr().(*net.UDPAddr); ok {
		return uint16(udpAddr.Port)
	}
	return 0
}

// Close shuts down the transport and waits for the receive loop.
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

// processDatagrams runs the receive loop. A bad or hostile datagram
// never terminates the loop; only Close does.
func (t *UDPTransport) processDatagrams() {
	defer t.wg.Done()
	buffer := make([]byte, MaxDatagramSize)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.receiveOne(buffer)
		}
	}
}

// receiveOne reads a single datagram and dispatches it to the handler.
func (t *UDPTransport) receiveOne(buffer []byte) {
	// A short deadline keeps the loop responsive to Close.
	_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		t.handleReadError(err)
		return
	}

	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()

	if handler == nil {
		return
	}

	// The buffer is reused for the next read, so the handler gets its
	// own copy.
	data := make([]byte, n)
	copy(data, buffer[:n])
	handler(data, addr)
}

// handleReadError classifies connection read errors.
func (t *UDPTransport) handleReadError(err error) {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	if t.ctx.Err() != nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "handleReadError",
		"error":    err.Error(),
	}).Warn("UDP read failed, continuing")
}
