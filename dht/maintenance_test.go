package dht

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/toxdht/crypto"
	"github.com/opd-ai/toxdht/transport"
)

func TestMaintainerSweepsExpiredRequests(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	udp, err := transport.NewUDPTransport("127.0.0.1", transport.PortRange{First: 0, Last: 0})
	require.NoError(t, err)

	server, err := NewServer(Config{
		KeyPair:        keys,
		Transport:      udp,
		RequestTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer server.Close()

	// A request toward a silent destination.
	dead := NodeInfo{PublicKey: testKey(0x77), IP: net.IPv4(127, 0, 0, 1), Port: 1}
	_, err = server.Ping(dead, nil)
	require.NoError(t, err)
	require.Equal(t, 1, server.tracker.Len())

	maintainer := NewMaintainer(server, time.Hour, 20*time.Millisecond)
	maintainer.Start()
	defer maintainer.Stop()

	assert.Eventually(t, func() bool {
		return server.tracker.Len() == 0
	}, 3*time.Second, 20*time.Millisecond, "maintainer never swept the expired request")
}

func TestMaintainerStartStop(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	udp, err := transport.NewUDPTransport("127.0.0.1", transport.PortRange{First: 0, Last: 0})
	require.NoError(t, err)

	server, err := NewServer(Config{KeyPair: keys, Transport: udp})
	require.NoError(t, err)
	defer server.Close()

	maintainer := NewMaintainer(server, 0, 0)
	maintainer.Start()
	maintainer.Stop()
}
