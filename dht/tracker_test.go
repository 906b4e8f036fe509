package dht

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func udpAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestTrackerIssueAndMatch(t *testing.T) {
	tracker := NewRequestTracker(time.Minute)
	dest := udpAddr(33445)

	id, err := tracker.Issue(KindGetNodes, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, tracker.Len())

	entry, ok := tracker.Match(KindSendNodes, id, dest)
	require.True(t, ok)
	assert.Equal(t, id, entry.ID)
	assert.Equal(t, KindGetNodes, entry.Kind)
	assert.Equal(t, 0, tracker.Len())

	// Resolved entries are gone; a second delivery is unmatched.
	_, ok = tracker.Match(KindSendNodes, id, dest)
	assert.False(t, ok)
}

func TestTrackerRejectsWrongSource(t *testing.T) {
	tracker := NewRequestTracker(time.Minute)
	dest := udpAddr(33445)

	id, err := tracker.Issue(KindGetNodes, dest, nil)
	require.NoError(t, err)

	// Same id, different source: off-path spoof attempt.
	_, ok := tracker.Match(KindSendNodes, id, udpAddr(33446))
	assert.False(t, ok)

	// The entry survives for the legitimate responder.
	_, ok = tracker.Match(KindSendNodes, id, dest)
	assert.True(t, ok)
}

func TestTrackerRejectsWrongResponseKind(t *testing.T) {
	tracker := NewRequestTracker(time.Minute)
	dest := udpAddr(33445)

	id, err := tracker.Issue(KindPingRequest, dest, nil)
	require.NoError(t, err)

	// A SendNodes does not answer a ping, even with the right id.
	_, ok := tracker.Match(KindSendNodes, id, dest)
	assert.False(t, ok)

	_, ok = tracker.Match(KindPingResponse, id, dest)
	assert.True(t, ok)
}

func TestTrackerRejectsNonRequestKinds(t *testing.T) {
	tracker := NewRequestTracker(time.Minute)

	for _, kind := range []PacketKind{KindPingResponse, KindSendNodes, PacketKind(0xFF)} {
		_, err := tracker.Issue(kind, udpAddr(33445), nil)
		assert.Error(t, err, "kind 0x%02x", byte(kind))
	}
}

func TestTrackerIssueUniqueIDs(t *testing.T) {
	tracker := NewRequestTracker(time.Minute)
	dest := udpAddr(33445)

	seen := make(map[uint64]bool)
	for i := 0; i < 256; i++ {
		id, err := tracker.Issue(KindPingRequest, dest, nil)
		require.NoError(t, err)
		assert.False(t, seen[id], "id %d issued twice while pending", id)
		seen[id] = true
	}
}

func TestTrackerSweepExpiresOldRequests(t *testing.T) {
	tracker := NewRequestTracker(time.Second)
	dest := udpAddr(33445)

	id, err := tracker.Issue(KindGetNodes, dest, nil)
	require.NoError(t, err)

	// Before the timeout nothing expires.
	assert.Empty(t, tracker.Sweep(time.Now()))
	assert.Equal(t, 1, tracker.Len())

	expired := tracker.Sweep(time.Now().Add(2 * time.Second))
	require.Equal(t, []uint64{id}, expired)
	assert.Equal(t, 0, tracker.Len())

	// A matching response after expiry no longer resolves.
	_, ok := tracker.Match(KindSendNodes, id, dest)
	assert.False(t, ok)
}

func TestTrackerSweepOrdersByAge(t *testing.T) {
	tracker := NewRequestTracker(time.Millisecond)
	dest := udpAddr(33445)

	first, err := tracker.Issue(KindPingRequest, dest, nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := tracker.Issue(KindPingRequest, dest, nil)
	require.NoError(t, err)

	expired := tracker.Sweep(time.Now().Add(time.Second))
	require.Equal(t, []uint64{first, second}, expired)
}

func TestTrackerAbandon(t *testing.T) {
	tracker := NewRequestTracker(time.Minute)
	dest := udpAddr(33445)

	id, err := tracker.Issue(KindPingRequest, dest, nil)
	require.NoError(t, err)

	tracker.Abandon(id)
	assert.Equal(t, 0, tracker.Len())

	_, ok := tracker.Match(KindPingResponse, id, dest)
	assert.False(t, ok)
}
