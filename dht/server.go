package dht

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/toxdht/crypto"
	"github.com/opd-ai/toxdht/transport"
	"github.com/sirupsen/logrus"
)

// DefaultBucketSize is the default k-bucket capacity.
const DefaultBucketSize = 8

// maxCachedSecrets bounds the per-peer shared-secret cache. Secrets are
// deterministic and cheap to rederive, so eviction costs one curve
// operation on the next packet from the evicted peer.
const maxCachedSecrets = 1024

// Config carries the dependencies and tunables for a Server. The key
// pair is injected rather than ambient so that multiple synthetic
// identities can coexist in one process.
type Config struct {
	KeyPair   *crypto.KeyPair
	Transport transport.Transport

	// RequestTimeout bounds how long issued requests stay pending.
	// Zero selects DefaultRequestTimeout.
	RequestTimeout time.Duration

	// BucketSize is the k-bucket capacity. Zero selects
	// DefaultBucketSize.
	BucketSize int
}

// Server is the DHT protocol endpoint: it owns the node's key pair,
// answers liveness and discovery requests from peers, and correlates
// the responses to its own requests. All per-packet failures are local;
// a hostile datagram never disturbs other pending requests.
type Server struct {
	keyPair   *crypto.KeyPair
	transport transport.Transport
	routing   *RoutingTable
	tracker   *RequestTracker

	// Shared secrets are cached per peer; recomputation is an
	// optimization concern only, the values are deterministic.
	secretsMu sync.RWMutex
	secrets   map[[crypto.KeySize]byte]crypto.SharedSecret
}

// NewServer creates a server and registers it as the transport's
// datagram handler.
func NewServer(cfg Config) (*Server, error) {
	if cfg.KeyPair == nil {
		return nil, errors.New("dht server requires a key pair")
	}
	if cfg.Transport == nil {
		return nil, errors.New("dht server requires a transport")
	}

	bucketSize := cfg.BucketSize
	if bucketSize <= 0 {
		bucketSize = DefaultBucketSize
	}

	s := &Server{
		keyPair:   cfg.KeyPair,
		transport: cfg.Transport,
		routing:   NewRoutingTable(cfg.KeyPair.Public, bucketSize),
		tracker:   NewRequestTracker(cfg.RequestTimeout),
		secrets:   make(map[[crypto.KeySize]byte]crypto.SharedSecret),
	}
	cfg.Transport.SetHandler(s.handleDatagram)

	logrus.WithFields(logrus.Fields{
		"function":   "NewServer",
		"public_key": fmt.Sprintf("%x", cfg.KeyPair.Public[:8]),
		"local_addr": cfg.Transport.LocalAddr().String(),
	}).Info("DHT server started")

	return s, nil
}

// PublicKey returns the server's DHT public key.
func (s *Server) PublicKey() [crypto.KeySize]byte {
	return s.keyPair.Public
}

// RoutingTable exposes the server's routing table to discovery layers.
func (s *Server) RoutingTable() *RoutingTable {
	return s.routing
}

// Close shuts down the underlying transport.
func (s *Server) Close() error {
	return s.transport.Close()
}

// Ping issues a liveness request to the peer and returns the request
// id. The callback fires if a matching PingResponse arrives from the
// peer's address before the request expires.
func (s *Server) Ping(peer NodeInfo, callback ResponseCallback) (uint64, error) {
	addr := peer.Addr()
	id, err := s.tracker.Issue(KindPingRequest, addr, callback)
	if err != nil {
		return 0, err
	}

	if err := s.sendSealed(&PingRequest{RequestID: id}, peer.PublicKey, addr); err != nil {
		s.tracker.Abandon(id)
		return 0, err
	}

	if node := s.routing.FindNode(peer.PublicKey); node != nil {
		node.RecordPingSent()
	}
	return id, nil
}

// FindNodes asks the peer for the nodes it knows closest to target and
// returns the request id. The callback receives the SendNodes payload
// on success.
func (s *Server) FindNodes(peer NodeInfo, target [crypto.KeySize]byte, callback ResponseCallback) (uint64, error) {
	addr := peer.Addr()
	id, err := s.tracker.Issue(KindGetNodes, addr, callback)
	if err != nil {
		return 0, err
	}

	if err := s.sendSealed(&GetNodes{Target: target, RequestID: id}, peer.PublicKey, addr); err != nil {
		s.tracker.Abandon(id)
		return 0, err
	}
	return id, nil
}

// Abandon discards a pending request issued by Ping or FindNodes.
func (s *Server) Abandon(id uint64) {
	s.tracker.Abandon(id)
}

// Sweep expires pending requests older than the configured timeout and
// returns their ids. Retry policy belongs to the caller.
func (s *Server) Sweep(now time.Time) []uint64 {
	expired := s.tracker.Sweep(now)
	if len(expired) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Sweep",
			"expired":  len(expired),
		}).Debug("Expired pending requests")
	}
	return expired
}

// lookupSecret returns the cached shared secret for a peer, if any.
func (s *Server) lookupSecret(peerPK [crypto.KeySize]byte) (crypto.SharedSecret, bool) {
	s.secretsMu.RLock()
	shared, ok := s.secrets[peerPK]
	s.secretsMu.RUnlock()
	return shared, ok
}

// cacheSecret stores a derived secret, evicting an arbitrary entry once
// the cache is full.
func (s *Server) cacheSecret(peerPK [crypto.KeySize]byte, shared crypto.SharedSecret) {
	s.secretsMu.Lock()
	defer s.secretsMu.Unlock()

	if _, ok := s.secrets[peerPK]; !ok && len(s.secrets) >= maxCachedSecrets {
		for evicted := range s.secrets {
			delete(s.secrets, evicted)
			break
		}
	}
	s.secrets[peerPK] = shared
}

// sharedWith returns the shared secret for a peer the caller chose to
// address, deriving and caching it on first use.
func (s *Server) sharedWith(peerPK [crypto.KeySize]byte) (crypto.SharedSecret, error) {
	if shared, ok := s.lookupSecret(peerPK); ok {
		return shared, nil
	}

	shared, err := crypto.Precompute(peerPK, s.keyPair.Private)
	if err != nil {
		return crypto.SharedSecret{}, err
	}

	s.cacheSecret(peerPK, shared)
	return shared, nil
}

// sendSealed seals a payload for the peer and sends the resulting
// envelope. Sends are fire-and-forget; failures surface to the caller
// and are never retried here.
func (s *Server) sendSealed(payload Payload, peerPK [crypto.KeySize]byte, addr net.Addr) error {
	shared, err := s.sharedWith(peerPK)
	if err != nil {
		return err
	}

	envelope, err := SealPrecomputed(payload, s.keyPair.Public, shared)
	if err != nil {
		return err
	}

	data, err := envelope.Marshal()
	if err != nil {
		return err
	}

	return s.transport.Send(data, addr)
}

// handleDatagram is the transport's single entry point into the
// protocol layer. Every failure in here is per-packet: log, drop,
// continue.
func (s *Server) handleDatagram(data []byte, addr net.Addr) {
	envelope, err := ParseEnvelope(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleDatagram",
			"source":   addr.String(),
			"size":     len(data),
		}).Debug("Dropping undersized datagram")
		return
	}

	// The sender key on an inbound datagram is unauthenticated until
	// the envelope opens, so a derived secret is not cached before
	// that. Caching earlier would let arbitrary key spam grow the map.
	shared, cached := s.lookupSecret(envelope.SenderPublicKey)
	if !cached {
		shared, err = crypto.Precompute(envelope.SenderPublicKey, s.keyPair.Private)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleDatagram",
				"source":   addr.String(),
			}).Warn("Dropping packet with unusable sender key")
			return
		}
	}

	payload, err := envelope.OpenPrecomputed(shared)
	if err != nil {
		s.logOpenFailure(err, addr)
		return
	}

	if !cached {
		s.cacheSecret(envelope.SenderPublicKey, shared)
	}
	s.handlePayload(payload, envelope.SenderPublicKey, addr)
}

// logOpenFailure separates authentication failures from decode
// failures. The former are expected hostile noise; the latter suggest
// a protocol mismatch worth noticing. Neither is fatal.
func (s *Server) logOpenFailure(err error, addr net.Addr) {
	if errors.Is(err, crypto.ErrDecryptionFailed) {
		logrus.WithFields(logrus.Fields{
			"function": "logOpenFailure",
			"source":   addr.String(),
		}).Debug("Dropping packet that failed authentication")
		return
	}
	if errors.Is(err, ErrMalformedPayload) {
		logrus.WithFields(logrus.Fields{
			"function": "logOpenFailure",
			"source":   addr.String(),
			"error":    err.Error(),
		}).Warn("Dropping authenticated packet with malformed payload")
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "logOpenFailure",
		"source":   addr.String(),
		"error":    err.Error(),
	}).Warn("Dropping packet")
}

// handlePayload dispatches an authenticated payload to its handler.
func (s *Server) handlePayload(payload Payload, senderPK [crypto.KeySize]byte, addr net.Addr) {
	switch p := payload.(type) {
	case *PingRequest:
		s.handlePingRequest(p, senderPK, addr)
	case *GetNodes:
		s.handleGetNodes(p, senderPK, addr)
	case *PingResponse:
		s.handleResponse(p, senderPK, addr)
	case *SendNodes:
		s.handleSendNodes(p, senderPK, addr)
	}
}

// markSenderSeen refreshes the sender in the routing table; any
// authenticated packet proves the sender controls its key.
func (s *Server) markSenderSeen(senderPK [crypto.KeySize]byte, addr net.Addr) {
	node := NewNode(senderPK, addr)
	node.Update(StatusGood)
	s.routing.AddNode(node)
}

// handlePingRequest answers a liveness challenge by echoing the id.
func (s *Server) handlePingRequest(p *PingRequest, senderPK [crypto.KeySize]byte, addr net.Addr) {
	s.markSenderSeen(senderPK, addr)

	if err := s.sendSealed(&PingResponse{RequestID: p.RequestID}, senderPK, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handlePingRequest",
			"source":   addr.String(),
			"error":    err.Error(),
		}).Warn("Failed to send ping response")
	}
}

// handleGetNodes answers a discovery request with the closest known
// nodes, echoing the request id.
func (s *Server) handleGetNodes(p *GetNodes, senderPK [crypto.KeySize]byte, addr net.Addr) {
	s.markSenderSeen(senderPK, addr)

	closest := s.routing.FindClosestNodes(p.Target, MaxSendNodes)
	nodes := make([]NodeInfo, 0, len(closest))
	for _, node := range closest {
		// The requester already knows itself.
		if node.PublicKey == senderPK {
			continue
		}
		info, err := node.Info()
		if err != nil {
			continue
		}
		nodes = append(nodes, info)
	}

	response := &SendNodes{Nodes: nodes, RequestID: p.RequestID}
	if err := s.sendSealed(response, senderPK, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleGetNodes",
			"source":   addr.String(),
			"error":    err.Error(),
		}).Warn("Failed to send nodes response")
	}
}

// handleResponse matches a ping response against the tracker.
func (s *Server) handleResponse(p *PingResponse, senderPK [crypto.KeySize]byte, addr net.Addr) {
	entry, ok := s.tracker.Match(KindPingResponse, p.RequestID, addr)
	if !ok {
		// Unsolicited or stale; normal background noise.
		return
	}

	s.markSenderSeen(senderPK, addr)
	if node := s.routing.FindNode(senderPK); node != nil {
		node.RecordPingResponse(true)
	}

	if entry.callback != nil {
		entry.callback(p, addr)
	}
}

// handleSendNodes matches a discovery response, folds the carried nodes
// into the routing table, and notifies the issuer.
func (s *Server) handleSendNodes(p *SendNodes, senderPK [crypto.KeySize]byte, addr net.Addr) {
	entry, ok := s.tracker.Match(KindSendNodes, p.RequestID, addr)
	if !ok {
		return
	}

	s.markSenderSeen(senderPK, addr)
	for _, info := range p.Nodes {
		s.routing.AddNode(NewNode(info.PublicKey, info.Addr()))
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleSendNodes",
		"source":   addr.String(),
		"nodes":    len(p.Nodes),
	}).Debug("Resolved nodes request")

	if entry.callback != nil {
		entry.callback(p, addr)
	}
}
