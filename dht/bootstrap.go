package dht

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/toxdht/crypto"
	"github.com/sirupsen/logrus"
)

// BootstrapNode is a well-known entry point into the network.
type BootstrapNode struct {
	Address   net.Addr
	PublicKey [crypto.KeySize]byte
	LastUsed  time.Time
	Success   bool
}

// BootstrapManager joins the DHT by querying well-known nodes for peers
// close to the local key. It issues the requests; retry and backoff
// policy beyond the attempt counter stays with the caller.
type BootstrapManager struct {
	server      *Server
	nodes       []*BootstrapNode
	minNodes    int
	attempts    int
	maxAttempts int
	mu          sync.RWMutex
}

// NewBootstrapManager creates a bootstrap manager for the server.
func NewBootstrapManager(server *Server) *BootstrapManager {
	return &BootstrapManager{
		server:      server,
		nodes:       make([]*BootstrapNode, 0),
		minNodes:    1,
		maxAttempts: 5,
	}
}

// AddNode registers a bootstrap node by address and hex public key.
func (bm *BootstrapManager) AddNode(address net.Addr, publicKeyHex string) error {
	if len(publicKeyHex) != crypto.KeySize*2 {
		return errors.New("invalid public key length")
	}

	decoded, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return fmt.Errorf("invalid hex public key: %w", err)
	}

	var publicKey [crypto.KeySize]byte
	copy(publicKey[:], decoded)

	bm.mu.Lock()
	defer bm.mu.Unlock()

	for _, node := range bm.nodes {
		if node.Address.String() == address.String() {
			node.PublicKey = publicKey
			return nil
		}
	}

	bm.nodes = append(bm.nodes, &BootstrapNode{
		Address:   address,
		PublicKey: publicKey,
	})

	logrus.WithFields(logrus.Fields{
		"function":    "AddNode",
		"address":     address.String(),
		"public_key":  publicKeyHex[:16] + "...",
		"total_nodes": len(bm.nodes),
	}).Info("Bootstrap node added")

	return nil
}

// Bootstrap queries every registered bootstrap node for peers close to
// the local key and waits until enough of them answer, the context is
// done, or the request timeout passes.
func (bm *BootstrapManager) Bootstrap(ctx context.Context) error {
	bm.mu.Lock()
	if len(bm.nodes) == 0 {
		bm.mu.Unlock()
		return errors.New("no bootstrap nodes available")
	}
	bm.attempts++
	if bm.attempts > bm.maxAttempts {
		bm.mu.Unlock()
		return errors.New("maximum bootstrap attempts reached")
	}
	nodes := make([]*BootstrapNode, len(bm.nodes))
	copy(nodes, bm.nodes)
	minNodes := bm.minNodes
	bm.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Bootstrap",
		"nodes_count": len(nodes),
	}).Info("Starting bootstrap")

	results := make(chan [crypto.KeySize]byte, len(nodes))
	issued := 0
	var lastErr error

	for _, bn := range nodes {
		peer, err := NewNodeInfo(bn.PublicKey, bn.Address)
		if err != nil {
			lastErr = err
			continue
		}

		pk := bn.PublicKey
		_, err = bm.server.FindNodes(peer, bm.server.PublicKey(), func(payload Payload, source net.Addr) {
			results <- pk
		})
		if err != nil {
			lastErr = err
			continue
		}

		bm.touch(bn.Address)
		issued++
	}

	if issued == 0 {
		return fmt.Errorf("bootstrap failed: no requests issued: %w", lastErr)
	}

	return bm.awaitResponses(ctx, results, issued, minNodes)
}

// awaitResponses counts bootstrap answers until the threshold is met.
func (bm *BootstrapManager) awaitResponses(ctx context.Context, results <-chan [crypto.KeySize]byte, issued, minNodes int) error {
	deadline := time.NewTimer(DefaultRequestTimeout)
	defer deadline.Stop()

	successful := 0
	for successful < issued {
		select {
		case pk := <-results:
			bm.markSuccess(pk)
			successful++
			if successful >= minNodes {
				bm.mu.Lock()
				bm.attempts = 0
				bm.mu.Unlock()
				logrus.WithFields(logrus.Fields{
					"function":   "Bootstrap",
					"successful": successful,
				}).Info("Bootstrap completed")
				return nil
			}
		case <-deadline.C:
			return fmt.Errorf("bootstrap failed: %d/%d nodes answered", successful, minNodes)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// IsBootstrapped reports whether at least one bootstrap node answered.
func (bm *BootstrapManager) IsBootstrapped() bool {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	for _, node := range bm.nodes {
		if node.Success {
			return true
		}
	}
	return false
}

// Nodes returns a copy of the registered bootstrap nodes.
func (bm *BootstrapManager) Nodes() []*BootstrapNode {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	nodes := make([]*BootstrapNode, len(bm.nodes))
	copy(nodes, bm.nodes)
	return nodes
}

// ClearNodes removes all bootstrap nodes.
func (bm *BootstrapManager) ClearNodes() {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	bm.nodes = make([]*BootstrapNode, 0)
}

func (bm *BootstrapManager) touch(address net.Addr) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	for _, node := range bm.nodes {
		if node.Address.String() == address.String() {
			node.LastUsed = time.Now()
		}
	}
}

func (bm *BootstrapManager) markSuccess(publicKey [crypto.KeySize]byte) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	for _, node := range bm.nodes {
		if node.PublicKey == publicKey {
			node.Success = true
			node.LastUsed = time.Now()
		}
	}
}
