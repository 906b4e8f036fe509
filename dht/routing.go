package dht

import (
	"bytes"
	"sort"
	"sync"

	"github.com/opd-ai/toxdht/crypto"
)

// KBucket holds up to maxSize nodes at one distance band from the
// local key, most recently seen last.
type KBucket struct {
	nodes   []*Node
	maxSize int
	mu      sync.RWMutex
}

// NewKBucket creates a new k-bucket with the specified maximum size.
func NewKBucket(maxSize int) *KBucket {
	return &KBucket{
		nodes:   make([]*Node, 0, maxSize),
		maxSize: maxSize,
	}
}

// AddNode adds a node to the k-bucket if there is space or if it can
// replace a bad node. A node already present is refreshed and moved to
// the most-recently-seen position.
func (kb *KBucket) AddNode(node *Node) bool {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	for i, existing := range kb.nodes {
		if existing.PublicKey == node.PublicKey {
			// Refresh the record in place so accumulated ping stats
			// survive; a fresh *Node must not displace it.
			existing.Address = node.Address
			if node.LastSeen.After(existing.LastSeen) {
				existing.LastSeen = node.LastSeen
			}
			if node.Status != StatusUnknown {
				existing.Status = node.Status
			}
			kb.nodes = append(kb.nodes[:i], kb.nodes[i+1:]...)
			kb.nodes = append(kb.nodes, existing)
			return true
		}
	}

	if len(kb.nodes) < kb.maxSize {
		kb.nodes = append(kb.nodes, node)
		return true
	}

	for i, existing := range kb.nodes {
		if existing.Status == StatusBad {
			kb.nodes[i] = node
			return true
		}
	}

	return false
}

// GetNodes returns a copy of all nodes in the k-bucket.
func (kb *KBucket) GetNodes() []*Node {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	result := make([]*Node, len(kb.nodes))
	copy(result, kb.nodes)
	return result
}

// RoutingTable manages k-buckets of known peers ordered by XOR distance
// from the local public key.
type RoutingTable struct {
	buckets [256]*KBucket
	selfPK  [crypto.KeySize]byte
}

// NewRoutingTable creates a routing table for the given local key.
func NewRoutingTable(selfPK [crypto.KeySize]byte, maxBucketSize int) *RoutingTable {
	rt := &RoutingTable{selfPK: selfPK}
	for i := range rt.buckets {
		rt.buckets[i] = NewKBucket(maxBucketSize)
	}
	return rt
}

// AddNode adds a node to the appropriate k-bucket. The local node
// itself is never added.
func (rt *RoutingTable) AddNode(node *Node) bool {
	if node.PublicKey == rt.selfPK {
		return false
	}

	dist := node.Distance(rt.selfPK)
	return rt.buckets[bucketIndex(dist)].AddNode(node)
}

// FindNode returns the known node with the given public key, or nil.
func (rt *RoutingTable) FindNode(publicKey [crypto.KeySize]byte) *Node {
	if publicKey == rt.selfPK {
		return nil
	}

	var dist [crypto.KeySize]byte
	for i := range dist {
		dist[i] = publicKey[i] ^ rt.selfPK[i]
	}

	for _, node := range rt.buckets[bucketIndex(dist)].GetNodes() {
		if node.PublicKey == publicKey {
			return node
		}
	}
	return nil
}

// FindClosestNodes returns up to count known nodes closest to the
// target key under the XOR metric.
func (rt *RoutingTable) FindClosestNodes(target [crypto.KeySize]byte, count int) []*Node {
	all := rt.AllNodes()

	sort.Slice(all, func(i, j int) bool {
		di := all[i].Distance(target)
		dj := all[j].Distance(target)
		return bytes.Compare(di[:], dj[:]) < 0
	})

	if len(all) > count {
		all = all[:count]
	}
	return all
}

// AllNodes returns a snapshot of every node in the table.
func (rt *RoutingTable) AllNodes() []*Node {
	var all []*Node
	for _, bucket := range rt.buckets {
		all = append(all, bucket.GetNodes()...)
	}
	return all
}

// Size reports the number of nodes currently in the table.
func (rt *RoutingTable) Size() int {
	total := 0
	for _, bucket := range rt.buckets {
		total += len(bucket.GetNodes())
	}
	return total
}

// bucketIndex maps an XOR distance to its bucket: the index of the
// first set bit, counting from the most significant.
func bucketIndex(distance [crypto.KeySize]byte) int {
	for i, b := range distance {
		if b == 0 {
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if b&(1<<uint(bit)) != 0 {
				return i*8 + (7 - bit)
			}
		}
	}
	return len(distance)*8 - 1
}
