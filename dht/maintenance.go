package dht

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Maintenance intervals. Ping cadence follows the reference network's
// twenty-second node refresh.
const (
	DefaultPingInterval  = 20 * time.Second
	DefaultSweepInterval = 1 * time.Second
)

// Maintainer drives the periodic work the protocol layer deliberately
// leaves external: pinging known nodes to keep liveness state fresh and
// sweeping expired requests out of the tracker.
type Maintainer struct {
	server        *Server
	pingInterval  time.Duration
	sweepInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewMaintainer creates a maintainer for the server. Non-positive
// intervals select the defaults.
func NewMaintainer(server *Server, pingInterval, sweepInterval time.Duration) *Maintainer {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Maintainer{
		server:        server,
		pingInterval:  pingInterval,
		sweepInterval: sweepInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start launches the maintenance loop.
func (m *Maintainer) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop halts the maintenance loop and waits for it to exit.
func (m *Maintainer) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Maintainer) run() {
	defer m.wg.Done()

	pingTicker := time.NewTicker(m.pingInterval)
	defer pingTicker.Stop()
	sweepTicker := time.NewTicker(m.sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-pingTicker.C:
			m.pingStaleNodes()
		case <-sweepTicker.C:
			m.server.Sweep(time.Now())
		}
	}
}

// pingStaleNodes sends a liveness challenge to every known node that
// has not been seen within a ping interval.
func (m *Maintainer) pingStaleNodes() {
	pinged := 0
	for _, node := range m.server.RoutingTable().AllNodes() {
		if node.IsActive(m.pingInterval) {
			continue
		}

		info, err := node.Info()
		if err != nil {
			continue
		}

		if _, err := m.server.Ping(info, nil); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "pingStaleNodes",
				"address":  node.Address.String(),
				"error":    err.Error(),
			}).Debug("Ping send failed")
			continue
		}
		pinged++
	}

	if pinged > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "pingStaleNodes",
			"pinged":   pinged,
		}).Debug("Pinged stale nodes")
	}
}
