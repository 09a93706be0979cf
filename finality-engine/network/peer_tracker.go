package network

import (
	"sync"
	"time"
)

// peerTracker keeps reserved streams alive and forgets silent peers.
type peerTracker struct {
	node *ZmqNode

	// Configuration
	heartbeatInterval time.Duration
	staleTimeout      time.Duration

	// Control
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

func newPeerTracker(node *ZmqNode, heartbeatInterval, staleTimeout time.Duration) *peerTracker {
	defaults := DefaultZmqConfig()
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaults.HeartbeatInterval
	}
	if staleTimeout <= 0 {
		staleTimeout = defaults.StaleTimeout
	}
	return &peerTracker{
		node:              node,
		heartbeatInterval: heartbeatInterval,
		staleTimeout:      staleTimeout,
		stopChan:          make(chan struct{}),
	}
}

// Start begins heartbeats and pruning.
func (p *peerTracker) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	p.wg.Add(1)
	go p.loop()
}

// Stop stops the tracker and waits for it to exit.
func (p *peerTracker) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()
}

func (p *peerTracker) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.prune()
			p.heartbeat()
		}
	}
}

// heartbeat re-sends open frames to all reserved peers.
func (p *peerTracker) heartbeat() {
	n := p.node

	type target struct {
		peer     PeerID
		address  string
		protocol string
	}
	var targets []target
	n.mu.RLock()
	for protocol, set := range n.reserved {
		for peer, addr := range set {
			targets = append(targets, target{peer: peer, address: addr, protocol: protocol})
		}
	}
	n.mu.RUnlock()

	for _, t := range targets {
		select {
		case <-p.stopChan:
			return
		default:
		}
		if err := n.sendFrameTo(t.peer, t.address, frameOpen, t.protocol, []byte(n.address)); err != nil {
			n.log.Trace("Heartbeat failed", "peer", t.peer, "protocol", t.protocol, "err", err)
		}
	}
}

// prune removes peers that haven't been seen recently, closing their streams.
func (p *peerTracker) prune() {
	n := p.node
	cutoff := time.Now().Add(-p.staleTimeout)

	stale := make(map[PeerID]*dealerConn)
	n.mu.Lock()
	for id, peer := range n.peers {
		if !peer.LastSeen.Before(cutoff) {
			continue
		}
		for protocol := range peer.Streams {
			n.events.Push(StreamClosed{Peer: id, Protocol: protocol})
		}
		n.events.Push(PeerDisconnected{Peer: id})
		delete(n.peers, id)
		stale[id] = n.dealers[id]
	}
	n.mu.Unlock()

	for id, dealer := range stale {
		if dealer != nil {
			n.dropDealer(id, dealer)
		}
		n.log.Debug("Pruned stale peer", "peer", id)
	}
}
