package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/go-zeromq/zmq4"
)

// MaxNetworkMessageSize bounds the size of a single received frame set.
const MaxNetworkMessageSize = 10 * 1024 * 1024

// Common errors for network operations
var (
	ErrNodeNotRunning = errors.New("node is not running")
	ErrPeerNotFound   = errors.New("peer not found")
	ErrSendFailed     = errors.New("failed to send message")
	ErrInvalidFrame   = errors.New("invalid frame")
)

// Frame kinds.
const (
	frameOpen  = "open"
	frameClose = "close"
	frameMsg   = "msg"
)

// frame is a parsed [identity, kind, protocol, body] message from the router.
type frame struct {
	from     PeerID
	kind     string
	protocol string
	body     []byte
}

// parseFrame validates the frames received on the ROUTER socket.
func parseFrame(frames [][]byte) (frame, error) {
	if len(frames) != 4 {
		return frame{}, fmt.Errorf("%w: %d parts", ErrInvalidFrame, len(frames))
	}
	size := 0
	for _, f := range frames {
		size += len(f)
	}
	if size > MaxNetworkMessageSize {
		return frame{}, fmt.Errorf("%w: size %d exceeds %d", ErrInvalidFrame, size, MaxNetworkMessageSize)
	}
	if len(frames[0]) == 0 {
		return frame{}, fmt.Errorf("%w: empty identity", ErrInvalidFrame)
	}

	f := frame{
		from:     PeerID(frames[0]),
		kind:     string(frames[1]),
		protocol: string(frames[2]),
		body:     frames[3],
	}
	switch f.kind {
	case frameOpen:
		if len(f.body) == 0 {
			return frame{}, fmt.Errorf("%w: open without address", ErrInvalidFrame)
		}
	case frameClose, frameMsg:
	default:
		return frame{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidFrame, f.kind)
	}
	return f, nil
}

// PeerInfo contains information about a network peer.
type PeerInfo struct {
	ID       PeerID          `json:"id"`
	Address  string          `json:"address"`
	LastSeen time.Time       `json:"last_seen"`
	Streams  map[string]bool `json:"streams"`
}

// ZmqConfig defines configuration for a ZeroMQ node.
type ZmqConfig struct {
	NodeID            string        `json:"node_id"`
	Host              string        `json:"host"`
	Port              int           `json:"port"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	StaleTimeout      time.Duration `json:"stale_timeout"`
	EventBufferSize   int           `json:"event_buffer_size"`
}

// DefaultZmqConfig returns a configuration with sensible defaults.
func DefaultZmqConfig() ZmqConfig {
	return ZmqConfig{
		NodeID:            "node-1",
		Host:              "127.0.0.1",
		Port:              5555,
		HeartbeatInterval: 5 * time.Second,
		StaleTimeout:      30 * time.Second,
		EventBufferSize:   1000,
	}
}

// dealerConn is an outbound DEALER socket. zmq4 sockets are not safe for
// concurrent sends.
type dealerConn struct {
	socket zmq4.Socket
	mu     sync.Mutex
}

// ZmqNode is a ZeroMQ-based Transport.
//
// Every node binds a ROUTER socket and dials one DEALER socket per peer, using
// its node id as the DEALER identity. Streams are opened with an "open" frame
// carrying the listen address of the sender and are answered with an "open"
// frame, so both ends observe the stream.
type ZmqNode struct {
	config  ZmqConfig
	nodeID  PeerID
	address string

	ctx    context.Context
	cancel context.CancelFunc

	router  zmq4.Socket
	dealers map[PeerID]*dealerConn

	peers    map[PeerID]*PeerInfo
	reserved map[string]map[PeerID]string // protocol -> peer -> address
	mu       sync.RWMutex

	events  *EventQueue
	tracker *peerTracker

	log     log.Logger
	running bool
	wg      sync.WaitGroup
}

// NewZmqNode creates a new ZeroMQ node.
func NewZmqNode(config ZmqConfig) *ZmqNode {
	if config.EventBufferSize <= 0 {
		config.EventBufferSize = DefaultZmqConfig().EventBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())

	n := &ZmqNode{
		config:   config,
		nodeID:   PeerID(config.NodeID),
		address:  fmt.Sprintf("tcp://%s:%d", config.Host, config.Port),
		ctx:      ctx,
		cancel:   cancel,
		dealers:  make(map[PeerID]*dealerConn),
		peers:    make(map[PeerID]*PeerInfo),
		reserved: make(map[string]map[PeerID]string),
		events:   NewEventQueue(config.EventBufferSize),
		log:      log.New("target", "aleph-zmq", "node", config.NodeID),
	}
	n.tracker = newPeerTracker(n, config.HeartbeatInterval, config.StaleTimeout)
	return n
}

// Start binds the ROUTER socket and begins the node's network operations.
func (n *ZmqNode) Start() error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return errors.New("node already running")
	}

	n.router = zmq4.NewRouter(n.ctx, zmq4.WithID(zmq4.SocketIdentity(n.nodeID)))
	if err := n.router.Listen(n.address); err != nil {
		n.mu.Unlock()
		return fmt.Errorf("failed to bind router: %w", err)
	}

	n.running = true
	n.mu.Unlock()

	n.wg.Add(2)
	go n.receiverLoop()
	go func() {
		defer n.wg.Done()
		n.events.Run(n.ctx)
	}()

	n.tracker.Start()

	n.log.Info("ZMQ node started", "address", n.address)
	return nil
}

// Stop closes all sockets and the event stream.
func (n *ZmqNode) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	n.mu.Unlock()

	n.cancel()
	n.tracker.Stop()

	if n.router != nil {
		if err := n.router.Close(); err != nil {
			n.log.Trace("Closing router failed", "err", err)
		}
	}

	n.mu.Lock()
	for id, dealer := range n.dealers {
		if err := dealer.socket.Close(); err != nil {
			n.log.Trace("Closing dealer failed", "peer", id, "err", err)
		}
		delete(n.dealers, id)
	}
	n.mu.Unlock()

	n.wg.Wait()
	n.log.Info("ZMQ node stopped")
}

// IsRunning returns whether the node is running.
func (n *ZmqNode) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

// Address returns the listen address of the node.
func (n *ZmqNode) Address() string {
	return n.address
}

// EventStream implements Transport.
func (n *ZmqNode) EventStream() <-chan Event {
	return n.events.Events()
}

// Sender implements Transport.
func (n *ZmqNode) Sender(peer PeerID, protocol string) (Sender, error) {
	if _, ok := n.peerAddress(peer); !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, peer)
	}
	return &zmqSender{node: n, peer: peer, protocol: protocol}, nil
}

// AddReserved implements Transport. Dialling happens in the background.
func (n *ZmqNode) AddReserved(peers map[PeerID]string, protocol string) {
	n.mu.Lock()
	set, ok := n.reserved[protocol]
	if !ok {
		set = make(map[PeerID]string)
		n.reserved[protocol] = set
	}
	targets := make(map[PeerID]string, len(peers))
	for id, addr := range peers {
		if id == n.nodeID || addr == "" {
			continue
		}
		set[id] = addr
		targets[id] = addr
	}
	n.mu.Unlock()

	n.background(func() {
		for id, addr := range targets {
			if err := n.sendFrameTo(id, addr, frameOpen, protocol, []byte(n.address)); err != nil {
				n.log.Debug("Failed to open stream", "peer", id, "protocol", protocol, "err", err)
			}
		}
	})
}

// RemoveReserved implements Transport.
func (n *ZmqNode) RemoveReserved(peers []PeerID, protocol string) {
	type target struct {
		id   PeerID
		addr string
	}
	var targets []target

	n.mu.Lock()
	for _, id := range peers {
		addr, reserved := n.reserved[protocol][id]
		delete(n.reserved[protocol], id)
		if info, ok := n.peers[id]; ok {
			if info.Streams[protocol] {
				delete(info.Streams, protocol)
				n.events.Push(StreamClosed{Peer: id, Protocol: protocol})
			}
			addr = info.Address
		}
		if reserved || addr != "" {
			targets = append(targets, target{id: id, addr: addr})
		}
	}
	n.mu.Unlock()

	n.background(func() {
		for _, t := range targets {
			if err := n.sendFrameTo(t.id, t.addr, frameClose, protocol, nil); err != nil {
				n.log.Trace("Failed to close stream", "peer", t.id, "protocol", protocol, "err", err)
			}
		}
	})
}

// background runs fn on a tracked goroutine unless the node is stopped.
func (n *ZmqNode) background(fn func()) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.running {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// GetPeers returns a copy of all known peers.
func (n *ZmqNode) GetPeers() map[PeerID]*PeerInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make(map[PeerID]*PeerInfo, len(n.peers))
	for id, peer := range n.peers {
		streams := make(map[string]bool, len(peer.Streams))
		for p, open := range peer.Streams {
			streams[p] = open
		}
		peers[id] = &PeerInfo{
			ID:       peer.ID,
			Address:  peer.Address,
			LastSeen: peer.LastSeen,
			Streams:  streams,
		}
	}
	return peers
}

func (n *ZmqNode) peerAddress(peer PeerID) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if info, ok := n.peers[peer]; ok && info.Address != "" {
		return info.Address, true
	}
	for _, set := range n.reserved {
		if addr, ok := set[peer]; ok {
			return addr, true
		}
	}
	return "", false
}

// getOrCreateDealer gets or creates a DEALER socket for a peer.
// Dialling happens without holding the node lock.
func (n *ZmqNode) getOrCreateDealer(peer PeerID, address string) (*dealerConn, error) {
	n.mu.RLock()
	running := n.running
	dealer, ok := n.dealers[peer]
	n.mu.RUnlock()
	if !running {
		return nil, ErrNodeNotRunning
	}
	if ok {
		return dealer, nil
	}

	socket := zmq4.NewDealer(n.ctx, zmq4.WithID(zmq4.SocketIdentity(n.nodeID)))
	if err := socket.Dial(address); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		_ = socket.Close()
		return nil, ErrNodeNotRunning
	}
	if existing, ok := n.dealers[peer]; ok {
		_ = socket.Close()
		return existing, nil
	}
	dealer = &dealerConn{socket: socket}
	n.dealers[peer] = dealer
	return dealer, nil
}

// dropDealer closes the DEALER socket of a peer so the next send redials.
func (n *ZmqNode) dropDealer(peer PeerID, dealer *dealerConn) {
	n.mu.Lock()
	if current, ok := n.dealers[peer]; ok && current == dealer {
		delete(n.dealers, peer)
	}
	n.mu.Unlock()

	if err := dealer.socket.Close(); err != nil {
		n.log.Trace("Closing dealer failed", "peer", peer, "err", err)
	}
}

func (n *ZmqNode) sendFrameTo(peer PeerID, address, kind, protocol string, body []byte) error {
	dealer, err := n.getOrCreateDealer(peer, address)
	if err != nil {
		return err
	}

	dealer.mu.Lock()
	err = dealer.socket.Send(zmq4.NewMsgFrom([]byte(kind), []byte(protocol), body))
	dealer.mu.Unlock()
	if err != nil {
		n.dropDealer(peer, dealer)
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// receiverLoop continuously receives frames from the ROUTER socket.
func (n *ZmqNode) receiverLoop() {
	defer n.wg.Done()

	for {
		msg, err := n.router.Recv()
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
				continue
			}
		}

		f, err := parseFrame(msg.Frames)
		if err != nil {
			n.log.Trace("Dropping frame", "err", err)
			continue
		}
		if f.from == n.nodeID {
			continue
		}
		n.handleFrame(f)
	}
}

func (n *ZmqNode) handleFrame(f frame) {
	n.mu.Lock()
	defer n.mu.Unlock()

	info, known := n.peers[f.from]
	if !known {
		if f.kind != frameOpen {
			// The peer learns about us again through its next heartbeat.
			n.log.Trace("Frame from unknown peer", "peer", f.from, "kind", f.kind)
			return
		}
		info = &PeerInfo{
			ID:      f.from,
			Address: string(f.body),
			Streams: make(map[string]bool),
		}
		n.peers[f.from] = info
		n.events.Push(PeerConnected{Peer: f.from, Address: info.Address})
	}
	info.LastSeen = time.Now()

	switch f.kind {
	case frameOpen:
		info.Address = string(f.body)
		if info.Streams[f.protocol] {
			return
		}
		info.Streams[f.protocol] = true
		n.events.Push(StreamOpened{Peer: f.from, Protocol: f.protocol})
		// Answer so the remote end observes the stream as well.
		peer, addr, protocol := f.from, info.Address, f.protocol
		if n.running {
			n.wg.Add(1)
			go func() {
				defer n.wg.Done()
				if err := n.sendFrameTo(peer, addr, frameOpen, protocol, []byte(n.address)); err != nil {
					n.log.Debug("Failed to answer stream open", "peer", peer, "protocol", protocol, "err", err)
				}
			}()
		}
	case frameClose:
		if info.Streams[f.protocol] {
			delete(info.Streams, f.protocol)
			n.events.Push(StreamClosed{Peer: f.from, Protocol: f.protocol})
		}
	case frameMsg:
		if !info.Streams[f.protocol] {
			n.log.Trace("Message on closed stream", "peer", f.from, "protocol", f.protocol)
			return
		}
		n.events.Push(MessagesReceived{
			Peer:     f.from,
			Messages: []Notification{{Protocol: f.protocol, Data: f.body}},
		})
	}
}

// NodeStats contains node statistics.
type NodeStats struct {
	NodeID      string `json:"node_id"`
	Address     string `json:"address"`
	PeerCount   int    `json:"peer_count"`
	Healthy     int    `json:"healthy_peers"`
	OpenStreams int    `json:"open_streams"`
	Reserved    int    `json:"reserved"`
	IsRunning   bool   `json:"is_running"`
}

// GetStats returns current node statistics.
func (n *ZmqNode) GetStats() NodeStats {
	n.mu.RLock()
	defer n.mu.RUnlock()

	stats := NodeStats{
		NodeID:    string(n.nodeID),
		Address:   n.address,
		PeerCount: len(n.peers),
		IsRunning: n.running,
	}
	cutoff := time.Now().Add(-n.tracker.staleTimeout)
	for _, peer := range n.peers {
		stats.OpenStreams += len(peer.Streams)
		if peer.LastSeen.After(cutoff) {
			stats.Healthy++
		}
	}
	for _, set := range n.reserved {
		stats.Reserved += len(set)
	}
	return stats
}

// zmqSender sends msg frames to one peer over one protocol.
type zmqSender struct {
	node     *ZmqNode
	peer     PeerID
	protocol string
}

// Send implements Sender.
func (s *zmqSender) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.node.IsRunning() {
		return ErrNodeNotRunning
	}
	addr, ok := s.node.peerAddress(s.peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, s.peer)
	}
	return s.node.sendFrameTo(s.peer, addr, frameMsg, s.protocol, data)
}
