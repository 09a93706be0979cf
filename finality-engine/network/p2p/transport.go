// Package p2p provides a libp2p implementation of the finality network transport.
//
// Every protocol name maps to a libp2p protocol id. A peer that reserves us
// keeps one long-lived stream open; the stream opened event is emitted when
// the first stream of a protocol from a peer arrives and the stream closed
// event when the last one ends. Messages are varint length-prefixed.
package p2p

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/libp2p/go-libp2p"
	lpcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	lpnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-msgio"
	"github.com/multiformats/go-multiaddr"

	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/network"
)

// Common errors for the libp2p transport
var (
	ErrInvalidPeer    = errors.New("invalid peer id")
	ErrInvalidAddress = errors.New("invalid peer address")
	ErrClosed         = errors.New("transport closed")
)

// Config defines configuration for the libp2p transport.
type Config struct {
	// ListenAddrs are multiaddrs to listen on.
	ListenAddrs []string `json:"listen_addrs"`
	// IdentitySeed derives a stable host key. A random key is used when empty.
	IdentitySeed string `json:"identity_seed"`
	// MaintainInterval is the period for re-opening reserved streams.
	MaintainInterval time.Duration `json:"maintain_interval"`
	// DialTimeout bounds connecting to and opening a stream with a peer.
	DialTimeout     time.Duration `json:"dial_timeout"`
	MaxMessageSize  int           `json:"max_message_size"`
	EventBufferSize int           `json:"event_buffer_size"`
	LowWater        int           `json:"low_water"`
	HighWater       int           `json:"high_water"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddrs:      []string{"/ip4/0.0.0.0/tcp/30333"},
		MaintainInterval: 5 * time.Second,
		DialTimeout:      10 * time.Second,
		MaxMessageSize:   network.MaxNetworkMessageSize,
		EventBufferSize:  1000,
		LowWater:         64,
		HighWater:        128,
	}
}

type streamKey struct {
	peer     peer.ID
	protocol string
}

// Transport is a network.Transport over a libp2p host.
type Transport struct {
	config Config
	host   host.Host
	events *network.EventQueue

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	connected map[peer.ID]bool
	inbound   map[streamKey]map[lpnet.Stream]struct{}
	presence  map[streamKey]lpnet.Stream
	dialing   map[streamKey]bool
	reserved  map[string]map[peer.ID]struct{}
	closed    bool

	log log.Logger
	wg  sync.WaitGroup
}

// identityFromSeed derives an ed25519 host key from seed.
func identityFromSeed(seed string) (lpcrypto.PrivKey, error) {
	std := ed25519.NewKeyFromSeed(crypto.Keccak256([]byte(seed)))
	return lpcrypto.UnmarshalEd25519PrivateKey([]byte(std))
}

// New creates a libp2p host and starts the transport.
func New(config Config) (*Transport, error) {
	defaults := DefaultConfig()
	if config.MaintainInterval <= 0 {
		config.MaintainInterval = defaults.MaintainInterval
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}
	if config.EventBufferSize <= 0 {
		config.EventBufferSize = defaults.EventBufferSize
	}
	if config.HighWater <= 0 {
		config.LowWater, config.HighWater = defaults.LowWater, defaults.HighWater
	}

	cm, err := connmgr.NewConnManager(config.LowWater, config.HighWater)
	if err != nil {
		return nil, fmt.Errorf("connection manager: %w", err)
	}
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(config.ListenAddrs...),
		libp2p.ConnectionManager(cm),
	}
	if config.IdentitySeed != "" {
		priv, err := identityFromSeed(config.IdentitySeed)
		if err != nil {
			return nil, fmt.Errorf("host identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(priv))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		config:    config,
		host:      h,
		events:    network.NewEventQueue(config.EventBufferSize),
		ctx:       ctx,
		cancel:    cancel,
		connected: make(map[peer.ID]bool),
		inbound:   make(map[streamKey]map[lpnet.Stream]struct{}),
		presence:  make(map[streamKey]lpnet.Stream),
		dialing:   make(map[streamKey]bool),
		reserved:  make(map[string]map[peer.ID]struct{}),
		log:       log.New("target", "aleph-libp2p", "id", h.ID()),
	}

	for _, name := range []string{network.GenericName, network.ValidatorName} {
		name := name
		h.SetStreamHandler(protocol.ID(name), func(s lpnet.Stream) {
			t.handleStream(name, s)
		})
	}
	h.Network().Notify(&lpnet.NotifyBundle{
		ConnectedF:    t.onConnected,
		DisconnectedF: t.onDisconnected,
	})

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.events.Run(ctx)
	}()
	go t.maintainLoop()

	t.log.Info("libp2p transport started", "addrs", t.Addresses())
	return t, nil
}

// ID returns the peer id of the local host.
func (t *Transport) ID() network.PeerID {
	return network.PeerID(t.host.ID().String())
}

// Addresses returns the listen addresses of the host including the /p2p part.
func (t *Transport) Addresses() []string {
	suffix, err := multiaddr.NewMultiaddr("/p2p/" + t.host.ID().String())
	if err != nil {
		return nil
	}
	addrs := make([]string, 0, len(t.host.Addrs()))
	for _, addr := range t.host.Addrs() {
		addrs = append(addrs, addr.Encapsulate(suffix).String())
	}
	return addrs
}

// Close shuts down the host and closes the event stream.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	err := t.host.Close()
	t.wg.Wait()
	t.log.Info("libp2p transport stopped")
	return err
}

// EventStream implements network.Transport.
func (t *Transport) EventStream() <-chan network.Event {
	return t.events.Events()
}

// Sender implements network.Transport.
func (t *Transport) Sender(peerID network.PeerID, protocolName string) (network.Sender, error) {
	id, err := peer.Decode(string(peerID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeer, err)
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return &sender{transport: t, peer: id, protocol: protocol.ID(protocolName)}, nil
}

// AddReserved implements network.Transport.
func (t *Transport) AddReserved(peers map[network.PeerID]string, protocolName string) {
	var targets []peer.ID
	for peerID, address := range peers {
		id, err := t.registerAddress(peerID, address)
		if err != nil {
			t.log.Debug("Ignoring reserved peer", "peer", peerID, "err", err)
			continue
		}
		if id == t.host.ID() {
			continue
		}
		t.host.ConnManager().Protect(id, protocolName)
		targets = append(targets, id)
	}

	t.mu.Lock()
	set, ok := t.reserved[protocolName]
	if !ok {
		set = make(map[peer.ID]struct{})
		t.reserved[protocolName] = set
	}
	for _, id := range targets {
		set[id] = struct{}{}
	}
	t.mu.Unlock()

	for _, id := range targets {
		t.openPresence(id, protocolName)
	}
}

// RemoveReserved implements network.Transport.
func (t *Transport) RemoveReserved(peers []network.PeerID, protocolName string) {
	var streams []lpnet.Stream

	t.mu.Lock()
	for _, peerID := range peers {
		id, err := peer.Decode(string(peerID))
		if err != nil {
			continue
		}
		delete(t.reserved[protocolName], id)
		key := streamKey{peer: id, protocol: protocolName}
		if s, ok := t.presence[key]; ok {
			streams = append(streams, s)
			delete(t.presence, key)
		}
		for s := range t.inbound[key] {
			streams = append(streams, s)
		}
		t.host.ConnManager().Unprotect(id, protocolName)
	}
	t.mu.Unlock()

	// Resetting inbound streams makes their handlers emit the closing events.
	for _, s := range streams {
		_ = s.Reset()
	}
}

// registerAddress stores the address of a peer in the peerstore.
func (t *Transport) registerAddress(peerID network.PeerID, address string) (peer.ID, error) {
	id, err := peer.Decode(string(peerID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPeer, err)
	}
	if address == "" {
		return id, nil
	}
	maddr, err := multiaddr.NewMultiaddr(address)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	transportAddr, addrID := peer.SplitAddr(maddr)
	if addrID != "" && addrID != id {
		return "", fmt.Errorf("%w: address belongs to %s", ErrInvalidAddress, addrID)
	}
	if transportAddr != nil {
		t.host.Peerstore().AddAddrs(id, []multiaddr.Multiaddr{transportAddr}, peerstore.PermanentAddrTTL)
	}
	return id, nil
}

// openPresence connects to a reserved peer and keeps one stream open so the
// peer observes us on the protocol. It runs in the background.
func (t *Transport) openPresence(id peer.ID, protocolName string) {
	key := streamKey{peer: id, protocol: protocolName}

	t.mu.Lock()
	if t.closed || t.dialing[key] {
		t.mu.Unlock()
		return
	}
	if _, ok := t.presence[key]; ok {
		t.mu.Unlock()
		return
	}
	t.dialing[key] = true
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		s, err := t.dial(id, protocol.ID(protocolName))

		t.mu.Lock()
		delete(t.dialing, key)
		_, stillReserved := t.reserved[protocolName][id]
		if err == nil && (!stillReserved || t.closed) {
			t.mu.Unlock()
			_ = s.Reset()
			return
		}
		if err != nil {
			t.mu.Unlock()
			t.log.Debug("Failed to open reserved stream", "peer", id, "protocol", protocolName, "err", err)
			return
		}
		t.presence[key] = s
		t.wg.Add(1)
		t.mu.Unlock()

		// The remote end never writes; reading detects when it goes away.
		go func() {
			defer t.wg.Done()
			_, _ = io.Copy(io.Discard, s)
			_ = s.Reset()
			t.mu.Lock()
			if t.presence[key] == s {
				delete(t.presence, key)
			}
			t.mu.Unlock()
		}()
	}()
}

func (t *Transport) dial(id peer.ID, proto protocol.ID) (lpnet.Stream, error) {
	ctx, cancel := context.WithTimeout(t.ctx, t.config.DialTimeout)
	defer cancel()

	if err := t.host.Connect(ctx, peer.AddrInfo{ID: id}); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	s, err := t.host.NewStream(ctx, id, proto)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return s, nil
}

// maintainLoop re-opens presence streams for reserved peers.
func (t *Transport) maintainLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.MaintainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.maintain()
		}
	}
}

func (t *Transport) maintain() {
	type target struct {
		id       peer.ID
		protocol string
	}
	var targets []target

	t.mu.Lock()
	for name, set := range t.reserved {
		for id := range set {
			if _, ok := t.presence[streamKey{peer: id, protocol: name}]; !ok {
				targets = append(targets, target{id: id, protocol: name})
			}
		}
	}
	t.mu.Unlock()

	for _, tgt := range targets {
		t.openPresence(tgt.id, tgt.protocol)
	}
}

// handleStream reads messages from an inbound stream until it ends.
func (t *Transport) handleStream(protocolName string, s lpnet.Stream) {
	id := s.Conn().RemotePeer()
	key := streamKey{peer: id, protocol: protocolName}
	from := network.PeerID(id.String())

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = s.Reset()
		return
	}
	streams, ok := t.inbound[key]
	if !ok {
		streams = make(map[lpnet.Stream]struct{})
		t.inbound[key] = streams
	}
	streams[s] = struct{}{}
	if len(streams) == 1 {
		t.events.Push(network.StreamOpened{Peer: from, Protocol: protocolName})
	}
	t.mu.Unlock()

	reader := msgio.NewVarintReaderSize(s, t.config.MaxMessageSize)
	for {
		msg, err := reader.ReadMsg()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.log.Trace("Inbound stream ended", "peer", id, "protocol", protocolName, "err", err)
			}
			break
		}
		data := make([]byte, len(msg))
		copy(data, msg)
		reader.ReleaseMsg(msg)

		t.events.Push(network.MessagesReceived{
			Peer:     from,
			Messages: []network.Notification{{Protocol: protocolName, Data: data}},
		})
	}
	_ = s.Reset()

	t.mu.Lock()
	delete(streams, s)
	if len(streams) == 0 {
		delete(t.inbound, key)
		t.events.Push(network.StreamClosed{Peer: from, Protocol: protocolName})
	}
	t.mu.Unlock()
}

func (t *Transport) onConnected(_ lpnet.Network, c lpnet.Conn) {
	id := c.RemotePeer()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.connected[id] {
		return
	}
	t.connected[id] = true

	address := c.RemoteMultiaddr().String()
	if suffix, err := multiaddr.NewMultiaddr("/p2p/" + id.String()); err == nil {
		address = c.RemoteMultiaddr().Encapsulate(suffix).String()
	}
	t.events.Push(network.PeerConnected{Peer: network.PeerID(id.String()), Address: address})
}

func (t *Transport) onDisconnected(n lpnet.Network, c lpnet.Conn) {
	id := c.RemotePeer()
	if n.Connectedness(id) == lpnet.Connected {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected[id] {
		return
	}
	delete(t.connected, id)
	t.events.Push(network.PeerDisconnected{Peer: network.PeerID(id.String())})
}

// sender writes varint-delimited messages to a lazily opened stream.
type sender struct {
	transport *Transport
	peer      peer.ID
	protocol  protocol.ID

	mu     sync.Mutex
	stream lpnet.Stream
	writer msgio.WriteCloser
}

// Send implements network.Sender.
func (s *sender) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		dialCtx, cancel := context.WithTimeout(ctx, s.transport.config.DialTimeout)
		stream, err := s.transport.host.NewStream(dialCtx, s.peer, s.protocol)
		cancel()
		if err != nil {
			return fmt.Errorf("open stream to %s: %w", s.peer, err)
		}
		s.stream = stream
		s.writer = msgio.NewVarintWriter(stream)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.stream.SetWriteDeadline(deadline)
	}
	if err := s.writer.WriteMsg(data); err != nil {
		_ = s.stream.Reset()
		s.stream, s.writer = nil, nil
		return fmt.Errorf("write to %s: %w", s.peer, err)
	}
	return nil
}

// Close ends the stream gracefully.
func (s *sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	err := s.stream.Close()
	s.stream, s.writer = nil, nil
	return err
}
