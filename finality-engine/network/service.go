package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/core"
	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/monitoring"
)

// Common errors for the network service
var (
	ErrEventStreamEnded   = errors.New("network event stream ended")
	ErrCommandStreamEnded = errors.New("manager command stream ended")
	ErrUserStreamEnded    = errors.New("user message stream ended")

	ErrMissingSender = errors.New("no sender for peer")
	ErrSendingFailed = errors.New("sending to peer failed")
)

// ServiceConfig defines configuration for the network service.
type ServiceConfig struct {
	// PeerQueueSize bounds the number of messages waiting for one peer stream.
	PeerQueueSize int `json:"peer_queue_size" yaml:"peer_queue_size"`
}

// DefaultServiceConfig returns a configuration with sensible defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		PeerQueueSize: 1000,
	}
}

// IO bundles the channels connecting the service with its user and with the
// connection manager.
type IO[D any] struct {
	MessagesFromUser    <-chan Outgoing[D]
	MessagesForUser     chan<- D
	CommandsFromManager <-chan ConnectionCommand
}

// NewIO creates the service side of the channels.
func NewIO[D any](fromUser <-chan Outgoing[D], forUser chan<- D, commands <-chan ConnectionCommand) IO[D] {
	return IO[D]{
		MessagesFromUser:    fromUser,
		MessagesForUser:     forUser,
		CommandsFromManager: commands,
	}
}

type sessionKey struct {
	peer     PeerID
	protocol Protocol
}

// peerSession is an open stream with its delivery queue.
type peerSession[D any] struct {
	queue chan D
}

// inbound is a decoded message waiting for the user.
type inbound[D any] struct {
	data     D
	protocol string
}

// Service routes user messages to peers and decoded peer messages to the
// user. All state is owned by the goroutine executing Run.
type Service[D any] struct {
	transport Transport
	codec     Codec[D]
	spawner   *core.TaskSpawner
	io        IO[D]
	config    ServiceConfig
	metrics   *monitoring.NetworkMetrics
	log       log.Logger

	sessions map[sessionKey]*peerSession[D]
	// pending holds decoded messages the user has not taken yet, oldest first.
	pending []inbound[D]
}

// NewService creates a network service. metrics may be nil.
func NewService[D any](
	transport Transport,
	codec Codec[D],
	spawner *core.TaskSpawner,
	io IO[D],
	config ServiceConfig,
	metrics *monitoring.NetworkMetrics,
) *Service[D] {
	if config.PeerQueueSize <= 0 {
		config.PeerQueueSize = DefaultServiceConfig().PeerQueueSize
	}
	return &Service[D]{
		transport: transport,
		codec:     codec,
		spawner:   spawner,
		io:        io,
		config:    config,
		metrics:   metrics,
		log:       log.New("target", "aleph-network"),
		sessions:  make(map[sessionKey]*peerSession[D]),
	}
}

// Run processes network events, manager commands and user messages until one
// of the input streams ends or ctx is cancelled. It always returns a non-nil
// error. All delivery tasks are told to stop before Run returns. Decoded
// messages wait in an unbounded queue until the user takes them, so a slow
// user never holds up events, commands or outgoing messages.
func (s *Service[D]) Run(ctx context.Context) error {
	defer s.closeSessions()

	events := s.transport.EventStream()
	for {
		// The user channel is only selected while messages are waiting.
		var forUser chan<- D
		var next inbound[D]
		if len(s.pending) > 0 {
			forUser = s.io.MessagesForUser
			next = s.pending[0]
		}

		select {
		case event, ok := <-events:
			if !ok {
				s.log.Error("Network event stream ended.")
				return ErrEventStreamEnded
			}
			s.handleEvent(ctx, event)
		case forUser <- next.data:
			s.pending[0] = inbound[D]{}
			s.pending = s.pending[1:]
			s.metrics.RecordReceived(next.protocol)
		case command, ok := <-s.io.CommandsFromManager:
			if !ok {
				s.log.Error("Manager command stream ended.")
				return ErrCommandStreamEnded
			}
			s.onManagerCommand(command)
		case outgoing, ok := <-s.io.MessagesFromUser:
			if !ok {
				s.log.Error("User message stream ended.")
				return ErrUserStreamEnded
			}
			s.onUserMessage(outgoing)
		case <-ctx.Done():
			s.log.Error("Network service cancelled.", "err", ctx.Err())
			return ctx.Err()
		}
	}
}

func (s *Service[D]) handleEvent(ctx context.Context, event Event) {
	switch e := event.(type) {
	case PeerConnected:
		s.log.Trace("Peer connected", "peer", e.Peer, "address", e.Address)
		s.transport.AddReserved(map[PeerID]string{e.Peer: e.Address}, GenericName)
	case PeerDisconnected:
		s.log.Trace("Peer disconnected", "peer", e.Peer)
		s.transport.RemoveReserved([]PeerID{e.Peer}, GenericName)
	case StreamOpened:
		protocol, ok := ProtocolFromName(e.Protocol)
		if !ok {
			return
		}
		s.log.Trace("Stream opened", "peer", e.Peer, "protocol", protocol)
		s.openSession(ctx, e.Peer, protocol)
	case StreamClosed:
		protocol, ok := ProtocolFromName(e.Protocol)
		if !ok {
			return
		}
		s.log.Trace("Stream closed", "peer", e.Peer, "protocol", protocol)
		s.closeSession(e.Peer, protocol)
	case MessagesReceived:
		for _, msg := range e.Messages {
			protocol, ok := ProtocolFromName(msg.Protocol)
			if !ok {
				continue
			}
			data, err := s.codec.Decode(msg.Data)
			if err != nil {
				s.log.Warn("Error decoding message", "peer", e.Peer, "protocol", protocol, "err", err)
				s.metrics.RecordDecodeFailure(msg.Protocol)
				continue
			}
			s.pending = append(s.pending, inbound[D]{data: data, protocol: msg.Protocol})
		}
	}
}

func (s *Service[D]) openSession(ctx context.Context, peer PeerID, protocol Protocol) {
	key := sessionKey{peer: peer, protocol: protocol}
	if _, ok := s.sessions[key]; ok {
		return
	}

	queue := make(chan D, s.config.PeerQueueSize)
	sender := newPeerSender(peer, protocol, queue, s.transport, s.codec, s.metrics, s.log)
	task := fmt.Sprintf("peer-sender %s %s", peer, protocol)
	if err := s.spawner.Spawn(task, func() { sender.run(ctx) }); err != nil {
		s.log.Error("Failed to spawn peer sender", "peer", peer, "protocol", protocol, "err", err)
		return
	}

	s.sessions[key] = &peerSession[D]{queue: queue}
	s.metrics.PeerConnected(protocol.Name())
}

func (s *Service[D]) closeSession(peer PeerID, protocol Protocol) {
	key := sessionKey{peer: peer, protocol: protocol}
	session, ok := s.sessions[key]
	if !ok {
		return
	}
	close(session.queue)
	delete(s.sessions, key)
	s.metrics.PeerDisconnected(protocol.Name())
}

func (s *Service[D]) closeSessions() {
	for key := range s.sessions {
		s.closeSession(key.peer, key.protocol)
	}
}

func (s *Service[D]) onManagerCommand(command ConnectionCommand) {
	switch c := command.(type) {
	case AddReserved:
		s.log.Trace("Adding reserved peers", "count", len(c.Peers))
		s.transport.AddReserved(c.Peers, ValidatorName)
	case DelReserved:
		s.log.Trace("Removing reserved peers", "count", len(c.Peers))
		s.transport.RemoveReserved(c.Peers, ValidatorName)
	}
}

func (s *Service[D]) onUserMessage(outgoing Outgoing[D]) {
	if outgoing.Command.IsBroadcast() {
		s.broadcast(outgoing.Data)
		return
	}
	peer, protocol, _ := outgoing.Command.Target()
	if err := s.sendToPeer(outgoing.Data, peer, protocol); err != nil {
		s.log.Trace("Failed to send data to peer", "peer", peer, "protocol", protocol, "err", err)
	}
}

// broadcast enqueues data for every peer with an open generic stream at the
// time of the call.
func (s *Service[D]) broadcast(data D) {
	for key := range s.sessions {
		if key.protocol != Generic {
			continue
		}
		if err := s.sendToPeer(data, key.peer, Generic); err != nil {
			s.log.Trace("Failed to broadcast to peer", "peer", key.peer, "err", err)
		}
	}
}

func (s *Service[D]) sendToPeer(data D, peer PeerID, protocol Protocol) error {
	session, ok := s.sessions[sessionKey{peer: peer, protocol: protocol}]
	if !ok {
		s.metrics.RecordSendFailure(protocol.Name(), monitoring.ReasonMissingSender)
		return ErrMissingSender
	}
	select {
	case session.queue <- data:
		return nil
	default:
		s.metrics.RecordSendFailure(protocol.Name(), monitoring.ReasonQueueFull)
		return fmt.Errorf("%w: queue full", ErrSendingFailed)
	}
}
