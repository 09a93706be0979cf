// Package node assembles a finality network node: a transport, the network
// service carrying Aleph proposals, proposal validation and metrics.
package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/config"
	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/core"
	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/data"
	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/monitoring"
	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/network"
	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/network/p2p"
)

const (
	metricsNamespace = "aleph"
	shutdownTimeout  = 5 * time.Second
)

// Common errors for the node
var (
	ErrNodeStopped = errors.New("node stopped")
)

// Message is the unit exchanged between nodes.
type Message = *data.UnvalidatedAlephProposal

// transportHandle is a started transport together with its shutdown.
type transportHandle struct {
	network.Transport
	address string
	close   func()
}

// Node runs the network service for proposals received from and sent to
// other validators.
type Node struct {
	config    *config.Config
	logger    log.Logger
	registry  *prometheus.Registry
	metrics   *monitoring.NetworkMetrics
	server    *monitoring.MetricsServer
	spawner   *core.TaskSpawner
	transport transportHandle
	service   *network.Service[Message]

	fromUser  chan network.Outgoing[Message]
	forUser   chan Message
	commands  chan network.ConnectionCommand
	proposals chan *data.AlephProposal
	done      chan struct{}
}

// New validates cfg, starts the configured transport and builds the node.
// The node does nothing until Run is called.
func New(cfg *config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	transport, err := startTransport(cfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	metrics := monitoring.NewNetworkMetrics(metricsNamespace, registry)
	n := &Node{
		config:    cfg,
		logger:    log.New("target", "aleph-node", "node", cfg.NodeID),
		registry:  registry,
		metrics:   metrics,
		spawner:   core.NewTaskSpawner("aleph-network"),
		transport: transport,
		fromUser:  make(chan network.Outgoing[Message], cfg.IOBufferSize),
		forUser:   make(chan Message, cfg.IOBufferSize),
		commands:  make(chan network.ConnectionCommand, cfg.IOBufferSize),
		proposals: make(chan *data.AlephProposal, cfg.IOBufferSize),
		done:      make(chan struct{}),
	}
	if cfg.MetricsAddr != "" {
		n.server = monitoring.NewMetricsServer(cfg.MetricsAddr, registry)
	}
	n.service = network.NewService[Message](
		transport,
		network.RLPCodec[Message]{},
		n.spawner,
		network.NewIO[Message](n.fromUser, n.forUser, n.commands),
		cfg.ServiceConfig(),
		metrics,
	)
	return n, nil
}

func startTransport(cfg *config.Config) (transportHandle, error) {
	switch cfg.Transport {
	case config.TransportLibp2p:
		t, err := p2p.New(cfg.P2PConfig())
		if err != nil {
			return transportHandle{}, fmt.Errorf("failed to start libp2p transport: %w", err)
		}
		address := ""
		if addrs := t.Addresses(); len(addrs) > 0 {
			address = addrs[0]
		}
		return transportHandle{
			Transport: t,
			address:   address,
			close:     func() { _ = t.Close() },
		}, nil
	default:
		z := network.NewZmqNode(cfg.ZmqConfig())
		if err := z.Start(); err != nil {
			return transportHandle{}, fmt.Errorf("failed to start zmq transport: %w", err)
		}
		return transportHandle{Transport: z, address: z.Address(), close: z.Stop}, nil
	}
}

// Address returns the address other validators reach this node at.
func (n *Node) Address() string {
	return n.transport.address
}

// Registry returns the registry holding the node metrics.
func (n *Node) Registry() *prometheus.Registry {
	return n.registry
}

// Proposals returns the proposals received from peers that passed
// validation against their session. Proposals arriving while the buffer is
// full are dropped.
func (n *Node) Proposals() <-chan *data.AlephProposal {
	return n.proposals
}

// Broadcast sends proposal to every peer with an open generic stream.
func (n *Node) Broadcast(ctx context.Context, proposal *data.AlephProposal) error {
	return n.submit(ctx, network.Outgoing[Message]{
		Data:    proposal.Unvalidated(),
		Command: network.Broadcast(),
	})
}

// SendTo sends proposal to one peer over the given protocol.
func (n *Node) SendTo(ctx context.Context, proposal *data.AlephProposal, peer network.PeerID, protocol network.Protocol) error {
	return n.submit(ctx, network.Outgoing[Message]{
		Data:    proposal.Unvalidated(),
		Command: network.SendTo(peer, protocol),
	})
}

func (n *Node) submit(ctx context.Context, outgoing network.Outgoing[Message]) error {
	if n.stopped() {
		return ErrNodeStopped
	}
	select {
	case n.fromUser <- outgoing:
		return nil
	case <-n.done:
		return ErrNodeStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Command hands a reserved set change to the network service.
func (n *Node) Command(ctx context.Context, command network.ConnectionCommand) error {
	if n.stopped() {
		return ErrNodeStopped
	}
	select {
	case n.commands <- command:
		return nil
	case <-n.done:
		return ErrNodeStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) stopped() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

// Run runs the node until ctx is cancelled or a component fails. Cancelling
// ctx is a clean shutdown and returns nil.
func (n *Node) Run(ctx context.Context) error {
	defer close(n.done)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.service.Run(gctx)
	})
	if cmd, ok := n.config.ReservedCommand(); ok {
		g.Go(func() error {
			return n.Command(gctx, cmd)
		})
	}
	g.Go(func() error {
		return n.validateLoop(gctx)
	})
	if n.server != nil {
		g.Go(func() error {
			n.logger.Info("Serving metrics.", "addr", n.config.MetricsAddr)
			return n.server.Start()
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		n.shutdown()
		return nil
	})

	n.logger.Info("Finality node started.", "transport", n.config.Transport, "address", n.Address())
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		n.logger.Error("Finality node failed.", "err", err)
		return err
	}
	n.logger.Info("Finality node stopped.")
	return nil
}

func (n *Node) shutdown() {
	if n.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := n.server.Stop(ctx); err != nil {
			n.logger.Warn("Failed to stop metrics server.", "err", err)
		}
	}
	n.transport.close()
	if err := n.spawner.Shutdown(shutdownTimeout); err != nil {
		n.logger.Warn("Delivery tasks did not stop in time.", "err", err)
	}
}

// validateLoop checks every received proposal against the session its top
// block belongs to and passes on the valid ones. A valid proposal is dropped
// when the Proposals buffer is full.
func (n *Node) validateLoop(ctx context.Context) error {
	period := n.config.Period()
	for {
		select {
		case msg := <-n.forUser:
			proposal, ok := n.validate(msg, period)
			if !ok {
				continue
			}
			select {
			case n.proposals <- proposal:
			default:
				n.metrics.RecordProposalDropped()
				n.logger.Warn("Proposal buffer full, dropping proposal.", "proposal", proposal)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (n *Node) validate(msg Message, period core.SessionPeriod) (*data.AlephProposal, bool) {
	if msg == nil {
		n.metrics.RecordValidation(false)
		return nil, false
	}
	session := core.NewSessionBoundaries(core.SessionIDFromBlock(msg.Number, period), period)
	proposal, ok := msg.ValidateBounds(session)
	n.metrics.RecordValidation(ok)
	if !ok {
		n.logger.Debug("Dropping invalid proposal.", "proposal", msg, "session", session)
		return nil, false
	}
	n.logger.Trace("Received proposal.", "proposal", proposal)
	return proposal, true
}
