package network

import (
	"context"
	"io"

	"github.com/ethereum/go-ethereum/log"

	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/monitoring"
)

// peerSender delivers the messages queued for one (peer, protocol) stream,
// in order. The transport sender is created on first use and recreated after
// a failed send.
type peerSender[D any] struct {
	peer      PeerID
	protocol  Protocol
	queue     <-chan D
	transport Transport
	codec     Codec[D]
	metrics   *monitoring.NetworkMetrics
	log       log.Logger
}

func newPeerSender[D any](
	peer PeerID,
	protocol Protocol,
	queue <-chan D,
	transport Transport,
	codec Codec[D],
	metrics *monitoring.NetworkMetrics,
	logger log.Logger,
) *peerSender[D] {
	return &peerSender[D]{
		peer:      peer,
		protocol:  protocol,
		queue:     queue,
		transport: transport,
		codec:     codec,
		metrics:   metrics,
		log:       logger.New("peer", peer, "protocol", protocol),
	}
}

// run consumes the queue until it is closed. Senders that hold resources
// are closed when they are dropped.
func (p *peerSender[D]) run(ctx context.Context) {
	p.metrics.DeliveryTaskStarted()
	defer p.metrics.DeliveryTaskStopped()

	name := p.protocol.Name()
	var sender Sender
	for data := range p.queue {
		if sender == nil {
			created, err := p.transport.Sender(p.peer, name)
			if err != nil {
				p.log.Debug("Failed creating sender. Dropping message", "err", err)
				p.metrics.RecordSendFailure(name, monitoring.ReasonCreateSender)
				continue
			}
			sender = created
		}

		raw, err := p.codec.Encode(data)
		if err != nil {
			p.log.Debug("Failed encoding message. Dropping message", "err", err)
			p.metrics.RecordSendFailure(name, monitoring.ReasonEncode)
			continue
		}

		if err := sender.Send(ctx, raw); err != nil {
			p.log.Debug("Failed sending data to peer. Dropping sender and message", "err", err)
			p.metrics.RecordSendFailure(name, monitoring.ReasonSend)
			closeSender(sender)
			sender = nil
			continue
		}
		p.metrics.RecordSent(name)
	}
	if sender != nil {
		closeSender(sender)
	}
	p.log.Trace("Peer sender stopped")
}

func closeSender(sender Sender) {
	if c, ok := sender.(io.Closer); ok {
		_ = c.Close()
	}
}
