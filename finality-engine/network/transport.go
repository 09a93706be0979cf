package network

import "context"

// Sender delivers encoded messages to one peer over one protocol.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// Transport is the underlying peer-to-peer network.
// Implementations must be safe for concurrent use.
type Transport interface {
	// EventStream returns the stream of network events. The channel is closed
	// when the transport stops.
	EventStream() <-chan Event
	// Sender creates a handle for sending to peer over the named protocol.
	Sender(peer PeerID, protocol string) (Sender, error)
	// AddReserved keeps streams of the named protocol open with the peers.
	// It must not block.
	AddReserved(peers map[PeerID]string, protocol string)
	// RemoveReserved releases peers from the reserved set. It must not block.
	RemoveReserved(peers []PeerID, protocol string)
}

// Event is a notification from the transport.
type Event interface {
	isEvent()
}

// PeerConnected is emitted when a peer establishes a connection.
type PeerConnected struct {
	Peer    PeerID
	Address string
}

// PeerDisconnected is emitted when a peer connection is lost.
type PeerDisconnected struct {
	Peer PeerID
}

// StreamOpened is emitted when a protocol stream with a peer becomes usable.
type StreamOpened struct {
	Peer     PeerID
	Protocol string
}

// StreamClosed is emitted when a protocol stream with a peer ends.
type StreamClosed struct {
	Peer     PeerID
	Protocol string
}

// Notification is a single message received over a protocol.
type Notification struct {
	Protocol string
	Data     []byte
}

// MessagesReceived carries messages received from a peer.
type MessagesReceived struct {
	Peer     PeerID
	Messages []Notification
}

func (PeerConnected) isEvent()    {}
func (PeerDisconnected) isEvent() {}
func (StreamOpened) isEvent()     {}
func (StreamClosed) isEvent()     {}
func (MessagesReceived) isEvent() {}
