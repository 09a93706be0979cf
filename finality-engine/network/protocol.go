package network

import "fmt"

// PeerID identifies a remote node. It is opaque to the service.
type PeerID string

// Protocol is one of the two sub-protocols spoken by the finality network.
type Protocol uint8

const (
	// Generic is spoken with every connected peer and carries broadcasts.
	Generic Protocol = iota
	// Validator is spoken only with reserved peers of the current committee.
	Validator
)

// Protocol names as seen by the transport.
const (
	GenericName   = "/cardano/aleph/1"
	ValidatorName = "/cardano/aleph/validator/1"
)

// Protocols lists every recognized protocol.
var Protocols = []Protocol{Generic, Validator}

// Name returns the wire name of the protocol.
func (p Protocol) Name() string {
	switch p {
	case Generic:
		return GenericName
	case Validator:
		return ValidatorName
	default:
		return fmt.Sprintf("unknown-protocol-%d", uint8(p))
	}
}

func (p Protocol) String() string {
	switch p {
	case Generic:
		return "generic"
	case Validator:
		return "validator"
	default:
		return fmt.Sprintf("Protocol(%d)", uint8(p))
	}
}

// ProtocolFromName maps a wire name to a protocol.
func ProtocolFromName(name string) (Protocol, bool) {
	switch name {
	case GenericName:
		return Generic, true
	case ValidatorName:
		return Validator, true
	default:
		return 0, false
	}
}

// ConnectionCommand changes the reserved peer set of the validator protocol.
type ConnectionCommand interface {
	isConnectionCommand()
}

// AddReserved asks the transport to keep validator streams with the peers open.
type AddReserved struct {
	// Peers maps each peer to the address it can be dialled at.
	Peers map[PeerID]string
}

// DelReserved removes peers from the reserved set.
type DelReserved struct {
	Peers []PeerID
}

func (AddReserved) isConnectionCommand() {}
func (DelReserved) isConnectionCommand() {}

type dataCommandKind uint8

const (
	broadcastCommand dataCommandKind = iota
	sendToCommand
)

// DataCommand says where an outgoing message should go.
type DataCommand struct {
	kind     dataCommandKind
	peer     PeerID
	protocol Protocol
}

// Broadcast delivers to every peer with an open generic stream.
func Broadcast() DataCommand {
	return DataCommand{kind: broadcastCommand, protocol: Generic}
}

// SendTo delivers to a single peer over the given protocol.
func SendTo(peer PeerID, protocol Protocol) DataCommand {
	return DataCommand{kind: sendToCommand, peer: peer, protocol: protocol}
}

// IsBroadcast reports whether the command is a broadcast.
func (c DataCommand) IsBroadcast() bool {
	return c.kind == broadcastCommand
}

// Target returns the addressee of a SendTo command.
func (c DataCommand) Target() (PeerID, Protocol, bool) {
	return c.peer, c.protocol, c.kind == sendToCommand
}

func (c DataCommand) String() string {
	if c.IsBroadcast() {
		return "Broadcast"
	}
	return fmt.Sprintf("SendTo(%s, %s)", c.peer, c.protocol)
}

// Outgoing is a message from the user together with its routing command.
type Outgoing[D any] struct {
	Data    D
	Command DataCommand
}
