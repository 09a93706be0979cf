// Package network provides the peer network of the finality gadget.
//
// This package implements:
//   - Service: routes user messages to peers and peer messages to the user
//     over the generic and validator sub-protocols
//   - ZmqNode: ZeroMQ transport with ROUTER/DEALER pattern
//   - peerTracker: reservation heartbeats and stale peer pruning
package network
