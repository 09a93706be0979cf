package network

import (
	"bytes"
	"context"
	"errors"
	"sync"
)

var (
	errCreateSender = errors.New("mock: cannot create sender")
	errSend         = errors.New("mock: cannot send")
	errDecode       = errors.New("mock: cannot decode")
	errEncode       = errors.New("mock: cannot encode")
)

type reservedCall struct {
	peers    map[PeerID]string
	protocol string
}

type removedCall struct {
	peers    []PeerID
	protocol string
}

type sentMessage struct {
	peer     PeerID
	protocol string
	data     []byte
}

// mockTransport records reserved set changes and sends, and can be told to
// fail sender creation or sends for chosen peers.
type mockTransport struct {
	events chan Event

	mu                sync.Mutex
	added             []reservedCall
	removed           []removedCall
	sent              []sentMessage
	senders           map[PeerID]int
	failCreate        map[PeerID]bool
	failSend          map[PeerID]int
	sendGate          chan struct{}
	closedSenderCount int
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		events:     make(chan Event, 100),
		senders:    make(map[PeerID]int),
		failCreate: make(map[PeerID]bool),
		failSend:   make(map[PeerID]int),
	}
}

func (m *mockTransport) EventStream() <-chan Event {
	return m.events
}

func (m *mockTransport) Sender(peer PeerID, protocol string) (Sender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate[peer] {
		return nil, errCreateSender
	}
	m.senders[peer]++
	return &mockSender{transport: m, peer: peer, protocol: protocol}, nil
}

func (m *mockTransport) AddReserved(peers map[PeerID]string, protocol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make(map[PeerID]string, len(peers))
	for id, addr := range peers {
		copied[id] = addr
	}
	m.added = append(m.added, reservedCall{peers: copied, protocol: protocol})
}

func (m *mockTransport) RemoveReserved(peers []PeerID, protocol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, removedCall{peers: append([]PeerID(nil), peers...), protocol: protocol})
}

func (m *mockTransport) setFailCreate(peer PeerID, fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCreate[peer] = fail
}

// setFailSend makes the next count sends to peer fail.
func (m *mockTransport) setFailSend(peer PeerID, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSend[peer] = count
}

func (m *mockTransport) addedCalls() []reservedCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]reservedCall(nil), m.added...)
}

func (m *mockTransport) removedCalls() []removedCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]removedCall(nil), m.removed...)
}

func (m *mockTransport) sentTo(peer PeerID) []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentMessage
	for _, msg := range m.sent {
		if msg.peer == peer {
			out = append(out, msg)
		}
	}
	return out
}

func (m *mockTransport) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockTransport) senderCount(peer PeerID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.senders[peer]
}

func (m *mockTransport) hasAdded(peer PeerID) bool {
	for _, call := range m.addedCalls() {
		if _, ok := call.peers[peer]; ok {
			return true
		}
	}
	return false
}

type mockSender struct {
	transport *mockTransport
	peer      PeerID
	protocol  string
}

func (s *mockSender) Send(ctx context.Context, data []byte) error {
	m := s.transport
	m.mu.Lock()
	gate := m.sendGate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSend[s.peer] > 0 {
		m.failSend[s.peer]--
		return errSend
	}
	m.sent = append(m.sent, sentMessage{peer: s.peer, protocol: s.protocol, data: data})
	return nil
}

func (s *mockSender) Close() error {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	s.transport.closedSenderCount++
	return nil
}

// testCodec passes bytes through but rejects chosen payloads.
type testCodec struct{}

func (testCodec) Encode(data []byte) ([]byte, error) {
	if bytes.Equal(data, []byte("unencodable")) {
		return nil, errEncode
	}
	return data, nil
}

func (testCodec) Decode(raw []byte) ([]byte, error) {
	if bytes.Equal(raw, []byte("undecodable")) {
		return nil, errDecode
	}
	return raw, nil
}
