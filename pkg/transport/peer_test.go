package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/scenesync/pkg/protocol"
)

// signalSink collects outbound negotiation payloads; they arrive on
// pion-owned goroutines.
type signalSink struct {
	mu       sync.Mutex
	payloads []protocol.SignalPayload
}

func (s *signalSink) collect(p protocol.SignalPayload) {
	s.mu.Lock()
	s.payloads = append(s.payloads, p)
	s.mu.Unlock()
}

func (s *signalSink) first() (protocol.SignalPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.payloads) == 0 {
		return protocol.SignalPayload{}, false
	}
	return s.payloads[0], true
}

func (s *signalSink) firstOfKind(kind string) (protocol.SignalPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payloads {
		if p.Kind == kind {
			return p, true
		}
	}
	return protocol.SignalPayload{}, false
}

func TestInitiatorEmitsOfferImmediately(t *testing.T) {
	sink := &signalSink{}
	peer, err := NewPeer(Config{
		PeerID:    "peer-remote01",
		Initiator: true,
		OnSignal:  sink.collect,
	})
	require.NoError(t, err)
	defer peer.Close()

	offer, ok := sink.first()
	require.True(t, ok, "initiator must emit a payload before NewPeer returns")
	assert.Equal(t, protocol.SignalOffer, offer.Kind)
	assert.NotEmpty(t, offer.SDP)
	assert.Equal(t, StateConnecting, peer.State())
}

func TestResponderStaysSignalingUntilOffer(t *testing.T) {
	sink := &signalSink{}
	peer, err := NewPeer(Config{
		PeerID:   "peer-remote01",
		OnSignal: sink.collect,
	})
	require.NoError(t, err)
	defer peer.Close()

	assert.Equal(t, StateSignaling, peer.State())
	_, ok := sink.first()
	assert.False(t, ok, "responder has nothing to say before the offer arrives")
}

func TestOfferAnswerExchange(t *testing.T) {
	initiatorSink := &signalSink{}
	initiator, err := NewPeer(Config{
		PeerID:    "peer-b",
		Initiator: true,
		OnSignal:  initiatorSink.collect,
	})
	require.NoError(t, err)
	defer initiator.Close()

	responderSink := &signalSink{}
	responder, err := NewPeer(Config{
		PeerID:   "peer-a",
		OnSignal: responderSink.collect,
	})
	require.NoError(t, err)
	defer responder.Close()

	offer, ok := initiatorSink.firstOfKind(protocol.SignalOffer)
	require.True(t, ok)
	require.NoError(t, responder.Signal(&offer))
	assert.Equal(t, StateConnecting, responder.State())

	answer, ok := responderSink.firstOfKind(protocol.SignalAnswer)
	require.True(t, ok, "responder must answer the offer")
	assert.NotEmpty(t, answer.SDP)
	require.NoError(t, initiator.Signal(&answer))
}

func TestSignalRejectsMalformedCandidate(t *testing.T) {
	initiatorSink := &signalSink{}
	initiator, err := NewPeer(Config{
		PeerID:    "peer-b",
		Initiator: true,
		OnSignal:  initiatorSink.collect,
	})
	require.NoError(t, err)
	defer initiator.Close()

	responder, err := NewPeer(Config{PeerID: "peer-a"})
	require.NoError(t, err)
	defer responder.Close()

	offer, _ := initiatorSink.firstOfKind(protocol.SignalOffer)
	require.NoError(t, responder.Signal(&offer))

	err = responder.Signal(&protocol.SignalPayload{
		Kind:      protocol.SignalCandidate,
		Candidate: "not json",
	})
	assert.Error(t, err)
}

func TestSignalRejectsUnknownKind(t *testing.T) {
	peer, err := NewPeer(Config{PeerID: "peer-a"})
	require.NoError(t, err)
	defer peer.Close()

	assert.Error(t, peer.Signal(&protocol.SignalPayload{Kind: "renegotiate"}))
}

func TestSignalRejectedAfterClose(t *testing.T) {
	peer, err := NewPeer(Config{PeerID: "peer-a"})
	require.NoError(t, err)

	peer.Close()
	assert.Equal(t, StateClosed, peer.State())
	assert.Error(t, peer.Signal(&protocol.SignalPayload{Kind: protocol.SignalOffer, SDP: "v=0"}))
}

func TestSendDroppedWhenNotConnected(t *testing.T) {
	peer, err := NewPeer(Config{PeerID: "peer-a"})
	require.NoError(t, err)
	defer peer.Close()

	// Must not panic or block.
	peer.Send(`{"type":"update"}`)
}

func TestCloseFiresOnceAndStopsSignals(t *testing.T) {
	var mu sync.Mutex
	closes := 0
	sink := &signalSink{}

	peer, err := NewPeer(Config{
		PeerID:    "peer-a",
		Initiator: true,
		OnSignal:  sink.collect,
		OnClose: func() {
			mu.Lock()
			closes++
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	peer.Close()
	peer.Close()

	mu.Lock()
	assert.Equal(t, 1, closes)
	mu.Unlock()
	assert.Equal(t, StateClosed, peer.State())
}

func TestConnectTimeoutClosesPeer(t *testing.T) {
	var mu sync.Mutex
	closed := false

	peer, err := NewPeer(Config{
		PeerID:         "peer-a",
		Initiator:      true,
		ConnectTimeout: 50 * time.Millisecond,
		OnSignal:       func(protocol.SignalPayload) {},
		OnClose: func() {
			mu.Lock()
			closed = true
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer peer.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return closed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateClosed, peer.State())
}

func TestPeerAccessors(t *testing.T) {
	peer, err := NewPeer(Config{
		PeerID:    "peer-a",
		Initiator: true,
		OnSignal:  func(protocol.SignalPayload) {},
	})
	require.NoError(t, err)
	defer peer.Close()

	assert.Equal(t, "peer-a", peer.ID())
	assert.True(t, peer.Initiator())
	assert.False(t, peer.HasMedia())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "signaling", StateSignaling.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}
