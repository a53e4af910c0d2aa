// Package pool is the top-level coordinator of a session: it owns the
// signaling client, one transport peer per remote participant, and the
// object registry, and dispatches every inbound message to the right
// handler. The host drives it with one Tick per rendered frame.
package pool

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/tomaslejdung/scenesync/pkg/protocol"
	"github.com/tomaslejdung/scenesync/pkg/registry"
	"github.com/tomaslejdung/scenesync/pkg/signal"
	"github.com/tomaslejdung/scenesync/pkg/transport"
)

// Config holds everything a session needs to join a room.
type Config struct {
	// Endpoint is the relay websocket URL including the room path,
	// e.g. ws://localhost:8080/ws/BLUE-FROG-42.
	Endpoint string

	ICE            transport.ICEConfig
	ConnectTimeout time.Duration

	// Media is an optional outbound media track attached to every peer
	// connection (voice, typically). The pool only tracks its presence.
	Media webrtc.TrackLocal

	Loader registry.Loader
	Scene  registry.Scene
}

// PeerInfo is a read-only snapshot of one transport peer for UI display.
type PeerInfo struct {
	ID        string
	State     transport.State
	Initiator bool
	HasMedia  bool
}

// Pool coordinates one session.
type Pool struct {
	cfg    Config
	reg    *registry.Registry
	client *signal.Client

	mu      sync.Mutex
	localID string
	peers   map[string]*transport.Peer
	closed  bool

	onIdentity         func(id string)
	onPeerConnected    func(id string)
	onPeerDisconnected func(id string)
	onError            func(err error)
}

// New creates a pool and its registry. Callbacks must be registered before
// Connect.
func New(cfg Config) *Pool {
	p := &Pool{
		cfg:   cfg,
		peers: make(map[string]*transport.Peer),
	}
	p.reg = registry.New(cfg.Loader, cfg.Scene)
	p.reg.SetBroadcastFunc(p.Broadcast)
	return p
}

// Registry returns the session's object registry.
func (p *Pool) Registry() *registry.Registry {
	return p.reg
}

// LocalID returns the relay-assigned identity, or "" before assignment.
func (p *Pool) LocalID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localID
}

// SetIdentityCallback sets the notification for identity assignment.
func (p *Pool) SetIdentityCallback(fn func(id string)) {
	p.onIdentity = fn
}

// SetPeerConnectedCallback sets the notification for a peer reaching the
// connected state.
func (p *Pool) SetPeerConnectedCallback(fn func(id string)) {
	p.onPeerConnected = fn
}

// SetPeerDisconnectedCallback sets the notification for a peer going away.
func (p *Pool) SetPeerDisconnectedCallback(fn func(id string)) {
	p.onPeerDisconnected = fn
}

// SetErrorCallback sets the notification for recoverable errors from any
// layer. Nothing reported here is fatal to the session.
func (p *Pool) SetErrorCallback(fn func(err error)) {
	p.onError = fn
	p.reg.SetErrorCallback(fn)
}

// Connect dials the relay and starts dispatching its messages. The relay
// being unreachable is reported and returned; there is no automatic retry.
func (p *Pool) Connect() error {
	client, err := signal.Dial(p.cfg.Endpoint)
	if err != nil {
		p.reportError(err)
		return err
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	client.SetDisconnectHandler(func() {
		p.reportError(&protocol.ConnectionError{
			Endpoint: p.cfg.Endpoint,
			Err:      errors.New("relay connection lost"),
		})
	})

	p.reg.Start()
	go p.dispatchLoop(client)
	return nil
}

// Tick runs one reconciliation pass; the host calls it once per frame.
func (p *Pool) Tick() {
	p.reg.Tick()
}

// Peers returns snapshots of all transport peers.
func (p *Pool) Peers() []PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PeerInfo, 0, len(p.peers))
	for _, peer := range p.peers {
		out = append(out, PeerInfo{
			ID:        peer.ID(),
			State:     peer.State(),
			Initiator: peer.Initiator(),
			HasMedia:  peer.HasMedia(),
		})
	}
	return out
}

// Broadcast sends one sync message to every connected peer. Peers still
// negotiating drop it; they get the full state push when they connect.
func (p *Pool) Broadcast(msg protocol.SyncMessage) {
	data, err := msg.Marshal()
	if err != nil {
		log.Printf("pool: failed to encode broadcast: %v", err)
		return
	}

	p.mu.Lock()
	peers := make([]*transport.Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		peers = append(peers, peer)
	}
	p.mu.Unlock()

	for _, peer := range peers {
		peer.Send(string(data))
	}
}

// Close tears down the session: all peers, the relay connection, and the
// registry. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	peers := make([]*transport.Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		peers = append(peers, peer)
	}
	client := p.client
	p.mu.Unlock()

	for _, peer := range peers {
		peer.Close()
	}
	if client != nil {
		client.Close()
	}
	p.reg.Close()
}

func (p *Pool) dispatchLoop(client *signal.Client) {
	for data := range client.Messages() {
		msg, err := protocol.UnmarshalRelay(data)
		if err != nil {
			log.Printf("pool: invalid relay message: %v", err)
			continue
		}
		p.handleRelayMessage(msg)
	}
	log.Printf("pool: signaling connection closed")
}

// handleRelayMessage is the single dispatch point for relay traffic. It
// runs on the dispatch goroutine only, so peer creation is never racy.
func (p *Pool) handleRelayMessage(msg *protocol.RelayMessage) {
	switch msg.Type {
	case protocol.TypeOpen:
		p.mu.Lock()
		p.localID = msg.From
		p.mu.Unlock()
		log.Printf("pool: assigned local identity %s", msg.From)
		// Flushes every object queued before identity assignment.
		p.reg.SetLocalID(msg.From)
		if p.onIdentity != nil {
			p.onIdentity(msg.From)
		}

	case protocol.TypeConnected:
		// A newcomer was announced; the established side initiates.
		if _, err := p.ensurePeer(msg.From, true); err != nil {
			p.reportError(&protocol.ConnectionError{Endpoint: msg.From, Err: err})
		}

	case protocol.TypeSignal:
		peer, err := p.ensurePeer(msg.From, false)
		if err != nil {
			p.reportError(&protocol.ConnectionError{Endpoint: msg.From, Err: err})
			return
		}
		payload, err := protocol.DecodeSignalPayload(msg.Content)
		if err != nil {
			log.Printf("pool: %v", &protocol.ProtocolViolation{
				PeerID: msg.From,
				Reason: "undecodable signal payload",
			})
			return
		}
		if err := peer.Signal(payload); err != nil {
			log.Printf("pool: signaling with %s failed: %v", msg.From, err)
		}

	case protocol.TypeDisconnected:
		p.mu.Lock()
		peer := p.peers[msg.From]
		p.mu.Unlock()
		if peer != nil {
			peer.Close() // cleanup continues in the peer's OnClose
		} else {
			p.reg.OnPeerDisconnected(msg.From)
		}

	default:
		log.Printf("pool: unknown relay message type %q", msg.Type)
	}
}

// ensurePeer returns the transport peer for id, creating one if this is the
// first contact. Creation only ever happens on the dispatch goroutine.
func (p *Pool) ensurePeer(id string, initiator bool) (*transport.Peer, error) {
	p.mu.Lock()
	if peer, ok := p.peers[id]; ok {
		p.mu.Unlock()
		return peer, nil
	}
	p.mu.Unlock()

	peer, err := transport.NewPeer(transport.Config{
		PeerID:         id,
		Initiator:      initiator,
		ICE:            p.cfg.ICE,
		ConnectTimeout: p.cfg.ConnectTimeout,
		Media:          p.cfg.Media,
		OnSignal: func(payload protocol.SignalPayload) {
			p.sendSignal(id, payload)
		},
		OnConnect: func() {
			p.pushState(id)
			if p.onPeerConnected != nil {
				p.onPeerConnected(id)
			}
		},
		OnData: func(text string) {
			p.handleData(id, text, initiator)
		},
		OnClose: func() {
			p.peerClosed(id)
		},
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.peers[id] = peer
	p.mu.Unlock()
	return peer, nil
}

// sendSignal routes one outbound negotiation payload through the relay.
func (p *Pool) sendSignal(to string, payload protocol.SignalPayload) {
	content, err := payload.Encode()
	if err != nil {
		log.Printf("pool: failed to encode signal payload: %v", err)
		return
	}

	p.mu.Lock()
	client := p.client
	localID := p.localID
	p.mu.Unlock()
	if client == nil {
		return
	}

	err = client.Send(&protocol.RelayMessage{
		Type:    protocol.TypeSignal,
		From:    localID,
		To:      to,
		Content: content,
	})
	if err != nil {
		log.Printf("pool: failed to send signal to %s: %v", to, err)
	}
}

// pushState sends a first-update message for every locally owned object to
// a freshly connected peer so it can bootstrap its registry.
func (p *Pool) pushState(peerID string) {
	p.mu.Lock()
	peer := p.peers[peerID]
	p.mu.Unlock()
	if peer == nil {
		return
	}

	msgs := p.reg.SnapshotMessages()
	log.Printf("pool: pushing %d objects to %s", len(msgs), peerID)
	for i := range msgs {
		data, err := msgs[i].Marshal()
		if err != nil {
			continue
		}
		peer.Send(string(data))
	}
}

// handleData dispatches one decoded application message from a data
// channel. initiated reports whether the local side opened the connection.
func (p *Pool) handleData(peerID, text string, initiated bool) {
	msg, err := protocol.UnmarshalSync([]byte(text))
	if err != nil {
		log.Printf("pool: %v", &protocol.ProtocolViolation{
			PeerID: peerID,
			Reason: "undecodable sync message",
		})
		return
	}

	switch msg.Type {
	case protocol.TypeUpdate:
		p.reg.ApplyRemoteUpdate(msg, peerID, initiated)
	case protocol.TypeRemove:
		p.reg.ApplyRemoteRemoval(msg, peerID)
	default:
		log.Printf("pool: %v", &protocol.ProtocolViolation{
			PeerID: peerID,
			Reason: "unknown sync message type " + msg.Type,
		})
	}
}

// peerClosed finishes teardown after a peer's OnClose: it is dropped from
// the pool and everything it owned is released.
func (p *Pool) peerClosed(id string) {
	p.mu.Lock()
	_, known := p.peers[id]
	delete(p.peers, id)
	closed := p.closed
	p.mu.Unlock()

	if closed || !known {
		return
	}
	p.reg.OnPeerDisconnected(id)
	if p.onPeerDisconnected != nil {
		p.onPeerDisconnected(id)
	}
}

func (p *Pool) reportError(err error) {
	log.Printf("pool: %v", err)
	if p.onError != nil {
		p.onError(err)
	}
}
