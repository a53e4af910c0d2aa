// Package transport manages one direct peer-to-peer connection per remote
// participant: the WebRTC negotiation fed by opaque signal payloads, a
// single ordered data channel for sync traffic, and an optional outbound
// media track. Once the channel is open, no traffic touches the relay.
package transport

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/tomaslejdung/scenesync/pkg/protocol"
)

// State is the lifecycle of a peer connection. Closed is terminal.
type State int

// Peer states
const (
	StateSignaling State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSignaling:
		return "signaling"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// dataChannelLabel names the single sync channel per peer.
const dataChannelLabel = "sync"

// DefaultConnectTimeout is how long a peer may stay short of Connected
// before it is torn down.
const DefaultConnectTimeout = 30 * time.Second

// Config wires up a peer. Callbacks are registered at construction because
// the initiator starts emitting signal payloads immediately.
type Config struct {
	PeerID         string
	Initiator      bool
	ICE            ICEConfig
	ConnectTimeout time.Duration

	// Media is an optional outbound media track attached to the
	// connection. The sync core only tracks that it exists.
	Media webrtc.TrackLocal

	OnSignal  func(protocol.SignalPayload) // outbound negotiation payloads
	OnConnect func()                       // fired exactly once on Connected
	OnData    func(text string)            // one decoded application message
	OnClose   func()                       // fired exactly once, terminal
}

// Peer is one direct connection to a remote participant.
type Peer struct {
	id        string
	initiator bool
	hasMedia  bool
	cfg       Config

	pc *webrtc.PeerConnection

	mu    sync.Mutex
	dc    *webrtc.DataChannel
	state State

	timer       *time.Timer
	connectOnce sync.Once
	closeOnce   sync.Once
}

// NewPeer creates a peer connection and, for the initiating side, starts
// negotiation right away by emitting an offer payload.
func NewPeer(cfg Config) (*Peer, error) {
	pc, err := webrtc.NewPeerConnection(cfg.ICE.configuration())
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &Peer{
		id:        cfg.PeerID,
		initiator: cfg.Initiator,
		cfg:       cfg,
		pc:        pc,
		state:     StateSignaling,
	}

	if cfg.Media != nil {
		if _, err := pc.AddTrack(cfg.Media); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add media track: %w", err)
		}
		p.hasMedia = true
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		data, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			log.Printf("transport: failed to encode candidate for %s: %v", p.id, err)
			return
		}
		p.emitSignal(protocol.SignalPayload{
			Kind:      protocol.SignalCandidate,
			Candidate: string(data),
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("transport: peer %s connection state: %s", p.id, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			p.Close()
		}
	})

	if !cfg.Initiator {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			p.wireChannel(dc)
		})
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	p.timer = time.AfterFunc(timeout, func() {
		if p.State() != StateConnected {
			log.Printf("transport: peer %s did not connect within %s", p.id, timeout)
			p.Close()
		}
	})

	if cfg.Initiator {
		if err := p.startOffer(); err != nil {
			p.Close()
			return nil, err
		}
	}

	return p, nil
}

// ID returns the remote peer's identity.
func (p *Peer) ID() string { return p.id }

// Initiator reports whether the local side initiated this connection.
func (p *Peer) Initiator() bool { return p.initiator }

// HasMedia reports whether an outbound media track is attached.
func (p *Peer) HasMedia() bool { return p.hasMedia }

// State returns the current lifecycle state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// startOffer opens the sync data channel and emits the SDP offer. ICE
// candidates trickle through OnICECandidate as they are gathered.
func (p *Peer) startOffer() error {
	ordered := true
	dc, err := p.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	p.wireChannel(dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	p.mu.Lock()
	p.state = StateConnecting
	p.mu.Unlock()

	p.emitSignal(protocol.SignalPayload{Kind: protocol.SignalOffer, SDP: offer.SDP})
	return nil
}

// Signal feeds one inbound negotiation payload into the connection. Valid
// only while the peer is still negotiating.
func (p *Peer) Signal(payload *protocol.SignalPayload) error {
	switch p.State() {
	case StateSignaling, StateConnecting:
	default:
		return fmt.Errorf("peer %s cannot signal in state %s", p.id, p.State())
	}

	switch payload.Kind {
	case protocol.SignalOffer:
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}
		if err := p.pc.SetRemoteDescription(offer); err != nil {
			return fmt.Errorf("failed to set remote offer: %w", err)
		}
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("failed to create answer: %w", err)
		}
		if err := p.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("failed to set local description: %w", err)
		}
		p.mu.Lock()
		p.state = StateConnecting
		p.mu.Unlock()
		p.emitSignal(protocol.SignalPayload{Kind: protocol.SignalAnswer, SDP: answer.SDP})
		return nil

	case protocol.SignalAnswer:
		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP}
		return p.pc.SetRemoteDescription(answer)

	case protocol.SignalCandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(payload.Candidate), &candidate); err != nil {
			return fmt.Errorf("failed to parse ICE candidate: %w", err)
		}
		return p.pc.AddICECandidate(candidate)

	default:
		return fmt.Errorf("unknown signal payload kind %q", payload.Kind)
	}
}

// Send transmits one application message. Sends outside Connected are
// logged and dropped so teardown never races a trailing broadcast into a
// panic.
func (p *Peer) Send(text string) {
	p.mu.Lock()
	dc, state := p.dc, p.state
	p.mu.Unlock()

	if state != StateConnected || dc == nil {
		log.Printf("transport: dropping send to %s in state %s", p.id, state)
		return
	}
	if err := dc.SendText(text); err != nil {
		log.Printf("transport: send to %s failed: %v", p.id, err)
	}
}

// Close tears the connection down. Idempotent; OnClose fires exactly once
// and no data or connect events are delivered afterwards.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.state = StateClosed
		dc := p.dc
		p.mu.Unlock()

		if p.timer != nil {
			p.timer.Stop()
		}
		if dc != nil {
			dc.Close()
		}
		p.pc.Close()

		if p.cfg.OnClose != nil {
			p.cfg.OnClose()
		}
	})
}

func (p *Peer) wireChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.mu.Lock()
		if p.state == StateClosed {
			p.mu.Unlock()
			return
		}
		p.state = StateConnected
		p.mu.Unlock()

		if p.timer != nil {
			p.timer.Stop()
		}
		log.Printf("transport: peer %s data channel open", p.id)
		p.connectOnce.Do(func() {
			if p.cfg.OnConnect != nil {
				p.cfg.OnConnect()
			}
		})
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if p.State() == StateClosed {
			return
		}
		// Payloads may arrive as binary frames; they carry the same
		// text-encoded message either way.
		if p.cfg.OnData != nil {
			p.cfg.OnData(string(msg.Data))
		}
	})

	dc.OnClose(func() {
		p.Close()
	})
}

func (p *Peer) emitSignal(payload protocol.SignalPayload) {
	if p.State() == StateClosed {
		return
	}
	if p.cfg.OnSignal != nil {
		p.cfg.OnSignal(payload)
	}
}
