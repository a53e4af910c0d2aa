// Package protocol defines the wire formats of the synchronization engine:
// the relay envelopes exchanged over the signaling WebSocket, the opaque
// negotiation payloads forwarded through them, and the application messages
// exchanged over peer data channels once a direct connection is up.
package protocol

import "encoding/json"

// Relay message types
const (
	TypeOpen         = "open"         // relay assigns the local identity
	TypeConnected    = "connected"    // a new peer joined; receiver becomes initiator
	TypeSignal       = "signal"       // opaque negotiation payload routed between two peers
	TypeDisconnected = "disconnected" // a peer left the session
)

// Data-channel message types
const (
	TypeUpdate = "update"
	TypeRemove = "remove"
)

// RelayMessage is the envelope exchanged with the signaling relay.
// The relay only routes these; it never inspects Content.
type RelayMessage struct {
	Type    string `json:"type"`
	From    string `json:"from,omitempty"`    // sender's peer ID
	To      string `json:"to,omitempty"`      // target peer ID (signal routing only)
	Content string `json:"content,omitempty"` // encoded SignalPayload, opaque to the relay
}

// Marshal serializes a relay message to JSON bytes.
func (m *RelayMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalRelay deserializes JSON bytes into a relay message.
func UnmarshalRelay(data []byte) (*RelayMessage, error) {
	var msg RelayMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SignalPayload carries one step of the transport negotiation between two
// peers. It travels relay-side as the Content blob of a "signal" envelope.
type SignalPayload struct {
	Kind      string `json:"kind"`                // offer, answer or candidate
	SDP       string `json:"sdp,omitempty"`       // session description for offer/answer
	Candidate string `json:"candidate,omitempty"` // JSON-encoded ICE candidate
}

// Signal payload kinds
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

// Encode returns the payload as the opaque content string of a relay envelope.
func (p *SignalPayload) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeSignalPayload parses the content blob of a "signal" relay envelope.
func DecodeSignalPayload(content string) (*SignalPayload, error) {
	var p SignalPayload
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ObjectMeta identifies a networked object inside a data-channel message.
// Kind/Value/Parent/IsAvatar form the full descriptor and are only present
// on first-update messages; routine frame updates carry just id, owner and
// timestamp.
type ObjectMeta struct {
	ID         string     `json:"id"`
	Owner      string     `json:"owner"`
	LastUpdate int64      `json:"lastUpdate,omitempty"` // milliseconds
	Kind       SourceKind `json:"type,omitempty"`
	Value      string     `json:"value,omitempty"`
	Parent     string     `json:"parent,omitempty"`
	IsAvatar   bool       `json:"isAvatar,omitempty"`
}

// HasDescriptor reports whether the metadata carries enough information to
// materialize the object on a peer that has never seen it.
func (m *ObjectMeta) HasDescriptor() bool {
	return m.Kind != ""
}

// SyncMessage is one application message on a peer data channel: either a
// transform/ownership update or a removal. Transform components are pointers
// so that an absent component is distinguishable from an explicit zero.
type SyncMessage struct {
	Type           string             `json:"type"`
	FirstUpdate    bool               `json:"firstUpdate,omitempty"`
	Object         ObjectMeta         `json:"object"`
	Position       *[3]float64        `json:"position,omitempty"`
	Rotation       *[3]float64        `json:"rotation,omitempty"`
	Scale          *[3]float64        `json:"scale,omitempty"`
	AnimatedValues map[string]float64 `json:"animatedValues,omitempty"`
}

// Marshal serializes a sync message to JSON bytes.
func (m *SyncMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalSync deserializes JSON bytes into a sync message.
func UnmarshalSync(data []byte) (*SyncMessage, error) {
	var msg SyncMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
