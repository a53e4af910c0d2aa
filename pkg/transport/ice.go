package transport

import "github.com/pion/webrtc/v3"

// Default STUN servers for NAT traversal
var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// ICEConfig holds ICE server configuration
type ICEConfig struct {
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
}

// configuration builds the pion configuration: public STUN servers plus the
// optional TURN server, with relay-only transport when forced.
func (c ICEConfig) configuration() webrtc.Configuration {
	iceServers := make([]webrtc.ICEServer, 0)

	if !c.ForceRelay {
		iceServers = append(iceServers, defaultICEServers...)
	}

	if c.TURNServer != "" {
		turnServer := webrtc.ICEServer{
			URLs: []string{c.TURNServer},
		}
		if c.TURNUser != "" {
			turnServer.Username = c.TURNUser
			turnServer.Credential = c.TURNPass
			turnServer.CredentialType = webrtc.ICECredentialTypePassword
		}
		iceServers = append(iceServers, turnServer)
	}

	policy := webrtc.ICETransportPolicyAll
	if c.ForceRelay {
		policy = webrtc.ICETransportPolicyRelay
	}

	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: policy,
	}
}
