package transport

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pbus/internal/util"
)

// newAPI builds the WebRTC API shared by every link of a UDP transport.
// Pion's logs go through the pterm logger; publicIPs, typically the
// server-reflexive addresses found by ICE gathering, are advertised as
// srflx candidates.
func newAPI(cfg UDPConfig) *webrtc.API {
	se := webrtc.SettingEngine{LoggerFactory: util.PionLoggerFactory{}}
	if len(cfg.PublicIPs) > 0 {
		se.SetNAT1To1IPs(cfg.PublicIPs, webrtc.ICECandidateTypeSrflx)
	}
	if cfg.Loopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// newPeerConnection creates a PeerConnection using the configured ICE servers.
func newPeerConnection(api *webrtc.API, cfg UDPConfig) (*webrtc.PeerConnection, error) {
	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}

// newDataChannel creates a pre-negotiated, unordered DataChannel on the given
// PeerConnection. Using negotiated mode (ID 0) allows both sides to create
// the channel independently without relying on OnDataChannel. Frames carry
// their own sequence number, so SCTP ordering is not needed.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := false
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("bus", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
