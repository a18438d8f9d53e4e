package peer

import (
	"context"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/fragmesh/stornode/internal/netutil"
	"github.com/fragmesh/stornode/internal/signaling"
)

// startStatsSampler launches the once-per-second telemetry loop for a peer.
// It stops when the manager cancels it during teardown.
func (m *Manager) startStatsSampler(remote string) {
	m.mu.Lock()
	s, ok := m.sessions[remote]
	if !ok || s.closed || s.statsCancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.statsCancel = cancel
	pc := s.pc
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(StatsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report := pc.GetStats()

				m.mu.Lock()
				s, ok := m.sessions[remote]
				if !ok || s.closed {
					m.mu.Unlock()
					return
				}
				prevSent, prevRecv := s.prevBytesSent, s.prevBytesRecv
				m.mu.Unlock()

				sample, sent, recv := buildSample(remote, report, prevSent, prevRecv)

				m.mu.Lock()
				if s, ok := m.sessions[remote]; ok {
					s.prevBytesSent, s.prevBytesRecv = sent, recv
				}
				m.mu.Unlock()

				if err := m.bus.Emit(signaling.EventPeerStats, sample); err != nil {
					m.logger.Debugf("Failed to emit stats for %s: %v", remote, err)
				}
			}
		}
	}()
}

// buildSample derives one telemetry sample from a transport stats report.
// Byte counters are deltas against the previous sample; rtt is -1 when no
// candidate pair has succeeded. Returns the new cumulative counters.
func buildSample(peerID string, report webrtc.StatsReport, prevSent, prevRecv uint64) (signaling.PeerStats, uint64, uint64) {
	sample := signaling.PeerStats{PeerID: peerID, RTT: -1}
	var sent, recv uint64

	for _, stat := range report {
		switch s := stat.(type) {
		case webrtc.ICECandidatePairStats:
			if s.State == webrtc.StatsICECandidatePairStateSucceeded {
				sample.RTT = s.CurrentRoundTripTime * 1000
			}
		case webrtc.DataChannelStats:
			if s.State == webrtc.DataChannelStateOpen {
				sent += s.BytesSent
				recv += s.BytesReceived
			}
		case webrtc.ICECandidateStats:
			switch s.Type {
			case webrtc.StatsTypeLocalCandidate:
				classifyInto(&sample.LocalIPv4, &sample.LocalIPv6, &sample.LocalPrivateIPv4, s.IP)
			case webrtc.StatsTypeRemoteCandidate:
				classifyInto(&sample.RemoteIPv4, &sample.RemoteIPv6, &sample.RemotePrivateIPv4, s.IP)
			}
		}
	}

	if sent >= prevSent {
		sample.BytesSent = sent - prevSent
	}
	if recv >= prevRecv {
		sample.BytesReceived = recv - prevRecv
	}
	return sample, sent, recv
}

// classifyInto routes a candidate address to the public v4, public v6, or
// private v4 slot. Private v6 addresses are not reported.
func classifyInto(v4, v6, privV4 *string, ip string) {
	version, scope, err := netutil.Classify(ip)
	if err != nil {
		return
	}
	switch {
	case version == netutil.V4 && scope == netutil.Public:
		if *v4 == "" {
			*v4 = ip
		}
	case version == netutil.V6 && scope == netutil.Public:
		if *v6 == "" {
			*v6 = ip
		}
	case version == netutil.V4 && scope == netutil.Private:
		if *privV4 == "" {
			*privV4 = ip
		}
	}
}
