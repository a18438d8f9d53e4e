package peer

import (
	"testing"

	"github.com/pion/webrtc/v3"
)

func TestBuildSample(t *testing.T) {
	report := webrtc.StatsReport{
		"pair": webrtc.ICECandidatePairStats{
			State:                webrtc.StatsICECandidatePairStateSucceeded,
			CurrentRoundTripTime: 0.042,
		},
		"dc": webrtc.DataChannelStats{
			State:         webrtc.DataChannelStateOpen,
			BytesSent:     1000,
			BytesReceived: 500,
		},
		"local-priv": webrtc.ICECandidateStats{
			Type: webrtc.StatsTypeLocalCandidate,
			IP:   "192.168.0.10",
		},
		"local-pub": webrtc.ICECandidateStats{
			Type: webrtc.StatsTypeLocalCandidate,
			IP:   "8.8.4.4",
		},
		"remote-v6": webrtc.ICECandidateStats{
			Type: webrtc.StatsTypeRemoteCandidate,
			IP:   "2001:db8::5",
		},
	}

	sample, sent, recv := buildSample("peer-a", report, 400, 100)

	if sample.PeerID != "peer-a" {
		t.Errorf("unexpected peer id %s", sample.PeerID)
	}
	if sample.RTT != 42 {
		t.Errorf("expected rtt 42ms, got %v", sample.RTT)
	}
	// Counters are deltas against the previous sample.
	if sample.BytesSent != 600 {
		t.Errorf("expected sent delta 600, got %d", sample.BytesSent)
	}
	if sample.BytesReceived != 400 {
		t.Errorf("expected received delta 400, got %d", sample.BytesReceived)
	}
	if sent != 1000 || recv != 500 {
		t.Errorf("expected cumulative 1000/500, got %d/%d", sent, recv)
	}

	if sample.LocalPrivateIPv4 != "192.168.0.10" {
		t.Errorf("expected private v4 candidate, got %q", sample.LocalPrivateIPv4)
	}
	if sample.LocalIPv4 != "8.8.4.4" {
		t.Errorf("expected public v4 candidate, got %q", sample.LocalIPv4)
	}
	if sample.RemoteIPv6 != "2001:db8::5" {
		t.Errorf("expected remote v6 candidate, got %q", sample.RemoteIPv6)
	}
	if sample.IsDisconnected {
		t.Error("live sample must not be flagged disconnected")
	}
}

func TestBuildSampleEmptyReport(t *testing.T) {
	sample, sent, recv := buildSample("peer-a", webrtc.StatsReport{}, 0, 0)

	if sample.RTT != -1 {
		t.Errorf("expected rtt -1 with no candidate pair, got %v", sample.RTT)
	}
	if sample.BytesSent != 0 || sample.BytesReceived != 0 {
		t.Errorf("expected zero counters, got %d/%d", sample.BytesSent, sample.BytesReceived)
	}
	if sent != 0 || recv != 0 {
		t.Errorf("expected zero cumulative counters")
	}
}

func TestBuildSampleIgnoresFailedPairsAndClosedChannels(t *testing.T) {
	report := webrtc.StatsReport{
		"pair": webrtc.ICECandidatePairStats{
			State:                webrtc.StatsICECandidatePairStateFailed,
			CurrentRoundTripTime: 0.1,
		},
		"dc": webrtc.DataChannelStats{
			State:     webrtc.DataChannelStateClosed,
			BytesSent: 999,
		},
	}

	sample, sent, _ := buildSample("peer-a", report, 0, 0)
	if sample.RTT != -1 {
		t.Errorf("failed pair must not set rtt, got %v", sample.RTT)
	}
	if sent != 0 {
		t.Errorf("closed channel counters must be ignored, got %d", sent)
	}
}

func TestBuildSampleCounterReset(t *testing.T) {
	report := webrtc.StatsReport{
		"dc": webrtc.DataChannelStats{
			State:     webrtc.DataChannelStateOpen,
			BytesSent: 100,
		},
	}

	// Previous cumulative larger than current (channel restarted): the delta
	// is suppressed rather than underflowing.
	sample, sent, _ := buildSample("peer-a", report, 500, 0)
	if sample.BytesSent != 0 {
		t.Errorf("expected suppressed delta, got %d", sample.BytesSent)
	}
	if sent != 100 {
		t.Errorf("expected new cumulative 100, got %d", sent)
	}
}

func TestClassifyInto(t *testing.T) {
	var v4, v6, priv string

	classifyInto(&v4, &v6, &priv, "10.1.2.3")
	classifyInto(&v4, &v6, &priv, "9.9.9.9")
	classifyInto(&v4, &v6, &priv, "2001:db8::1")
	// First address of each kind wins.
	classifyInto(&v4, &v6, &priv, "8.8.8.8")
	// Invalid addresses are ignored.
	classifyInto(&v4, &v6, &priv, "bogus")
	// Private v6 is not reported anywhere.
	classifyInto(&v4, &v6, &priv, "fe80::1")

	if priv != "10.1.2.3" {
		t.Errorf("unexpected private v4 %q", priv)
	}
	if v4 != "9.9.9.9" {
		t.Errorf("unexpected public v4 %q", v4)
	}
	if v6 != "2001:db8::1" {
		t.Errorf("unexpected public v6 %q", v6)
	}
}
