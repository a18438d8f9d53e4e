// Package peer owns the per-peer connection lifecycle and the fragment
// streaming that runs over each peer's data channel.
package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/fragmesh/stornode/internal/signaling"
	"github.com/fragmesh/stornode/internal/store"
)

const (
	InactivityTimeout       = 10 * time.Second
	SweepInterval           = 5 * time.Second
	StatsInterval           = time.Second
	ActivityRefreshInterval = 5 * time.Second
	ThrottleCheckInterval   = 50 * time.Millisecond

	// MaxChannelBuffered is the send-buffer level above which a new
	// transfer is refused outright.
	MaxChannelBuffered = 10 << 20
	// MinFreeRAMPct is the free-memory floor below which new transfers are
	// refused.
	MinFreeRAMPct = 15

	dataChannelLabel    = "data"
	dataChannelProtocol = "fragment-stream"
)

// SignalEmitter is the slice of the signaling client the manager needs.
type SignalEmitter interface {
	Emit(event string, payload any) error
}

type Options struct {
	Index  *store.FragmentIndex
	Meta   *store.MetaStore
	Bus    SignalEmitter
	WebRTC webrtc.Configuration
	Logger *logrus.Logger
	// LowMemory reports host memory pressure; nil means never low.
	LowMemory func() bool
}

// Manager owns every peer session. It is the single writer of the session
// map; other components reach sessions through its accessors, which check
// presence under the lock on every call.
type Manager struct {
	index        *store.FragmentIndex
	meta         *store.MetaStore
	bus          SignalEmitter
	webrtcConfig webrtc.Configuration
	logger       *logrus.Logger
	lowMemory    func() bool

	mu       sync.Mutex
	sessions map[string]*session
}

func NewManager(opts Options) *Manager {
	lowMemory := opts.LowMemory
	if lowMemory == nil {
		lowMemory = func() bool { return false }
	}
	return &Manager{
		index:        opts.Index,
		meta:         opts.Meta,
		bus:          opts.Bus,
		webrtcConfig: opts.WebRTC,
		logger:       opts.Logger,
		lowMemory:    lowMemory,
		sessions:     make(map[string]*session),
	}
}

func DefaultDataChannelInit() *webrtc.DataChannelInit {
	ordered := true
	protocol := dataChannelProtocol
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: nil,
		Protocol:       &protocol,
	}
}

// Run drives the idle sweeper until ctx is canceled, then closes every peer.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.CleanupAll()
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep closes peers whose last activity is older than the inactivity
// timeout. It catches peers whose connection never progressed far enough to
// arm the per-peer timer.
func (m *Manager) sweep() {
	cutoff := time.Now().Add(-InactivityTimeout)

	m.mu.Lock()
	var idle []string
	for id, s := range m.sessions {
		if !s.closed && s.lastActivity.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.logger.Infof("Sweeping idle peer %s", id)
		m.teardown(id)
	}
}

// Connect opens a session toward remote and emits an offer. Calling it for a
// peer that already has a session is a no-op.
func (m *Manager) Connect(remote string) error {
	m.mu.Lock()
	_, exists := m.sessions[remote]
	m.mu.Unlock()
	if exists {
		m.logger.Debugf("Already connected to peer %s", remote)
		return nil
	}

	s, created, err := m.ensureSession(remote, true)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		m.teardown(remote)
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		m.teardown(remote)
		return fmt.Errorf("failed to set local description: %w", err)
	}

	return m.bus.Emit(signaling.EventOffer, signaling.SessionDescription{
		To:  remote,
		SDP: offer.SDP,
	})
}

// OnOffer answers a remote offer, creating the session if absent. Any
// negotiation failure cleans the session up and drops the offer silently.
func (m *Manager) OnOffer(remote, sdp string) {
	s, _, err := m.ensureSession(remote, false)
	if err != nil {
		m.logger.Warnf("Failed to create session for offer from %s: %v", remote, err)
		return
	}
	if s.pc.RemoteDescription() != nil {
		m.logger.Warnf("Ignoring offer from %s: session already negotiated", remote)
		return
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		m.logger.Warnf("Failed to set remote offer from %s: %v", remote, err)
		m.teardown(remote)
		return
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		m.logger.Warnf("Failed to create answer for %s: %v", remote, err)
		m.teardown(remote)
		return
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		m.logger.Warnf("Failed to set local answer for %s: %v", remote, err)
		m.teardown(remote)
		return
	}

	if err := m.bus.Emit(signaling.EventAnswer, signaling.SessionDescription{
		To:  remote,
		SDP: answer.SDP,
	}); err != nil {
		m.logger.Warnf("Failed to emit answer for %s: %v", remote, err)
	}
	m.UpdateLastActivity(remote)
}

// OnAnswer applies a remote answer to an existing session. A missing session
// logs and drops.
func (m *Manager) OnAnswer(remote, sdp string) {
	s := m.getSession(remote)
	if s == nil {
		m.logger.Warnf("Answer from unknown peer %s dropped", remote)
		return
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		m.logger.Warnf("Failed to set remote answer from %s: %v", remote, err)
		m.teardown(remote)
		return
	}
	m.UpdateLastActivity(remote)
}

// OnIceCandidate applies a trickled candidate. Empty candidate strings are
// end-of-candidates markers and are ignored.
func (m *Manager) OnIceCandidate(remote string, cand signaling.IceCandidate) {
	if cand.Candidate == "" {
		return
	}
	s := m.getSession(remote)
	if s == nil {
		m.logger.Warnf("ICE candidate from unknown peer %s dropped", remote)
		return
	}

	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		m.logger.Warnf("Failed to add ICE candidate from %s: %v", remote, err)
		m.teardown(remote)
		return
	}
	m.UpdateLastActivity(remote)
}

func (m *Manager) Disconnect(remote string) {
	m.teardown(remote)
}

func (m *Manager) CleanupAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.teardown(id)
	}
}

// UpdateLastActivity refreshes the peer's activity instant and rearms its
// inactivity timer.
func (m *Manager) UpdateLastActivity(remote string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[remote]
	if !ok || s.closed {
		return
	}
	s.lastActivity = time.Now()
	if s.inactivity != nil {
		s.inactivity.Reset(InactivityTimeout)
	}
}

func (m *Manager) ConnectedPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if !s.closed {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *Manager) getSession(remote string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[remote]
	if !ok || s.closed {
		return nil
	}
	return s
}

// ensureSession returns the existing session for remote or creates one.
// created reports whether this call made it.
func (m *Manager) ensureSession(remote string, initiator bool) (*session, bool, error) {
	m.mu.Lock()
	if s, ok := m.sessions[remote]; ok {
		m.mu.Unlock()
		return s, false, nil
	}
	m.mu.Unlock()

	pc, err := webrtc.NewPeerConnection(m.webrtcConfig)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create peer connection: %w", err)
	}

	s := &session{
		peerID:       remote,
		pc:           pc,
		lastActivity: time.Now(),
		transfers:    make(map[string]*TransferSession),
	}
	s.inactivity = time.AfterFunc(InactivityTimeout, func() {
		m.reapIdle(remote)
	})

	m.mu.Lock()
	if existing, ok := m.sessions[remote]; ok {
		// Lost a race with a concurrent create; keep the winner.
		m.mu.Unlock()
		s.inactivity.Stop()
		_ = pc.Close()
		return existing, false, nil
	}
	m.sessions[remote] = s
	m.mu.Unlock()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.logger.Debugf("Peer %s connection state: %s", remote, state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			m.UpdateLastActivity(remote)
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			go m.teardown(remote)
		}
	})

	pc.OnICECandidate(func(ice *webrtc.ICECandidate) {
		if ice == nil {
			return
		}
		init := ice.ToJSON()
		err := m.bus.Emit(signaling.EventIceCandidate, signaling.IceCandidate{
			To:            remote,
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
		if err != nil {
			m.logger.Warnf("Failed to emit ICE candidate for %s: %v", remote, err)
		}
	})

	if initiator {
		dc, err := pc.CreateDataChannel(dataChannelLabel, DefaultDataChannelInit())
		if err != nil {
			m.teardown(remote)
			return nil, false, fmt.Errorf("failed to create data channel: %w", err)
		}
		m.setupDataChannel(remote, dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			m.setupDataChannel(remote, dc)
		})
	}

	return s, true, nil
}

func (m *Manager) setupDataChannel(remote string, dc *webrtc.DataChannel) {
	m.mu.Lock()
	s, ok := m.sessions[remote]
	if !ok || s.closed {
		m.mu.Unlock()
		_ = dc.Close()
		return
	}
	s.dc = dc
	m.mu.Unlock()

	dc.OnOpen(func() {
		m.logger.Infof("Data channel open for peer %s", remote)
		m.UpdateLastActivity(remote)
		m.startStatsSampler(remote)
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		m.handleChannelMessage(remote, msg)
	})

	dc.OnError(func(err error) {
		m.logger.Errorf("Data channel error for peer %s: %v", remote, err)
	})

	dc.OnClose(func() {
		m.logger.Infof("Data channel closed for peer %s", remote)
		go m.teardown(remote)
	})
}

func (m *Manager) handleChannelMessage(remote string, msg webrtc.DataChannelMessage) {
	m.UpdateLastActivity(remote)

	if !msg.IsString {
		m.logger.Debugf("Ignoring binary frame from peer %s", remote)
		return
	}

	ctl, err := ParseControl(msg.Data)
	if err != nil {
		m.logger.Warnf("Bad control message from peer %s: %v", remote, err)
		return
	}

	switch ctl.Type {
	case ControlReadyNode:
		go m.startTransfer(remote, ctl)
	case ControlCanceled:
		m.cancelTransfer(remote, ctl.SessionID)
	default:
		m.logger.Warnf("Unknown control type %q from peer %s", ctl.Type, remote)
	}
}

func (m *Manager) cancelTransfer(remote, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[remote]
	if !ok {
		return
	}
	if ts, ok := s.transfers[sessionID]; ok {
		m.logger.Infof("Peer %s canceled transfer %s", remote, sessionID)
		ts.Cancel()
	}
}

func (m *Manager) registerTransfer(remote string, ts *TransferSession) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[remote]
	if !ok || s.closed {
		return false
	}
	if old, ok := s.transfers[ts.SessionID]; ok {
		old.Cancel()
	}
	s.transfers[ts.SessionID] = ts
	return true
}

func (m *Manager) removeTransfer(remote, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[remote]
	if !ok {
		return
	}
	delete(s.transfers, sessionID)
}

func (m *Manager) dataChannel(remote string) DataChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[remote]
	if !ok || s.closed || s.dc == nil {
		return nil
	}
	return s.dc
}

// reapIdle is the per-peer timer callback. The timer is rearmed on every
// activity event, so firing means the peer went quiet; the recheck guards
// against a reset racing the callback.
func (m *Manager) reapIdle(remote string) {
	m.mu.Lock()
	s, ok := m.sessions[remote]
	stale := ok && !s.closed && time.Since(s.lastActivity) >= InactivityTimeout
	m.mu.Unlock()

	if stale {
		m.logger.Infof("Peer %s inactive for %s, closing", remote, InactivityTimeout)
		m.teardown(remote)
	}
}

// teardown closes a peer in a fixed order: stats sampler, transfers,
// inactivity timer, data channel, transport, map entry. It is idempotent.
func (m *Manager) teardown(remote string) {
	m.mu.Lock()
	s, ok := m.sessions[remote]
	if !ok || s.closed {
		m.mu.Unlock()
		return
	}
	s.closed = true
	statsCancel := s.statsCancel
	transfers := make([]*TransferSession, 0, len(s.transfers))
	for _, ts := range s.transfers {
		transfers = append(transfers, ts)
	}
	timer := s.inactivity
	dc := s.dc
	pc := s.pc
	m.mu.Unlock()

	if statsCancel != nil {
		statsCancel()
	}
	if err := m.bus.Emit(signaling.EventPeerStats, signaling.PeerStats{
		PeerID:         remote,
		RTT:            -1,
		IsDisconnected: true,
	}); err != nil {
		m.logger.Debugf("Failed to emit final stats for %s: %v", remote, err)
	}

	for _, ts := range transfers {
		ts.Cancel()
	}

	if timer != nil {
		timer.Stop()
	}
	if dc != nil {
		_ = dc.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}

	m.mu.Lock()
	delete(m.sessions, remote)
	m.mu.Unlock()

	m.logger.Infof("Peer %s closed", remote)
}
