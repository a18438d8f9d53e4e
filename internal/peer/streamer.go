package peer

import (
	"io"
	"os"
	"time"

	"github.com/fragmesh/stornode/internal/signaling"
	"github.com/fragmesh/stornode/internal/store"
)

// startTransfer runs the pre-flight gates for a READY_NODE request and, when
// they pass, streams the fragment. One goroutine per request.
func (m *Manager) startTransfer(remote string, ctl ControlMessage) {
	m.emitStatus(signaling.TransferStatus{
		PeerID:     remote,
		SessionID:  ctl.SessionID,
		FragmentID: ctl.FragmentID,
		Status:     StatusStarting,
	})

	path, ok := m.index.Lookup(ctl.FragmentID)
	var info os.FileInfo
	if ok {
		var err error
		info, err = os.Stat(path)
		ok = err == nil && info.Mode().IsRegular()
	}
	if !ok {
		m.logger.Warnf("Fragment %s requested by peer %s not found", ctl.FragmentID, remote)
		m.emitGateStatus(remote, ctl, StatusFileNotFound)
		return
	}

	dc := m.dataChannel(remote)
	if dc == nil || !channelOpen(dc) {
		m.logger.Warnf("Data channel for peer %s not open, dropping transfer %s", remote, ctl.SessionID)
		m.emitGateStatus(remote, ctl, StatusDataChannelClosed)
		return
	}

	if m.lowMemory() || dc.BufferedAmount() > MaxChannelBuffered {
		m.logger.Warnf("Resource pressure, refusing transfer %s for peer %s", ctl.SessionID, remote)
		m.sendCancelControl(dc, ctl)
		m.emitGateStatus(remote, ctl, StatusLowMemory)
		return
	}

	file, err := os.Open(path)
	if err != nil {
		m.logger.Warnf("Failed to open fragment %s: %v", ctl.FragmentID, err)
		m.emitGateStatus(remote, ctl, StatusFileNotFound)
		return
	}

	ts := &TransferSession{
		FragmentID: ctl.FragmentID,
		SessionID:  ctl.SessionID,
		Start:      time.Now(),
		TotalBytes: info.Size(),
		file:       file,
	}
	if !m.registerTransfer(remote, ts) {
		_ = file.Close()
		m.logger.Warnf("Peer %s gone before transfer %s started", remote, ctl.SessionID)
		return
	}

	m.emitStatus(signaling.TransferStatus{
		PeerID:     remote,
		SessionID:  ctl.SessionID,
		FragmentID: ctl.FragmentID,
		Status:     StatusInProgress,
		TotalBytes: ts.TotalBytes,
	})

	m.streamFragment(remote, dc, ts)
}

// streamFragment reads the fragment in chunk-sized pieces and sends one
// frame per chunk, pausing while the channel's send buffer is saturated.
// The cancellation flag is checked before every send.
func (m *Manager) streamFragment(remote string, dc DataChannel, ts *TransferSession) {
	buf := make([]byte, ChunkSize)
	lastRefresh := time.Now()

	for {
		if ts.Canceled() {
			m.finishTransfer(remote, ts, StatusCanceled, "")
			return
		}

		if dc.BufferedAmount() > MaxBufferedAmount {
			if !m.waitForDrain(remote, dc, ts) {
				m.finishTransfer(remote, ts, StatusFailed, errThrottledTooLong)
				return
			}
			if ts.Canceled() {
				m.finishTransfer(remote, ts, StatusCanceled, "")
				return
			}
		}

		n, err := ts.file.Read(buf)
		if n > 0 {
			last := ts.SentBytes+int64(n) >= ts.TotalBytes
			frame, encErr := EncodeFrame(ts.SessionID, last, buf[:n])
			if encErr != nil {
				m.finishTransfer(remote, ts, StatusFailed, encErr.Error())
				return
			}
			if sendErr := dc.Send(frame); sendErr != nil {
				m.finishTransfer(remote, ts, StatusFailed, sendErr.Error())
				return
			}
			ts.SentBytes += int64(n)

			if time.Since(lastRefresh) >= ActivityRefreshInterval {
				m.UpdateLastActivity(remote)
				lastRefresh = time.Now()
			}
		}

		if err == io.EOF {
			m.finishTransfer(remote, ts, StatusCompleted, "")
			return
		}
		if err != nil {
			m.finishTransfer(remote, ts, StatusFailed, err.Error())
			return
		}
	}
}

// waitForDrain polls the send buffer until it falls to the low-water mark.
// The deadline scales with how much is buffered: one second per KiB, clamped
// to [1s, 10s]. Returns false when the deadline elapsed before draining.
func (m *Manager) waitForDrain(remote string, dc DataChannel, ts *TransferSession) bool {
	deadline := time.Duration(dc.BufferedAmount()/1024) * time.Second
	if deadline < time.Second {
		deadline = time.Second
	}
	if deadline > 10*time.Second {
		deadline = 10 * time.Second
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(ThrottleCheckInterval)
	defer ticker.Stop()
	lastRefresh := time.Now()

	for {
		select {
		case <-ticker.C:
			if ts.Canceled() {
				return true
			}
			if dc.BufferedAmount() <= BufferedLowWater {
				return true
			}
			if time.Since(lastRefresh) >= ActivityRefreshInterval {
				m.UpdateLastActivity(remote)
				lastRefresh = time.Now()
			}
		case <-timer.C:
			return false
		}
	}
}

// finishTransfer releases the file, drops the session entry, and reports the
// terminal status. Called exactly once per transfer.
func (m *Manager) finishTransfer(remote string, ts *TransferSession, status, errMsg string) {
	_ = ts.file.Close()
	m.removeTransfer(remote, ts.SessionID)

	st := signaling.TransferStatus{
		PeerID:     remote,
		SessionID:  ts.SessionID,
		FragmentID: ts.FragmentID,
		Status:     status,
		Error:      errMsg,
		SentBytes:  ts.SentBytes,
		TotalBytes: ts.TotalBytes,
	}
	duration := time.Since(ts.Start)
	if status == StatusCompleted {
		st.DurationMs = duration.Milliseconds()
		if secs := duration.Seconds(); secs > 0 {
			st.BytesPerSec = float64(ts.SentBytes) / secs
		}
	}
	m.emitStatus(st)

	if m.meta != nil {
		err := m.meta.RecordTransfer(store.TransferRecord{
			SessionID:  ts.SessionID,
			PeerID:     remote,
			FragmentID: ts.FragmentID,
			Status:     status,
			BytesSent:  ts.SentBytes,
			TotalBytes: ts.TotalBytes,
			StartedAt:  ts.Start.Unix(),
			FinishedAt: time.Now().Unix(),
			Error:      errMsg,
		})
		if err != nil {
			m.logger.Warnf("Failed to record transfer %s: %v", ts.SessionID, err)
		}
	}

	if status == StatusFailed {
		m.logger.Warnf("Transfer %s for peer %s failed: %s", ts.SessionID, remote, errMsg)
	} else {
		m.logger.Infof("Transfer %s for peer %s finished: %s (%d/%d bytes)",
			ts.SessionID, remote, status, ts.SentBytes, ts.TotalBytes)
	}
}

func (m *Manager) emitGateStatus(remote string, ctl ControlMessage, status string) {
	m.emitStatus(signaling.TransferStatus{
		PeerID:     remote,
		SessionID:  ctl.SessionID,
		FragmentID: ctl.FragmentID,
		Status:     status,
	})
}

func (m *Manager) emitStatus(st signaling.TransferStatus) {
	if err := m.bus.Emit(signaling.EventTransferStatus, st); err != nil {
		m.logger.Debugf("Failed to emit transfer status: %v", err)
	}
}

// sendCancelControl tells the peer a transfer it asked for will not run.
func (m *Manager) sendCancelControl(dc DataChannel, ctl ControlMessage) {
	data, err := EncodeControl(ControlMessage{
		Type:       ControlCanceled,
		SessionID:  ctl.SessionID,
		FragmentID: ctl.FragmentID,
		Error:      "low memory",
	})
	if err != nil {
		return
	}
	if err := dc.SendText(string(data)); err != nil {
		m.logger.Warnf("Failed to send cancel control: %v", err)
	}
}
