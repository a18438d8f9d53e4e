package peer

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
)

// DataChannel is the slice of *webrtc.DataChannel the streamer and protocol
// code touch. Tests substitute fakes.
type DataChannel interface {
	Send(data []byte) error
	SendText(text string) error
	BufferedAmount() uint64
	ReadyState() webrtc.DataChannelState
	Close() error
}

func channelOpen(dc DataChannel) bool {
	return dc.ReadyState() == webrtc.DataChannelStateOpen
}

// TransferSession is one READY_NODE request being streamed. All fields are
// owned by the streaming goroutine except the canceled flag, which the
// manager or the remote cancel handler may set.
type TransferSession struct {
	FragmentID string
	SessionID  string
	Start      time.Time
	TotalBytes int64
	SentBytes  int64

	file     *os.File
	canceled atomic.Bool
}

func (t *TransferSession) Cancel() {
	t.canceled.Store(true)
}

func (t *TransferSession) Canceled() bool {
	return t.canceled.Load()
}

// session is the per-peer state. The Manager is the only writer; everything
// here is read and mutated under the Manager's lock.
type session struct {
	peerID       string
	pc           *webrtc.PeerConnection
	dc           DataChannel
	lastActivity time.Time
	inactivity   *time.Timer
	transfers    map[string]*TransferSession

	statsCancel   func()
	prevBytesSent uint64
	prevBytesRecv uint64

	closed bool
}
