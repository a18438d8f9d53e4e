package signaling

// Wire event names. These are fixed protocol tokens.
const (
	EventSignUp             = "sign_up"
	EventSignIn             = "sign_in"
	EventDeviceUpdate       = "device_update"
	EventHashVerify         = "hash_verify"
	EventHashEmpty          = "hash_empty"
	EventCommand            = "command"
	EventCommandAck         = "command_ack"
	EventCommandVerify      = "command_verify"
	EventOffer              = "offer"
	EventAnswer             = "answer"
	EventIceCandidate       = "ice_candidate"
	EventPeerStats          = "peer_stats"
	EventTransferStatus     = "transfer_status"
	EventClientRequestStats = "client_request_stats"
)

// Credentials identify this node to the signaling service and the origin.
type Credentials struct {
	ID        string `json:"id"`
	AuthToken string `json:"auth_token"`
}

type HashEntry struct {
	FragmentID string `json:"fragment_id"`
	Hash       string `json:"hash"`
}

// HashVerify is one batch of the startup fragment inventory.
type HashVerify struct {
	Index     int         `json:"index"`
	Total     int         `json:"total"`
	Resources []HashEntry `json:"resources"`
}

type Command struct {
	ID          string   `json:"id,omitempty"`
	Type        string   `json:"type"`
	FragmentIDs []string `json:"fragment_ids,omitempty"`
	URLs        []string `json:"urls,omitempty"`
}

type CommandAck struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
}

// SessionDescription carries an SDP offer or answer. From is set on inbound
// messages, To on outbound ones.
type SessionDescription struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	SDP  string `json:"sdp"`
}

type IceCandidate struct {
	From          string  `json:"from,omitempty"`
	To            string  `json:"to,omitempty"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

type TransferStatus struct {
	PeerID      string  `json:"peer_id"`
	SessionID   string  `json:"session_id"`
	FragmentID  string  `json:"fragment_id"`
	Status      string  `json:"status"`
	Error       string  `json:"error,omitempty"`
	SentBytes   int64   `json:"sent_bytes"`
	TotalBytes  int64   `json:"total_bytes"`
	DurationMs  int64   `json:"duration_ms,omitempty"`
	BytesPerSec float64 `json:"bytes_per_sec,omitempty"`
}

type PeerStats struct {
	PeerID            string  `json:"peer_id"`
	RTT               float64 `json:"rtt"`
	BytesSent         uint64  `json:"bytesSent"`
	BytesReceived     uint64  `json:"bytesReceived"`
	LocalIPv4         string  `json:"local_ipv4,omitempty"`
	LocalIPv6         string  `json:"local_ipv6,omitempty"`
	LocalPrivateIPv4  string  `json:"local_private_ipv4,omitempty"`
	RemoteIPv4        string  `json:"remote_ipv4,omitempty"`
	RemoteIPv6        string  `json:"remote_ipv6,omitempty"`
	RemotePrivateIPv4 string  `json:"remote_private_ipv4,omitempty"`
	IsDisconnected    bool    `json:"isDisconnected,omitempty"`
}
