package peer

// Transfer statuses reported over the signaling channel. Exactly one of the
// terminal statuses (COMPLETED, FAILED, CANCELED) is reached per session;
// the gate statuses are emitted instead when streaming never starts.
const (
	StatusStarting          = "STARTING"
	StatusInProgress        = "IN_PROGRESS"
	StatusCompleted         = "COMPLETED"
	StatusFailed            = "FAILED"
	StatusCanceled          = "CANCELED"
	StatusFileNotFound      = "FILE_NOT_FOUND"
	StatusDataChannelClosed = "DATA_CHANNEL_CLOSED"
	StatusLowMemory         = "LOW_MEMORY"
)

const errThrottledTooLong = "Transfer throttled too long"
