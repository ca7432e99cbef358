package grab

// Status is the stage an asset is at.
type Status string

const (
	StatusPending            Status = "pending"
	StatusDownloading        Status = "downloading"
	StatusVerifying          Status = "verifying"
	StatusRetrying           Status = "retrying"
	StatusFailed             Status = "failed"
	StatusSucceeded          Status = "succeeded"
	StatusVerificationFailed Status = "verification_failed"
	StatusClearingCache      Status = "clearing_cache"
	StatusSkipped            Status = "skipped"

	// StatusDone marks the end of a run; it isn't tied to any asset.
	StatusDone Status = "done"
)

// IsTerminal reports whether no further transitions follow without an operator decision.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// IsActive reports whether a worker is currently handling the asset.
func (s Status) IsActive() bool {
	switch s {
	case StatusDownloading, StatusVerifying, StatusRetrying, StatusClearingCache:
		return true
	default:
		return false
	}
}

// State is a snapshot of an asset's progress, handed to the emitter.
type State struct {
	Status   Status
	Filename string
	URL      string
	// Total is the expected size in bytes, -1 when unknown.
	Total  int64
	Loaded int64
	// Err is set on retrying, failed and verification_failed states.
	Err        error
	RetryCount int
	Digest     string
}

// Emitter receives state snapshots. Calls are serialized by the downloader.
type Emitter func(state State)
