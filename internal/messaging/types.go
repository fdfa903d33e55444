package messaging

import "time"

// Share outcomes carried in ShareEvent.Status
const (
	ShareValid     = "valid"
	ShareInvalid   = "invalid"
	ShareDuplicate = "duplicate"
	ShareStale     = "stale"
	ShareError     = "error"
)

// ShareEvent is published for every mining.submit that reached the job lookup
type ShareEvent struct {
	ConnID         string    `json:"conn_id"`
	Username       string    `json:"username"`
	JobID          string    `json:"job_id"`
	Height         int64     `json:"height"`
	Difficulty     float64   `json:"difficulty"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	BlockCandidate bool      `json:"block_candidate"`
	SubmittedAt    time.Time `json:"submitted_at"`
	LatencyMs      float64   `json:"latency_ms"`
}

// BlockEvent is published after a candidate block was forwarded to the node
type BlockEvent struct {
	Hash        string    `json:"hash,omitempty"`
	Height      int64     `json:"height"`
	JobID       string    `json:"job_id"`
	ConnID      string    `json:"conn_id"`
	Username    string    `json:"username"`
	Accepted    bool      `json:"accepted"`
	Reason      string    `json:"reason,omitempty"`
	FoundAt     time.Time `json:"found_at"`
	SubmitMs    float64   `json:"submit_ms"`
	BlockLength int       `json:"block_length"`
}

// JobEvent is published when a new job has been broadcast
type JobEvent struct {
	JobID     string    `json:"job_id"`
	Height    int64     `json:"height"`
	PrevHash  string    `json:"prev_hash"`
	Bits      string    `json:"bits"`
	Target    string    `json:"target"`
	CleanJobs bool      `json:"clean_jobs"`
	Reason    string    `json:"reason"`
	Miners    int       `json:"miners"`
	Failed    int       `json:"failed"`
	CreatedAt time.Time `json:"created_at"`
}

// PoolStats is a periodic snapshot of the pool
type PoolStats struct {
	Connections int       `json:"connections"`
	Authorized  int       `json:"authorized"`
	JobID       string    `json:"job_id,omitempty"`
	Height      int64     `json:"height"`
	RetainedJob int       `json:"retained_jobs"`
	TakenAt     time.Time `json:"taken_at"`
}
