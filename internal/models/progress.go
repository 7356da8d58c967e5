package models

import "time"

// Progress frame types pushed over the websocket. Every job's stream ends with
// exactly one terminal frame: "complete" or "error".
const (
	FrameSubscribed = "subscribed"
	FrameProgress   = "progress"
	FrameComplete   = "complete"
	FrameError      = "error"
)

// ProgressUpdate is one frame on a job's progress stream. Frames are ephemeral
// and never persisted; a client that misses one queries the job record instead.
type ProgressUpdate struct {
	Type      string      `json:"type"`
	JobID     string      `json:"jobId"`
	Percent   float64     `json:"percent,omitempty"`
	Phase     string      `json:"phase,omitempty"`
	Message   string      `json:"message,omitempty"`
	Record    *ReceiptJob `json:"record,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
