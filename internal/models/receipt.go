package models

import "time"

// Job lifecycle states. Both completed and failed are terminal; a job is
// mutated only by its own background task after creation.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Merchant is the merchant block extracted by OCR, when the analyzer found one.
type Merchant struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
	TaxID   string `json:"taxId,omitempty"`
}

// Summary is the bounded, always-small projection of a verification result.
// It is persisted on the job row itself and must stay under the store's
// per-document ceiling; the heavy artifacts live in the sidecar.
type Summary struct {
	OCRText    string         `json:"ocrText,omitempty"`
	TrustScore float64        `json:"trustScore"`
	Verdict    string         `json:"verdict"`
	Issues     []string       `json:"issues"`
	Merchant   *Merchant      `json:"merchant,omitempty"`
	Indicators map[string]any `json:"indicators,omitempty"`
}

// LedgerAnchor is the proof that the result's integrity hash was recorded on
// the external append-only ledger.
type LedgerAnchor struct {
	TransactionID      string `json:"transactionId"`
	ConsensusTimestamp string `json:"consensusTimestamp"`
	ExplorerURL        string `json:"explorerUrl,omitempty"`
}

// ReceiptJob is one submitted receipt's verification lifecycle and outcome.
//
// Invariants: status "completed" implies Summary != nil and Error == "";
// status "failed" implies Error != "". LedgerAnchor is independent of status:
// a failed anchor leaves a completed job completed with a nil anchor.
type ReceiptJob struct {
	ID               string        `json:"id"`
	SubmitterID      string        `json:"submitterId"`
	ImageURL         string        `json:"imageUrl"`
	Status           string        `json:"status"`
	Summary          *Summary      `json:"summary"`
	ProcessingTimeMs int64         `json:"processingTimeMs"`
	Error            string        `json:"error,omitempty"`
	LedgerAnchor     *LedgerAnchor `json:"ledgerAnchor"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// Sidecar holds the heavy, rarely-read forensic artifacts for a job. Written
// once, atomically with the job's completion, and immutable thereafter.
type Sidecar struct {
	JobID     string         `json:"jobId"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"createdAt"`
}
