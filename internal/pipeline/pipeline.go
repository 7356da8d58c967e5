// Package pipeline orchestrates a receipt's verification lifecycle: intake,
// analysis, sanitization, atomic persistence, optional ledger anchoring and
// progress delivery. Each submitted job runs on its own background goroutine
// and is the only writer of its job record.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/scanproof/scanproof-go/internal/metrics"
	"github.com/scanproof/scanproof-go/internal/models"
	"github.com/scanproof/scanproof-go/internal/sanitize"
	"github.com/scanproof/scanproof-go/internal/store"
)

// Gateway is the persistence boundary. store.Store satisfies it; tests may
// substitute their own.
type Gateway interface {
	CreateJob(job *models.ReceiptJob) error
	GetJob(id string) (*models.ReceiptJob, error)
	CompleteJob(id string, summary *models.Summary, processingTimeMs int64, sidecarPayload map[string]any) error
	FailJob(id string, message string, processingTimeMs int64) error
	UpdateAnchor(id string, anchor *models.LedgerAnchor) error
	ListUnanchored(limit int) ([]*models.ReceiptJob, error)
}

// BlobStore stores the uploaded image and returns a reference the analyzer
// can fetch it by.
type BlobStore interface {
	Save(filename string, r io.Reader) (string, error)
}

// Analyzer is the external forensic/OCR collaborator.
type Analyzer interface {
	Analyze(ctx context.Context, jobID, imageURL string) (map[string]any, error)
}

// Anchorer is the external ledger collaborator.
type Anchorer interface {
	Enabled() bool
	Anchor(ctx context.Context, entityID string, payload any) (*models.LedgerAnchor, error)
}

// Emitter delivers progress frames to a job's subscribers.
type Emitter interface {
	PublishJSON(jobID string, v any)
}

// Anchoring state errors surfaced by AnchorJob.
var (
	ErrNotCompleted      = errors.New("job has not completed verification")
	ErrAnchoringDisabled = errors.New("ledger anchoring is not configured")
)

// Deps carries the pipeline's collaborators, injected at construction.
type Deps struct {
	Store              Gateway
	Blobs              BlobStore
	Analyzer           Analyzer
	Ledger             Anchorer
	Emitter            Emitter
	Metrics            *metrics.Metrics
	AnalyzeTimeout     time.Duration
	AnonymousSubmitter string
}

// Pipeline is the verification orchestrator.
type Pipeline struct {
	deps Deps
}

func New(deps Deps) *Pipeline {
	if deps.AnonymousSubmitter == "" {
		deps.AnonymousSubmitter = "anonymous"
	}
	return &Pipeline{deps: deps}
}

// Submit stores the upload, creates the job record and launches the
// background verification task. It returns the job id immediately; the
// outcome is observable only through the job record and the progress channel.
// The only synchronous failure is intake: if the blob or the job row cannot
// be written, no job exists and the error is returned to the caller.
func (p *Pipeline) Submit(ctx context.Context, filename string, r io.Reader, submitterID string) (string, error) {
	if submitterID == "" {
		submitterID = p.deps.AnonymousSubmitter
	}

	imageURL, err := p.deps.Blobs.Save(filename, r)
	if err != nil {
		return "", err
	}

	id, err := uuid.NewV7() // time-ordered, so job ids sort by submission
	if err != nil {
		return "", err
	}

	job := &models.ReceiptJob{
		ID:          id.String(),
		SubmitterID: submitterID,
		ImageURL:    imageURL,
	}
	if err := p.deps.Store.CreateJob(job); err != nil {
		return "", err
	}
	p.deps.Metrics.JobsSubmitted.Inc()

	go p.run(job.ID, imageURL)
	return job.ID, nil
}

// Get returns the current job record; readers may still see "processing"
// while the background task runs.
func (p *Pipeline) Get(jobID string) (*models.ReceiptJob, error) {
	return p.deps.Store.GetJob(jobID)
}

// run drives one job to a terminal state. It never returns an error: every
// failure path writes the failed record and emits the terminal frame, so no
// subscriber is left waiting.
func (p *Pipeline) run(jobID, imageURL string) {
	start := time.Now()
	percent := 0.0
	completed := false
	terminal := false

	defer func() {
		if r := recover(); r != nil {
			log.Printf("Job %s panicked: %v", jobID, r)
			if terminal {
				return
			}
			if completed {
				// The completed row is already persisted; only the terminal
				// frame is still owed. Failing here would overwrite a valid
				// result.
				p.emitComplete(jobID)
				return
			}
			p.fail(jobID, "Verification failed due to an internal error.", time.Since(start).Milliseconds(), percent)
		}
	}()

	emit := func(pct float64, phase, message string) {
		percent = pct
		p.emitProgress(jobID, pct, phase, message)
	}

	emit(5, "received", "Receipt received, queued for analysis.")

	ctx, cancel := context.WithTimeout(context.Background(), p.deps.AnalyzeTimeout)
	defer cancel()

	emit(15, "analyzing", "Running forensic and OCR analysis.")
	raw, err := p.deps.Analyzer.Analyze(ctx, jobID, imageURL)
	if err != nil {
		log.Printf("Job %s: analyzer call failed: %v", jobID, err)
		p.fail(jobID, classifyAnalyzerError(err), time.Since(start).Milliseconds(), percent)
		return
	}

	emit(70, "sanitizing", "Preparing verification result.")
	summaryMap, sidecar, err := sanitize.Split(raw)
	if err != nil {
		log.Printf("Job %s: sanitizer failed: %v", jobID, err)
		msg := "Verification failed due to an internal error."
		if errors.Is(err, sanitize.ErrPayloadTooLarge) {
			msg = "The analysis result exceeded the system's storage size limit."
		}
		p.fail(jobID, msg, time.Since(start).Milliseconds(), percent)
		return
	}
	summary := buildSummary(summaryMap)

	emit(80, "persisting", "Saving verification result.")
	if err := p.deps.Store.CompleteJob(jobID, summary, time.Since(start).Milliseconds(), sidecar); err != nil {
		log.Printf("Job %s: persistence failed: %v", jobID, err)
		p.fail(jobID, "Could not save the verification result. Please try again.", time.Since(start).Milliseconds(), percent)
		return
	}
	completed = true

	// Anchoring is strictly best-effort: a ledger failure never invalidates a
	// verified receipt. The job stays completed and can be re-anchored later.
	if p.deps.Ledger.Enabled() {
		emit(90, "anchoring", "Anchoring result to the ledger.")
		if err := p.anchor(context.Background(), jobID, summary); err != nil {
			log.Printf("Job %s: ledger anchoring failed (non-fatal): %v", jobID, err)
			p.deps.Metrics.AnchorFailures.Inc()
		}
	}

	p.deps.Metrics.JobsCompleted.Inc()
	terminal = true
	p.emitComplete(jobID)
}

// emitComplete sends the terminal complete frame with the finalized record.
// It runs only after the completed row write, so a client reacting to it can
// immediately fetch the final state.
func (p *Pipeline) emitComplete(jobID string) {
	record, err := p.deps.Store.GetJob(jobID)
	if err != nil {
		log.Printf("Job %s: could not reload finalized record: %v", jobID, err)
	}
	p.deps.Emitter.PublishJSON(jobID, models.ProgressUpdate{
		Type:      models.FrameComplete,
		JobID:     jobID,
		Percent:   100,
		Phase:     "complete",
		Message:   "Verification complete.",
		Record:    record,
		Timestamp: time.Now().UTC(),
	})
}

// AnchorJob anchors an already-completed job on demand. Re-anchoring a job
// that already has an anchor is a no-op success.
func (p *Pipeline) AnchorJob(ctx context.Context, jobID string) (*models.ReceiptJob, error) {
	job, err := p.deps.Store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.LedgerAnchor != nil {
		return job, nil
	}
	if job.Status != models.StatusCompleted {
		return nil, ErrNotCompleted
	}
	if !p.deps.Ledger.Enabled() {
		return nil, ErrAnchoringDisabled
	}
	if err := p.anchor(ctx, jobID, job.Summary); err != nil {
		p.deps.Metrics.AnchorFailures.Inc()
		return nil, err
	}
	return p.deps.Store.GetJob(jobID)
}

// RetryUnanchored re-attempts anchoring for completed jobs without an anchor.
// Returns how many jobs were anchored.
func (p *Pipeline) RetryUnanchored(ctx context.Context, limit int) (int, error) {
	if !p.deps.Ledger.Enabled() {
		return 0, nil
	}
	jobs, err := p.deps.Store.ListUnanchored(limit)
	if err != nil {
		return 0, err
	}
	anchored := 0
	for _, job := range jobs {
		if err := p.anchor(ctx, job.ID, job.Summary); err != nil {
			log.Printf("Anchor retry for job %s failed: %v", job.ID, err)
			p.deps.Metrics.AnchorFailures.Inc()
			continue
		}
		anchored++
	}
	return anchored, nil
}

func (p *Pipeline) anchor(ctx context.Context, jobID string, summary *models.Summary) error {
	anchor, err := p.deps.Ledger.Anchor(ctx, jobID, summary)
	if err != nil {
		return err
	}
	return p.deps.Store.UpdateAnchor(jobID, anchor)
}

// fail writes the terminal failed state, then emits the terminal error frame.
// The frame repeats the last progress percent; the stream never moves
// backwards, not even into failure.
func (p *Pipeline) fail(jobID, message string, processingTimeMs int64, percent float64) {
	if err := p.deps.Store.FailJob(jobID, message, processingTimeMs); err != nil && err != store.ErrNotFound {
		log.Printf("Job %s: could not record failure: %v", jobID, err)
	}
	p.deps.Metrics.JobsFailed.Inc()
	p.deps.Emitter.PublishJSON(jobID, models.ProgressUpdate{
		Type:      models.FrameError,
		JobID:     jobID,
		Percent:   percent,
		Phase:     "error",
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Pipeline) emitProgress(jobID string, percent float64, phase, message string) {
	p.deps.Emitter.PublishJSON(jobID, models.ProgressUpdate{
		Type:      models.FrameProgress,
		JobID:     jobID,
		Percent:   percent,
		Phase:     phase,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}
