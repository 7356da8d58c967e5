package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanproof/scanproof-go/internal/analyzer"
	"github.com/scanproof/scanproof-go/internal/metrics"
	"github.com/scanproof/scanproof-go/internal/models"
	"github.com/scanproof/scanproof-go/internal/pipeline"
	"github.com/scanproof/scanproof-go/internal/store"
	"github.com/scanproof/scanproof-go/internal/testutil"
)

// fakeAnalyzer lets each test script the analyzer's behavior.
type fakeAnalyzer struct {
	fn func(ctx context.Context, jobID, imageURL string) (map[string]any, error)
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, jobID, imageURL string) (map[string]any, error) {
	return f.fn(ctx, jobID, imageURL)
}

// fakeLedger counts calls and can be forced to fail.
type fakeLedger struct {
	mu      sync.Mutex
	enabled bool
	err     error
	calls   int
}

func (f *fakeLedger) Enabled() bool { return f.enabled }

func (f *fakeLedger) Anchor(ctx context.Context, entityID string, payload any) (*models.LedgerAnchor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.LedgerAnchor{
		TransactionID:      "tx-" + entityID,
		ConsensusTimestamp: "1700000000.000000001",
		ExplorerURL:        "https://explorer.example/tx-" + entityID,
	}, nil
}

func (f *fakeLedger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recordingEmitter captures every frame per job for ordering assertions.
type recordingEmitter struct {
	mu     sync.Mutex
	frames map[string][]models.ProgressUpdate
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{frames: make(map[string][]models.ProgressUpdate)}
}

func (e *recordingEmitter) PublishJSON(jobID string, v any) {
	update, ok := v.(models.ProgressUpdate)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames[jobID] = append(e.frames[jobID], update)
}

func (e *recordingEmitter) framesFor(jobID string) []models.ProgressUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.ProgressUpdate, len(e.frames[jobID]))
	copy(out, e.frames[jobID])
	return out
}

type fakeBlobs struct{ err error }

func (f *fakeBlobs) Save(filename string, r io.Reader) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	io.Copy(io.Discard, r)
	return "/uploads/" + filename, nil
}

// panickyLedger simulates a crashing ledger integration.
type panickyLedger struct{}

func (panickyLedger) Enabled() bool { return true }

func (panickyLedger) Anchor(ctx context.Context, entityID string, payload any) (*models.LedgerAnchor, error) {
	panic("ledger client bug")
}

type testEnv struct {
	pipeline *pipeline.Pipeline
	store    *store.Store
	emitter  *recordingEmitter
	ledger   pipeline.Anchorer
	blobs    *fakeBlobs
}

func setup(t *testing.T, an *fakeAnalyzer, lg pipeline.Anchorer) *testEnv {
	t.Helper()
	st := store.New(testutil.SetupTestDB(t))
	emitter := newRecordingEmitter()
	blobs := &fakeBlobs{}
	p := pipeline.New(pipeline.Deps{
		Store:              st,
		Blobs:              blobs,
		Analyzer:           an,
		Ledger:             lg,
		Emitter:            emitter,
		Metrics:            metrics.NewWithRegistry(prometheus.NewRegistry()),
		AnalyzeTimeout:     5 * time.Second,
		AnonymousSubmitter: "anonymous",
	})
	return &testEnv{pipeline: p, store: st, emitter: emitter, ledger: lg, blobs: blobs}
}

// waitForTerminal blocks until the job's terminal frame was emitted, then
// returns the persisted record. Waiting on the frame rather than the row means
// callers can assert on the full frame sequence without racing the emitter.
func waitForTerminal(t *testing.T, env *testEnv, jobID string) *models.ReceiptJob {
	t.Helper()
	require.Eventually(t, func() bool {
		frames := env.emitter.framesFor(jobID)
		if len(frames) == 0 {
			return false
		}
		last := frames[len(frames)-1].Type
		return last == models.FrameComplete || last == models.FrameError
	}, 5*time.Second, 10*time.Millisecond, "job never emitted a terminal frame")

	job, err := env.pipeline.Get(jobID)
	require.NoError(t, err)
	return job
}

// assertStreamInvariants checks progress monotonicity and the single-terminal
// guarantee for one job's frame sequence.
func assertStreamInvariants(t *testing.T, frames []models.ProgressUpdate) {
	t.Helper()
	require.NotEmpty(t, frames)
	terminals := 0
	lastPercent := -1.0
	for i, frame := range frames {
		assert.GreaterOrEqual(t, frame.Percent, lastPercent,
			"percent decreased at frame %d", i)
		lastPercent = frame.Percent
		if frame.Type == models.FrameComplete || frame.Type == models.FrameError {
			terminals++
			assert.Equal(t, len(frames)-1, i, "terminal frame is not last")
		}
	}
	assert.Equal(t, 1, terminals, "expected exactly one terminal frame")
}

func TestSubmitCompletesSuccessfully(t *testing.T) {
	an := &fakeAnalyzer{fn: func(ctx context.Context, jobID, imageURL string) (map[string]any, error) {
		return map[string]any{
			"ocrText":    "COFFEE 4.50\nTOTAL 4.50",
			"trustScore": 92.0,
			"verdict":    "authentic",
			"issues":     []any{},
			"forensicDetails": map[string]any{
				"manipulationScore": 0.02,
			},
		}, nil
	}}
	env := setup(t, an, &fakeLedger{})

	jobID, err := env.pipeline.Submit(context.Background(), "receipt.jpg", strings.NewReader("img"), "")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	// Submit must return while the job is still processing or just finished;
	// the record always exists immediately.
	job, err := env.pipeline.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, "anonymous", job.SubmitterID)

	job = waitForTerminal(t, env, jobID)
	assert.Equal(t, models.StatusCompleted, job.Status)
	require.NotNil(t, job.Summary)
	assert.Equal(t, 92.0, job.Summary.TrustScore)
	assert.Equal(t, "authentic", job.Summary.Verdict)
	assert.Empty(t, job.Error)
	assert.Nil(t, job.LedgerAnchor, "anchoring disabled, anchor must stay null")
	assert.Greater(t, job.ProcessingTimeMs, int64(0))

	frames := env.emitter.framesFor(jobID)
	assertStreamInvariants(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, models.FrameComplete, last.Type)
	require.NotNil(t, last.Record, "terminal frame must carry the final record")
	assert.Equal(t, models.StatusCompleted, last.Record.Status)
}

func TestAnalyzerTimeoutFailsJob(t *testing.T) {
	an := &fakeAnalyzer{fn: func(ctx context.Context, jobID, imageURL string) (map[string]any, error) {
		return nil, analyzer.ErrTimeout
	}}
	env := setup(t, an, &fakeLedger{})

	jobID, err := env.pipeline.Submit(context.Background(), "receipt.jpg", strings.NewReader("img"), "user-7")
	require.NoError(t, err)

	job := waitForTerminal(t, env, jobID)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "timed out")
	assert.Nil(t, job.Summary)

	frames := env.emitter.framesFor(jobID)
	assertStreamInvariants(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, models.FrameError, last.Type)
	assert.Equal(t, 15.0, last.Percent, "error frame must carry the last progress percent")
}

func TestAnalyzerRejectionSurfacesUpstreamMessage(t *testing.T) {
	an := &fakeAnalyzer{fn: func(ctx context.Context, jobID, imageURL string) (map[string]any, error) {
		return nil, &analyzer.RejectedError{StatusCode: 422, Message: "image too blurry to analyze"}
	}}
	env := setup(t, an, &fakeLedger{})

	jobID, err := env.pipeline.Submit(context.Background(), "receipt.jpg", strings.NewReader("img"), "")
	require.NoError(t, err)

	job := waitForTerminal(t, env, jobID)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, "image too blurry to analyze", job.Error)
}

func TestAnalyzerUnavailableMessage(t *testing.T) {
	an := &fakeAnalyzer{fn: func(ctx context.Context, jobID, imageURL string) (map[string]any, error) {
		return nil, fmt.Errorf("%w: connection refused", analyzer.ErrUnavailable)
	}}
	env := setup(t, an, &fakeLedger{})

	jobID, err := env.pipeline.Submit(context.Background(), "receipt.jpg", strings.NewReader("img"), "")
	require.NoError(t, err)

	job := waitForTerminal(t, env, jobID)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "temporarily unavailable")
}

func TestOversizedHeatmapGoesToSidecar(t *testing.T) {
	heatmap := strings.Repeat("x", 2<<20) // ~2 MB
	an := &fakeAnalyzer{fn: func(ctx context.Context, jobID, imageURL string) (map[string]any, error) {
		return map[string]any{
			"trustScore": 75.0,
			"verdict":    "suspicious",
			"heatmap":    heatmap,
		}, nil
	}}
	env := setup(t, an, &fakeLedger{})

	jobID, err := env.pipeline.Submit(context.Background(), "receipt.jpg", strings.NewReader("img"), "")
	require.NoError(t, err)

	job := waitForTerminal(t, env, jobID)
	require.Equal(t, models.StatusCompleted, job.Status)
	require.NotNil(t, job.Summary)
	assert.NotContains(t, job.Summary.Indicators, "heatmap")

	sidecar, err := env.store.GetSidecar(jobID)
	require.NoError(t, err)
	assert.Equal(t, heatmap, sidecar.Payload["heatmap"])
}

func TestUnsplittableOversizedResultFailsJob(t *testing.T) {
	an := &fakeAnalyzer{fn: func(ctx context.Context, jobID, imageURL string) (map[string]any, error) {
		return map[string]any{
			"ocrText": strings.Repeat("very long receipt ", 100_000),
		}, nil
	}}
	env := setup(t, an, &fakeLedger{})

	jobID, err := env.pipeline.Submit(context.Background(), "receipt.jpg", strings.NewReader("img"), "")
	require.NoError(t, err)

	job := waitForTerminal(t, env, jobID)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "size limit")
}

func TestAnchorFailureIsNonFatal(t *testing.T) {
	an := &fakeAnalyzer{fn: func(ctx context.Context, jobID, imageURL string) (map[string]any, error) {
		return map[string]any{"trustScore": 88.0, "verdict": "authentic"}, nil
	}}
	lg := &fakeLedger{enabled: true, err: errors.New("consensus node unreachable")}
	env := setup(t, an, lg)

	jobID, err := env.pipeline.Submit(context.Background(), "receipt.jpg", strings.NewReader("img"), "")
	require.NoError(t, err)

	job := waitForTerminal(t, env, jobID)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Empty(t, job.Error, "anchor failure must not be written into the job error")
	assert.Nil(t, job.LedgerAnchor)

	// The terminal frame is still "complete".
	frames := env.emitter.framesFor(jobID)
	assertStreamInvariants(t, frames)
	assert.Equal(t, models.FrameComplete, frames[len(frames)-1].Type)
}

func TestSuccessfulAnchoring(t *testing.T) {
	an := &fakeAnalyzer{fn: func(ctx context.Context, jobID, imageURL string) (map[string]any, error) {
		return map[string]any{"trustScore": 88.0, "verdict": "authentic"}, nil
	}}
	lg := &fakeLedger{enabled: true}
	env := setup(t, an, lg)

	jobID, err := env.pipeline.Submit(context.Background(), "receipt.jpg", strings.NewReader("img"), "")
	require.NoError(t, err)

	job := waitForTerminal(t, env, jobID)
	require.Equal(t, models.StatusCompleted, job.Status)
	require.NotNil(t, job.LedgerAnchor)
	assert.Equal(t, "tx-"+jobID, job.LedgerAnchor.TransactionID)
}

func TestPanicAfterPersistenceKeepsJobCompleted(t *testing.T) {
	an := &fakeAnalyzer{fn: func(ctx context.Context, jobID, imageURL string) (map[string]any, error) {
		return map[string]any{"trustScore": 88.0, "verdict": "authentic"}, nil
	}}
	env := setup(t, an, panickyLedger{})

	jobID, err := env.pipeline.Submit(context.Background(), "receipt.jpg", strings.NewReader("img"), "")
	require.NoError(t, err)

	// The ledger panics after the completed row is persisted. The job must
	// keep its persisted result and the stream must still end with "complete".
	job := waitForTerminal(t, env, jobID)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Empty(t, job.Error)
	require.NotNil(t, job.Summary)
	assert.Equal(t, 88.0, job.Summary.TrustScore)
	assert.Nil(t, job.LedgerAnchor)

	frames := env.emitter.framesFor(jobID)
	assertStreamInvariants(t, frames)
	assert.Equal(t, models.FrameComplete, frames[len(frames)-1].Type)
}

func TestAnchorJobIsIdempotent(t *testing.T) {
	an := &fakeAnalyzer{fn: func(ctx context.Context, jobID, imageURL string) (map[string]any, error) {
		return map[string]any{"trustScore": 88.0, "verdict": "authentic"}, nil
	}}
	lg := &fakeLedger{enabled: true}
	env := setup(t, an, lg)

	jobID, err := env.pipeline.Submit(context.Background(), "receipt.jpg", strings.NewReader("img"), "")
	require.NoError(t, err)
	waitForTerminal(t, env, jobID)
	require.Equal(t, 1, lg.callCount())

	// Re-anchoring an anchored job must not hit the ledger again.
	job, err := env.pipeline.AnchorJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.NotNil(t, job.LedgerAnchor)
	assert.Equal(t, 1, lg.callCount())
}

func TestAnchorJobRequiresCompletion(t *testing.T) {
	blocker := make(chan struct{})
	an := &fakeAnalyzer{fn: func(ctx context.Context, jobID, imageURL string) (map[string]any, error) {
		<-blocker
		return map[string]any{"trustScore": 1.0}, nil
	}}
	lg := &fakeLedger{enabled: true}
	env := setup(t, an, lg)

	jobID, err := env.pipeline.Submit(context.Background(), "receipt.jpg", strings.NewReader("img"), "")
	require.NoError(t, err)

	_, err = env.pipeline.AnchorJob(context.Background(), jobID)
	assert.ErrorIs(t, err, pipeline.ErrNotCompleted)
	close(blocker)
	waitForTerminal(t, env, jobID)
}

func TestRetryUnanchored(t *testing.T) {
	an := &fakeAnalyzer{fn: func(ctx context.Context, jobID, imageURL string) (map[string]any, error) {
		return map[string]any{"trustScore": 88.0, "verdict": "authentic"}, nil
	}}
	lg := &fakeLedger{enabled: true, err: errors.New("ledger down")}
	env := setup(t, an, lg)

	var ids []string
	for i := 0; i < 3; i++ {
		jobID, err := env.pipeline.Submit(context.Background(), "receipt.jpg", strings.NewReader("img"), "")
		require.NoError(t, err)
		ids = append(ids, jobID)
	}
	for _, id := range ids {
		job := waitForTerminal(t, env, id)
		require.Equal(t, models.StatusCompleted, job.Status)
		require.Nil(t, job.LedgerAnchor)
	}

	// Ledger recovers; the sweep anchors everything it finds.
	lg.mu.Lock()
	lg.err = nil
	lg.mu.Unlock()

	anchored, err := env.pipeline.RetryUnanchored(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 3, anchored)
	for _, id := range ids {
		job, err := env.pipeline.Get(id)
		require.NoError(t, err)
		assert.NotNil(t, job.LedgerAnchor)
	}
}

func TestIntakeFailureCreatesNoJob(t *testing.T) {
	an := &fakeAnalyzer{fn: func(ctx context.Context, jobID, imageURL string) (map[string]any, error) {
		t.Error("analyzer must not be called when intake fails")
		return nil, nil
	}}
	env := setup(t, an, &fakeLedger{})
	env.blobs.err = errors.New("disk full")

	_, err := env.pipeline.Submit(context.Background(), "receipt.jpg", strings.NewReader("img"), "")
	require.Error(t, err)

	counts, err := env.store.CountJobs()
	require.NoError(t, err)
	assert.Empty(t, counts, "no job row may exist after an intake failure")
}

func TestGetUnknownJob(t *testing.T) {
	env := setup(t, &fakeAnalyzer{}, &fakeLedger{})
	_, err := env.pipeline.Get("no-such-job")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentJobsKeepIndependentStreams(t *testing.T) {
	// Two jobs with different artificial delays; each stream must stay
	// monotonic with its own single terminal, regardless of interleaving.
	an := &fakeAnalyzer{fn: func(ctx context.Context, jobID, imageURL string) (map[string]any, error) {
		if strings.HasSuffix(imageURL, "slow.jpg") {
			time.Sleep(150 * time.Millisecond)
		} else {
			time.Sleep(10 * time.Millisecond)
		}
		return map[string]any{"trustScore": 50.0, "verdict": "authentic"}, nil
	}}
	env := setup(t, an, &fakeLedger{})

	slowID, err := env.pipeline.Submit(context.Background(), "slow.jpg", strings.NewReader("a"), "")
	require.NoError(t, err)
	fastID, err := env.pipeline.Submit(context.Background(), "fast.jpg", strings.NewReader("b"), "")
	require.NoError(t, err)

	waitForTerminal(t, env, slowID)
	waitForTerminal(t, env, fastID)

	assertStreamInvariants(t, env.emitter.framesFor(slowID))
	assertStreamInvariants(t, env.emitter.framesFor(fastID))
}
