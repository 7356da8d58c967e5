// A shared test server setup utility, which simplifies all API tests.

package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/scanproof/scanproof-go/internal/api"
	"github.com/scanproof/scanproof-go/internal/blob"
	"github.com/scanproof/scanproof-go/internal/config"
	"github.com/scanproof/scanproof-go/internal/core"
	"github.com/scanproof/scanproof-go/internal/metrics"
	"github.com/scanproof/scanproof-go/internal/models"
	"github.com/scanproof/scanproof-go/internal/pipeline"
	"github.com/scanproof/scanproof-go/internal/store"
	"github.com/scanproof/scanproof-go/internal/websocket"
)

// StubAnalyzer scripts the analyzer collaborator in tests.
type StubAnalyzer struct {
	Fn func(ctx context.Context, jobID, imageURL string) (map[string]any, error)
}

func (s *StubAnalyzer) Analyze(ctx context.Context, jobID, imageURL string) (map[string]any, error) {
	if s.Fn != nil {
		return s.Fn(ctx, jobID, imageURL)
	}
	return map[string]any{
		"ocrText":    "TOTAL 12.99",
		"trustScore": 92.0,
		"verdict":    "authentic",
		"issues":     []any{},
	}, nil
}

// StubLedger scripts the ledger collaborator in tests.
type StubLedger struct {
	Disabled bool
	Err      error
}

func (s *StubLedger) Enabled() bool { return !s.Disabled }

func (s *StubLedger) Anchor(ctx context.Context, entityID string, payload any) (*models.LedgerAnchor, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return &models.LedgerAnchor{
		TransactionID:      "tx-" + entityID,
		ConsensusTimestamp: "1700000000.000000001",
		ExplorerURL:        "https://explorer.example/tx-" + entityID,
	}, nil
}

// SetupTestApp initializes a full core.App with an in-memory database and the
// given collaborator fakes.
func SetupTestApp(t *testing.T, an pipeline.Analyzer, lg pipeline.Anchorer) *core.App {
	t.Helper()
	db := SetupTestDB(t)

	cfg := &config.Config{AnonymousSubmitter: "anonymous"}
	cfg.Uploads.Path = t.TempDir()

	hub := websocket.NewHub()
	go hub.Run()

	blobs, err := blob.NewDiskStore(cfg.Uploads.Path)
	if err != nil {
		t.Fatalf("Failed to create blob store: %v", err)
	}

	st := store.New(db)
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	pipe := pipeline.New(pipeline.Deps{
		Store:              st,
		Blobs:              blobs,
		Analyzer:           an,
		Ledger:             lg,
		Emitter:            hub,
		Metrics:            m,
		AnalyzeTimeout:     5 * time.Second,
		AnonymousSubmitter: cfg.AnonymousSubmitter,
	})

	return core.NewFromParts(cfg, db, hub, st, pipe, m, "test")
}

// SetupTestServer initializes a full core.App and api.Server for integration
// testing.
func SetupTestServer(t *testing.T, an pipeline.Analyzer, lg pipeline.Anchorer) (*api.Server, *core.App) {
	t.Helper()
	app := SetupTestApp(t, an, lg)
	return api.NewServer(app), app
}
