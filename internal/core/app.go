package core

import (
	"database/sql"
	"embed"
	"fmt"
	"log"
	"time"

	"github.com/scanproof/scanproof-go/internal/analyzer"
	"github.com/scanproof/scanproof-go/internal/blob"
	"github.com/scanproof/scanproof-go/internal/config"
	"github.com/scanproof/scanproof-go/internal/db"
	"github.com/scanproof/scanproof-go/internal/jobs"
	"github.com/scanproof/scanproof-go/internal/ledger"
	"github.com/scanproof/scanproof-go/internal/metrics"
	"github.com/scanproof/scanproof-go/internal/pipeline"
	"github.com/scanproof/scanproof-go/internal/store"
	"github.com/scanproof/scanproof-go/internal/websocket"
)

// App holds the core components of the application shared between the server
// and the background jobs. It implements jobs.JobContext.
type App struct {
	config     *config.Config
	db         *sql.DB
	wsHub      *websocket.Hub
	store      *store.Store
	pipeline   *pipeline.Pipeline
	jobManager *jobs.JobManager
	metrics    *metrics.Metrics
	version    string
}

// New sets up and returns a new App instance. It handles loading the
// configuration, initializing the database connection, running migrations and
// wiring the verification pipeline.
func New(migrationsFS embed.FS, version string) (*App, error) {
	// Load configuration from config.yml
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize the database connection
	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Run database migrations
	if err := db.RunMigrations(database, migrationsFS); err != nil {
		// We can't proceed without a valid database schema.
		// Close the DB connection before failing.
		database.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	blobs, err := blob.NewDiskStore(cfg.Uploads.Path)
	if err != nil {
		database.Close()
		return nil, err
	}

	hub := websocket.NewHub()
	go hub.Run()

	st := store.New(database)
	m := metrics.New()
	pipe := pipeline.New(pipeline.Deps{
		Store:              st,
		Blobs:              blobs,
		Analyzer:           analyzer.New(cfg.Analyzer.URL, time.Duration(cfg.Analyzer.TimeoutMinutes)*time.Minute),
		Ledger:             ledger.New(cfg.Ledger.URL, 30*time.Second),
		Emitter:            hub,
		Metrics:            m,
		AnalyzeTimeout:     time.Duration(cfg.Analyzer.TimeoutMinutes) * time.Minute,
		AnonymousSubmitter: cfg.AnonymousSubmitter,
	})

	app := assemble(cfg, database, hub, st, pipe, m, version)
	log.Println("Core application setup complete.")
	return app, nil
}

// NewFromParts assembles an App from preconstructed components. Tests use it
// to inject fakes for the external collaborators.
func NewFromParts(cfg *config.Config, database *sql.DB, hub *websocket.Hub, st *store.Store, pipe *pipeline.Pipeline, m *metrics.Metrics, version string) *App {
	return assemble(cfg, database, hub, st, pipe, m, version)
}

func assemble(cfg *config.Config, database *sql.DB, hub *websocket.Hub, st *store.Store, pipe *pipeline.Pipeline, m *metrics.Metrics, version string) *App {
	app := &App{
		config:   cfg,
		db:       database,
		wsHub:    hub,
		store:    st,
		pipeline: pipe,
		metrics:  m,
		version:  version,
	}
	app.jobManager = jobs.NewManager(app)
	jobs.RegisterDefaults(app.jobManager)
	return app
}

func (a *App) Config() *config.Config       { return a.config }
func (a *App) DB() *sql.DB                  { return a.db }
func (a *App) WsHub() *websocket.Hub        { return a.wsHub }
func (a *App) Store() *store.Store          { return a.store }
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }
func (a *App) JobManager() *jobs.JobManager { return a.jobManager }
func (a *App) Metrics() *metrics.Metrics    { return a.metrics }
func (a *App) Version() string              { return a.version }

// Close gracefully closes the application's resources, like the DB connection.
func (a *App) Close() {
	if a.db != nil {
		a.db.Close()
	}
}
