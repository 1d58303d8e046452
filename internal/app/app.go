// Package app assembles the extraction runtime from a workspace config.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	"deliverline/internal/config"
	"deliverline/internal/db"
	"deliverline/internal/deliverable"
	"deliverline/internal/events"
	"deliverline/internal/extract"
	"deliverline/internal/logging"
	"deliverline/internal/migrate"
	"deliverline/internal/normalize"
	"deliverline/internal/pipeline"
	"deliverline/internal/workflow"
)

// Runtime holds the wired components shared by the CLI and the server.
type Runtime struct {
	Config     *config.Config
	Shape      *deliverable.Shape
	Client     *extract.Client
	Normalizer normalize.Normalizer
	Pipeline   *pipeline.Pipeline
}

// Build resolves the generator, shape, and normalizer policy from cfg.
// Relative fixture paths are resolved against workspace.
func Build(ctx context.Context, workspace string, cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	shape, err := deliverable.NewShape()
	if err != nil {
		return nil, fmt.Errorf("build target schema: %w", err)
	}
	gen, err := NewGenerator(ctx, workspace, cfg)
	if err != nil {
		return nil, err
	}
	policy, err := normalize.ParsePolicy(cfg.Normalize.Policy)
	if err != nil {
		return nil, err
	}
	client := extract.New(gen, shape)
	client.Logger = logging.New("extract")
	n := normalize.Normalizer{Policy: policy, Logger: logging.New("normalize")}
	p := pipeline.New(client, n)
	p.Logger = logging.New("pipeline")
	return &Runtime{
		Config:     cfg,
		Shape:      shape,
		Client:     client,
		Normalizer: n,
		Pipeline:   p,
	}, nil
}

// NewGenerator returns the model backend named by model.provider.
func NewGenerator(ctx context.Context, workspace string, cfg *config.Config) (extract.Generator, error) {
	switch cfg.Model.Provider {
	case "replay":
		path := cfg.Model.Fixture
		if !filepath.IsAbs(path) && workspace != "" {
			path = filepath.Join(workspace, path)
		}
		return extract.LoadReplay(path)
	case "googleai", "":
		key := cfg.APIKey()
		if strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("model api key not set: export %s or add it to .env", cfg.Model.APIKeyEnv)
		}
		return extract.NewGoogleAI(ctx, extract.GoogleAIConfig{
			Model:       cfg.Model.Name,
			APIKey:      key,
			Temperature: cfg.Model.Temperature,
		})
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}
}

// Workflow returns the two-stage extract/normalize graph over the runtime's
// components.
func (r *Runtime) Workflow() (*workflow.Runnable, error) {
	wf, err := workflow.Deliverables(r.Client, r.Normalizer)
	if err != nil {
		return nil, err
	}
	wf.Logger = logging.New("workflow")
	return wf, nil
}

// OpenJournal opens and migrates the workspace journal.
func OpenJournal(ctx context.Context, workspace string) (*sql.DB, *events.Writer, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate journal: %w", err)
	}
	version, err := migrate.Version(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("journal schema version: %w", err)
	}
	logging.New("journal").Debug("journal ready", "path", db.Path(workspace), "schema_version", version)
	return conn, &events.Writer{DB: conn}, nil
}
