package app

import (
	"path/filepath"

	"vidbatch/internal/config"
	"vidbatch/internal/infra/docstore"
	"vidbatch/internal/infra/download"
	"vidbatch/internal/infra/httpx"
	"vidbatch/internal/infra/taskstore"
	"vidbatch/internal/infra/videoapi"
	"vidbatch/internal/usecase"
)

// App holds the collaborators shared by the api, worker and batch commands.
type App struct {
	Docs         *docstore.Store
	Tasks        *taskstore.Store
	Orchestrator *usecase.Orchestrator
}

func New(cfg *config.Config) *App {
	docs := docstore.New(cfg.Store.DataDir)
	tasks := taskstore.New(docs)

	client := httpx.New(cfg.HTTP.Timeout, cfg.HTTP.MaxAttempts)
	orch := usecase.NewOrchestrator(
		tasks,
		taskstore.NewSettings(docs),
		videoapi.New(client, cfg.Video.BaseURL),
		download.New(client, filepath.Clean(cfg.Store.PublicDir)),
		usecase.OrchestratorConfig{
			APIKeyOverride:  cfg.Video.APIKey,
			Model:           cfg.Video.Model,
			PollInterval:    cfg.Video.PollInterval,
			PollMaxAttempts: cfg.Video.PollMaxAttempts,
		},
	)

	return &App{Docs: docs, Tasks: tasks, Orchestrator: orch}
}
