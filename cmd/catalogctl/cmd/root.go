// Package cmd holds the catalogctl commands.
package cmd

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"catalog-ingest/internal/app"
	"catalog-ingest/internal/config"
	"catalog-ingest/internal/logging"
	"catalog-ingest/internal/models"
	"catalog-ingest/internal/progress"
)

// Backend is what the commands operate on.
type Backend interface {
	Import(ctx context.Context, filename string, body io.Reader) (models.ImportJob, error)
	Job(ctx context.Context, id int64) (models.ImportJob, error)
	Retry(ctx context.Context, id int64) (models.ImportJob, error)
	Jobs(ctx context.Context, limit int) ([]models.ImportJob, error)
	Watch(ctx context.Context, id int64, fn func(models.ProgressMessage) error) error
	Close()
}

// Opener connects a Backend. Commands call it lazily so --help needs no services.
type Opener func(ctx context.Context) (Backend, error)

// RootCmd builds catalogctl against the configured services.
func RootCmd() *cobra.Command {
	return NewRootCmd(openRuntime)
}

// NewRootCmd builds catalogctl around open.
func NewRootCmd(open Opener) *cobra.Command {
	root := &cobra.Command{
		Use:   "catalogctl",
		Short: "Operate catalog CSV imports",
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			cfg := config.Load()
			logging.Configure(cfg.LogLevel, cfg.LogFormat)
		},
	}
	root.AddCommand(
		Import(open),
		Retry(open),
		Jobs(open),
		Watch(open),
		Migrate(),
	)
	return root
}

type runtimeBackend struct {
	rt      *app.Runtime
	watcher *progress.Watcher
}

func openRuntime(ctx context.Context) (Backend, error) {
	cfg := config.Load()
	rt, err := app.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &runtimeBackend{rt: rt, watcher: progress.NewWatcher(rt.Progress, cfg.ProgressPollInterval, rt.Jobs)}, nil
}

func (b *runtimeBackend) Import(ctx context.Context, filename string, body io.Reader) (models.ImportJob, error) {
	return b.rt.Jobs.Submit(ctx, filename, body)
}

func (b *runtimeBackend) Job(ctx context.Context, id int64) (models.ImportJob, error) {
	return b.rt.Jobs.Get(ctx, id)
}

func (b *runtimeBackend) Retry(ctx context.Context, id int64) (models.ImportJob, error) {
	return b.rt.Jobs.Retry(ctx, id)
}

func (b *runtimeBackend) Jobs(ctx context.Context, limit int) ([]models.ImportJob, error) {
	return b.rt.Store.ListImportJobs(ctx, limit)
}

func (b *runtimeBackend) Watch(ctx context.Context, id int64, fn func(models.ProgressMessage) error) error {
	return b.watcher.Watch(ctx, id, fn)
}

func (b *runtimeBackend) Close() { b.rt.Close() }

func openFile(path string) (*os.File, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	return f, filepath.Base(path), nil
}
