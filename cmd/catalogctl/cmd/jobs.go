package cmd

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"catalog-ingest/internal/app"
	"catalog-ingest/internal/config"
	"catalog-ingest/internal/models"
	"catalog-ingest/internal/progress"
)

func Import(open Opener) *cobra.Command {
	var watch bool
	command := &cobra.Command{
		Use:          "import <file.csv>",
		Short:        "Upload a CSV file and queue its import",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
	}
	command.Flags().BoolVarP(&watch, "watch", "w", false, "follow progress until the job settles")

	command.RunE = func(cmd *cobra.Command, args []string) error {
		if !strings.EqualFold(filepath.Ext(args[0]), ".csv") {
			return fmt.Errorf("%s: only .csv files are accepted", args[0])
		}
		f, name, err := openFile(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		backend, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer backend.Close()

		job, err := backend.Import(cmd.Context(), name, f)
		if err != nil {
			return fmt.Errorf("import %s: %w", name, err)
		}
		cmd.Printf("Import job %d queued for %s\n", job.ID, name)
		if !watch {
			return nil
		}
		return follow(cmd, backend, job.ID)
	}
	return command
}

func Retry(open Opener) *cobra.Command {
	command := &cobra.Command{
		Use:          "retry <job-id>",
		Short:        "Re-run a failed or complete import over its stored file",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
	}
	command.RunE = func(cmd *cobra.Command, args []string) error {
		id, err := parseJobID(args[0])
		if err != nil {
			return err
		}
		backend, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer backend.Close()

		if _, err := backend.Retry(cmd.Context(), id); err != nil {
			return fmt.Errorf("retry import job %d: %w", id, err)
		}
		cmd.Printf("Import job %d requeued\n", id)
		return nil
	}
	return command
}

func Jobs(open Opener) *cobra.Command {
	var limit int
	command := &cobra.Command{
		Use:          "jobs",
		Short:        "List recent import jobs",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
	}
	command.Flags().IntVar(&limit, "limit", 20, "number of jobs to show")

	command.RunE = func(cmd *cobra.Command, _ []string) error {
		if limit <= 0 || limit > 200 {
			return fmt.Errorf("limit must be between 1 and 200")
		}
		backend, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer backend.Close()

		jobs, err := backend.Jobs(cmd.Context(), limit)
		if err != nil {
			return err
		}
		cmd.Printf("%-8s %-10s %-20s %s\n", "ID", "STATUS", "ROWS", "FILE")
		for _, job := range jobs {
			cmd.Printf("%-8d %-10s %-20s %s\n", job.ID, job.Status, rows(job), deref(job.OriginalFilename))
		}
		return nil
	}
	return command
}

func Watch(open Opener) *cobra.Command {
	command := &cobra.Command{
		Use:          "watch <job-id>",
		Short:        "Follow the progress of an import job",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
	}
	command.RunE = func(cmd *cobra.Command, args []string) error {
		id, err := parseJobID(args[0])
		if err != nil {
			return err
		}
		backend, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer backend.Close()
		return follow(cmd, backend, id)
	}
	return command
}

func Migrate() *cobra.Command {
	return &cobra.Command{
		Use:          "migrate",
		Short:        "Apply database migrations",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// app.Open applies migrations before returning.
			rt, err := app.Open(cmd.Context(), config.Load())
			if err != nil {
				return err
			}
			rt.Close()
			cmd.Println("Migrations applied")
			return nil
		},
	}
}

// follow prints progress until a terminal message. A failed import is reported as an error.
func follow(cmd *cobra.Command, backend Backend, id int64) error {
	var final models.ProgressMessage
	show := func(msg models.ProgressMessage) error {
		final = msg
		cmd.Printf("[%d] %s %s\n", id, msg.Status, msg.Message)
		return nil
	}

	job, err := backend.Job(cmd.Context(), id)
	if err != nil {
		return err
	}
	if models.IsTerminal(job.Status) {
		_ = show(progress.Snapshot(job))
	} else if err := backend.Watch(cmd.Context(), id, show); err != nil {
		return err
	}
	if final.Status == models.ImportFailed {
		return fmt.Errorf("import job %d failed: %s", id, final.Message)
	}
	return nil
}

func parseJobID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", s)
	}
	return id, nil
}

func rows(job models.ImportJob) string {
	if job.TotalRows == nil {
		return strconv.FormatInt(job.ProcessedRows, 10)
	}
	return fmt.Sprintf("%d/%d", job.ProcessedRows, *job.TotalRows)
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
