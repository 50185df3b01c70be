package store

import (
	"context"
	"embed"
	"fmt"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"
)

// migrationFiles holds the schema in apply order: 0001 creates the task queue tables and audit
// log, 0002 the catalog (products keyed by normalized SKU, import jobs, webhook subscriptions).
//
//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrationLockKey is the advisory lock shared by every process that migrates this schema.
const migrationLockKey int64 = 0x63617461 // "cata"

// RunMigrations applies the embedded schema files in name order. The api, worker and catalogctl
// all migrate on startup, so the files run on one connection under an advisory lock; each file
// must stay idempotent.
func (s *Store) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("lock schema: %w", err)
	}
	defer func() {
		if _, err := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			log.WithError(err).Warn("unlock schema")
		}
	}()

	applied := 0
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		content, err := migrationFiles.ReadFile(path.Join("migrations", e.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		stmt := strings.TrimSpace(string(content))
		if stmt == "" {
			continue
		}
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema file %s: %w", e.Name(), err)
		}
		applied++
		log.WithField("file", e.Name()).Debug("schema file applied")
	}
	log.WithField("files", applied).Info("catalog schema up to date")
	return nil
}
