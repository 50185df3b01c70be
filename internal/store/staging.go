package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"catalog-ingest/internal/models"
)

var stagingColumns = []string{"position", "sku", "sku_normalized", "name", "description", "price_cents"}

// Staging is a bulk-load table owned by exactly one import run.
type Staging struct {
	pool  *pgxpool.Pool
	table pgx.Identifier
}

// OpenStaging creates an unlogged staging table whose name is unique to this job run.
// Tables left behind by earlier runs of the same job are dropped first.
func (s *Store) OpenStaging(ctx context.Context, jobID int64) (*Staging, error) {
	if err := s.dropStaleStaging(ctx, jobID); err != nil {
		return nil, err
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	table := pgx.Identifier{fmt.Sprintf("staging_products_%d_%s", jobID, suffix)}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE UNLOGGED TABLE %s (
			position integer NOT NULL,
			sku text NOT NULL,
			sku_normalized text NOT NULL,
			name text NOT NULL,
			description text,
			price_cents bigint
		)`, table.Sanitize()))
	if err != nil {
		return nil, fmt.Errorf("create staging table: %w", err)
	}
	return &Staging{pool: s.pool, table: table}, nil
}

// dropStaleStaging removes staging tables of a job whose run died before Close.
func (s *Store) dropStaleStaging(ctx context.Context, jobID int64) error {
	rows, err := s.pool.Query(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = current_schema() AND tablename ~ $1`,
		fmt.Sprintf("^staging_products_%d_[0-9a-f]{8}$", jobID))
	if err != nil {
		return fmt.Errorf("list stale staging tables: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("list stale staging tables: %w", err)
	}
	for _, name := range names {
		if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+pgx.Identifier{name}.Sanitize()); err != nil {
			return fmt.Errorf("drop stale staging table %s: %w", name, err)
		}
		log.WithFields(log.Fields{"job_id": jobID, "table": name}).Warn("dropped staging table left by an earlier run")
	}
	return nil
}

// Name returns the staging table name.
func (st *Staging) Name() string {
	return st.table[0]
}

// Merge copies one batch into the staging table and upserts it into products in a single transaction.
// For a SKU repeated inside the batch the row with the highest Position wins. created_at and active
// of existing products are left untouched. The staging table is empty again once Merge returns nil.
func (st *Staging) Merge(ctx context.Context, rows []models.ProductRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := st.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `SET LOCAL synchronous_commit = off`); err != nil {
		return 0, fmt.Errorf("relax commit: %w", err)
	}

	n, err := tx.CopyFrom(ctx, st.table, stagingColumns, pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		r := rows[i]
		return []any{r.Position, r.SKU, normalizeSKU(r.SKU), r.Name, r.Description, r.PriceCents}, nil
	}))
	if err != nil {
		return 0, fmt.Errorf("copy into staging: %w", err)
	}
	if n != int64(len(rows)) {
		return 0, fmt.Errorf("copy into staging: only %d out of %d rows were written", n, len(rows))
	}

	table := st.table.Sanitize()
	tag, err := tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO products (sku, sku_normalized, name, description, price_cents, active, created_at, updated_at)
		SELECT sku, sku_normalized, name, description, price_cents, TRUE, NOW(), NOW()
		FROM (
			SELECT DISTINCT ON (sku_normalized) sku, sku_normalized, name, description, price_cents
			FROM %s
			ORDER BY sku_normalized, position DESC
		) latest
		ON CONFLICT (sku_normalized) DO UPDATE
		SET sku = EXCLUDED.sku,
		    name = EXCLUDED.name,
		    description = EXCLUDED.description,
		    price_cents = EXCLUDED.price_cents,
		    updated_at = NOW()`, table))
	if err != nil {
		return 0, fmt.Errorf("merge staging: %w", err)
	}

	if _, err := tx.Exec(ctx, `TRUNCATE `+table); err != nil {
		return 0, fmt.Errorf("truncate staging: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close drops the staging table. It is safe to call more than once.
func (st *Staging) Close(ctx context.Context) error {
	if _, err := st.pool.Exec(ctx, `DROP TABLE IF EXISTS `+st.table.Sanitize()); err != nil {
		return fmt.Errorf("drop staging table %s: %w", st.Name(), err)
	}
	return nil
}
