package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"catalog-ingest/internal/models"
)

// newTestStore connects to POSTGRES_TEST_DSN and empties the catalog tables.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	st, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))
	_, err = st.pool.Exec(ctx, `TRUNCATE products, import_jobs, webhooks RESTART IDENTITY`)
	require.NoError(t, err)
	return st
}

func ptr[T any](v T) *T { return &v }

func row(pos int, sku, name string, price int64) models.ProductRow {
	return models.ProductRow{SKU: sku, Name: name, PriceCents: &price, Position: pos}
}

func TestStagingMergeLastOccurrenceWins(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	stg, err := st.OpenStaging(ctx, 1)
	require.NoError(t, err)
	defer stg.Close(ctx)

	_, err = stg.Merge(ctx, []models.ProductRow{
		row(0, "ABC-1", "first", 100),
		row(1, "xyz", "other", 50),
		row(2, "abc-1", "second", 200),
	})
	require.NoError(t, err)
	_, err = stg.Merge(ctx, []models.ProductRow{row(0, " Abc-1 ", "third", 300)})
	require.NoError(t, err)

	total, active, err := st.CountProducts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, int64(2), active)

	items, _, err := st.ListProducts(ctx, ProductFilter{SKU: "ABC-1", PerPage: 10})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "third", items[0].Name)
	assert.Equal(t, int64(300), *items[0].PriceCents)
	assert.Equal(t, "abc-1", items[0].SKUNormalized)

	require.NoError(t, stg.Close(ctx))
	require.NoError(t, stg.Close(ctx))
}

func TestStagingMergeKeepsActiveFlag(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p, err := st.UpsertProduct(ctx, ProductInput{SKU: "SKU-9", Name: "manual", Active: false})
	require.NoError(t, err)

	stg, err := st.OpenStaging(ctx, 2)
	require.NoError(t, err)
	defer stg.Close(ctx)
	_, err = stg.Merge(ctx, []models.ProductRow{row(0, "sku-9", "imported", 10)})
	require.NoError(t, err)

	got, err := st.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "imported", got.Name)
	assert.False(t, got.Active)
	assert.Equal(t, p.CreatedAt.Unix(), got.CreatedAt.Unix())
}

func TestConcurrentMigrationsSerialize(t *testing.T) {
	st := newTestStore(t)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 4; i++ {
		g.Go(func() error { return st.RunMigrations(ctx) })
	}
	require.NoError(t, g.Wait())

	var locks int
	require.NoError(t, st.pool.QueryRow(context.Background(),
		`SELECT count(*) FROM pg_locks WHERE locktype = 'advisory' AND objid::bigint = $1`, migrationLockKey).Scan(&locks))
	assert.Zero(t, locks, "the schema lock is released")
}

func stagingExists(t *testing.T, st *Store, name string) bool {
	t.Helper()
	var ok bool
	err := st.pool.QueryRow(context.Background(),
		`SELECT EXISTS (SELECT 1 FROM pg_tables WHERE schemaname = current_schema() AND tablename = $1)`, name).Scan(&ok)
	require.NoError(t, err)
	return ok
}

func TestOpenStagingDropsTablesLeftByEarlierRun(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	crashed, err := st.OpenStaging(ctx, 31)
	require.NoError(t, err)
	other, err := st.OpenStaging(ctx, 310)
	require.NoError(t, err)
	defer other.Close(ctx)

	next, err := st.OpenStaging(ctx, 31)
	require.NoError(t, err)
	defer next.Close(ctx)

	assert.False(t, stagingExists(t, st, crashed.Name()))
	assert.True(t, stagingExists(t, st, other.Name()), "another job's table is left alone")
	assert.True(t, stagingExists(t, st, next.Name()))
}

func TestImportJobTransitions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job, err := st.CreateImportJob(ctx, ptr("catalog.csv"))
	require.NoError(t, err)
	assert.Equal(t, models.ImportQueued, job.Status)

	require.NoError(t, st.UpdateImportJob(ctx, job.ID, models.ImportJobUpdate{Status: ptr(models.ImportRunning), Total: ptr(int64(10))}))
	require.NoError(t, st.UpdateImportJob(ctx, job.ID, models.ImportJobUpdate{Processed: ptr(int64(8))}))
	require.NoError(t, st.UpdateImportJob(ctx, job.ID, models.ImportJobUpdate{Processed: ptr(int64(5))}))

	got, err := st.GetImportJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), got.ProcessedRows)

	require.NoError(t, st.UpdateImportJob(ctx, job.ID, models.ImportJobUpdate{Status: ptr(models.ImportComplete), Processed: ptr(int64(10))}))
	err = st.UpdateImportJob(ctx, job.ID, models.ImportJobUpdate{Status: ptr(models.ImportRunning)})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	err = st.UpdateImportJob(ctx, 9999, models.ImportJobUpdate{Status: ptr(models.ImportRunning)})
	assert.ErrorIs(t, err, ErrNotFound)

	reset, err := st.ResetImportJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ImportQueued, reset.Status)
	assert.Zero(t, reset.ProcessedRows)
	_, err = st.ResetImportJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	counts, err := st.CountImportJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{models.ImportQueued: 1}, counts)
}

func TestUpdateProductConflict(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.UpsertProduct(ctx, ProductInput{SKU: "A", Name: "a", Active: true})
	require.NoError(t, err)
	b, err := st.UpsertProduct(ctx, ProductInput{SKU: "B", Name: "b", Active: true})
	require.NoError(t, err)

	_, err = st.UpdateProduct(ctx, b.ID, ProductInput{SKU: "a", Name: "b", Active: true})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestListEnabledWebhooksMatchesEventExactly(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.CreateWebhook(ctx, WebhookInput{URL: "http://a", Event: models.EventImportCompleted, Enabled: true})
	require.NoError(t, err)
	_, err = st.CreateWebhook(ctx, WebhookInput{URL: "http://b", Event: models.EventImportCompleted, Enabled: false})
	require.NoError(t, err)
	_, err = st.CreateWebhook(ctx, WebhookInput{URL: "http://c", Event: "import.*", Enabled: true})
	require.NoError(t, err)

	hooks, err := st.ListEnabledWebhooks(ctx, models.EventImportCompleted)
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, "http://a", hooks[0].URL)
}
