package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-ingest/internal/models"
	"catalog-ingest/internal/store"
)

type memStore struct {
	jobs   map[int64]*models.ImportJob
	nextID int64
}

func newMemStore() *memStore {
	return &memStore{jobs: map[int64]*models.ImportJob{}}
}

func (m *memStore) CreateImportJob(_ context.Context, name *string) (models.ImportJob, error) {
	m.nextID++
	job := &models.ImportJob{ID: m.nextID, Status: models.ImportQueued, OriginalFilename: name}
	m.jobs[job.ID] = job
	return *job, nil
}

func (m *memStore) GetImportJob(_ context.Context, id int64) (models.ImportJob, error) {
	job, ok := m.jobs[id]
	if !ok {
		return models.ImportJob{}, fmt.Errorf("import job %d: %w", id, store.ErrNotFound)
	}
	return *job, nil
}

func (m *memStore) UpdateImportJob(_ context.Context, id int64, u models.ImportJobUpdate) error {
	job, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if u.Status != nil {
		if !models.CanTransition(job.Status, *u.Status) {
			return store.ErrInvalidTransition
		}
		job.Status = *u.Status
	}
	if u.Processed != nil && *u.Processed > job.ProcessedRows {
		job.ProcessedRows = *u.Processed
	}
	if u.Total != nil {
		job.TotalRows = u.Total
	}
	if u.Error != nil {
		job.Error = u.Error
	}
	if u.FilePath != nil {
		job.FilePath = u.FilePath
	}
	return nil
}

func (m *memStore) ResetImportJob(_ context.Context, id int64) (models.ImportJob, error) {
	job, ok := m.jobs[id]
	if !ok {
		return models.ImportJob{}, store.ErrNotFound
	}
	if !models.IsTerminal(job.Status) {
		return models.ImportJob{}, store.ErrInvalidTransition
	}
	job.Status, job.ProcessedRows, job.Error = models.ImportQueued, 0, nil
	return *job, nil
}

type fakeFiles map[string]bool

var errDiskFull = errors.New("disk full")

func (f fakeFiles) Save(_ context.Context, name string, r io.Reader) (string, int64, error) {
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return "", 0, err
	}
	if name == "full.csv" {
		return "", 0, errDiskFull
	}
	path := "/uploads/" + name
	f[path] = true
	return path, n, nil
}

func (f fakeFiles) Exists(_ context.Context, path string) (bool, error) {
	return f[path], nil
}

type fakeSubmitter struct {
	calls []int64
	err   error
}

func (f *fakeSubmitter) SubmitImport(_ context.Context, _ string, jobID int64) (models.Task, error) {
	if f.err != nil {
		return models.Task{}, f.err
	}
	f.calls = append(f.calls, jobID)
	return models.Task{ID: "t"}, nil
}

func ptr[T any](v T) *T { return &v }

func seedJob(t *testing.T, st *memStore, status, path string) int64 {
	t.Helper()
	job, err := st.CreateImportJob(context.Background(), ptr("catalog.csv"))
	require.NoError(t, err)
	j := st.jobs[job.ID]
	j.Status = status
	j.ProcessedRows = 40
	j.TotalRows = ptr(int64(40))
	j.Error = ptr("previous error")
	if path != "" {
		j.FilePath = ptr(path)
	}
	return job.ID
}

func TestCreateStartsQueued(t *testing.T) {
	m := NewManager(newMemStore(), fakeFiles{}, &fakeSubmitter{}, nil)
	job, err := m.Create(context.Background(), ptr("catalog.csv"))
	require.NoError(t, err)
	assert.Equal(t, models.ImportQueued, job.Status)
	assert.Zero(t, job.ProcessedRows)
	assert.Nil(t, job.TotalRows)
}

func TestUpdateOfMissingJobIsNoop(t *testing.T) {
	m := NewManager(newMemStore(), fakeFiles{}, &fakeSubmitter{}, nil)
	err := m.Update(context.Background(), 999, models.ImportJobUpdate{Processed: ptr(int64(10))})
	assert.NoError(t, err)
}

func TestUpdateRejectsBackwardsTransition(t *testing.T) {
	st := newMemStore()
	m := NewManager(st, fakeFiles{}, &fakeSubmitter{}, nil)
	id := seedJob(t, st, models.ImportComplete, "/f.csv")

	err := m.Update(context.Background(), id, models.ImportJobUpdate{Status: ptr(models.ImportRunning)})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestRetry(t *testing.T) {
	tests := []struct {
		name    string
		status  string
		path    string
		files   fakeFiles
		wantErr error
	}{
		{name: "running job", status: models.ImportRunning, path: "/f.csv", files: fakeFiles{"/f.csv": true}, wantErr: ErrNotRetryable},
		{name: "queued job", status: models.ImportQueued, path: "/f.csv", files: fakeFiles{"/f.csv": true}, wantErr: ErrNotRetryable},
		{name: "failed job with deleted file", status: models.ImportFailed, path: "/f.csv", files: fakeFiles{}, wantErr: ErrFileMissing},
		{name: "failed job without path", status: models.ImportFailed, files: fakeFiles{}, wantErr: ErrFileMissing},
		{name: "failed job", status: models.ImportFailed, path: "/f.csv", files: fakeFiles{"/f.csv": true}},
		{name: "complete job with file", status: models.ImportComplete, path: "/f.csv", files: fakeFiles{"/f.csv": true}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := newMemStore()
			sub := &fakeSubmitter{}
			m := NewManager(st, tc.files, sub, nil)
			id := seedJob(t, st, tc.status, tc.path)

			job, err := m.Retry(context.Background(), id)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Empty(t, sub.calls)
				assert.Equal(t, tc.status, st.jobs[id].Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, id, job.ID)
			assert.Equal(t, models.ImportQueued, st.jobs[id].Status)
			assert.Zero(t, st.jobs[id].ProcessedRows)
			assert.Nil(t, st.jobs[id].Error)
			assert.Equal(t, []int64{id}, sub.calls)
		})
	}
}

func TestRetryUnknownJob(t *testing.T) {
	m := NewManager(newMemStore(), fakeFiles{}, &fakeSubmitter{}, nil)
	_, err := m.Retry(context.Background(), 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetryRecordsResubmitFailure(t *testing.T) {
	st := newMemStore()
	m := NewManager(st, fakeFiles{"/f.csv": true}, &fakeSubmitter{err: errors.New("queue down")}, nil)
	id := seedJob(t, st, models.ImportFailed, "/f.csv")

	_, err := m.Retry(context.Background(), id)
	require.Error(t, err)
	assert.Equal(t, models.ImportFailed, st.jobs[id].Status)
	require.NotNil(t, st.jobs[id].Error)
	assert.Contains(t, *st.jobs[id].Error, "queue down")
}

func TestSubmitStoresFileAndQueuesImport(t *testing.T) {
	st := newMemStore()
	files := fakeFiles{}
	sub := &fakeSubmitter{}
	m := NewManager(st, files, sub, nil)

	job, err := m.Submit(context.Background(), "catalog.csv", strings.NewReader("sku,name\nA,B\n"))
	require.NoError(t, err)
	require.NotNil(t, job.FilePath)
	assert.Equal(t, "/uploads/catalog.csv", *job.FilePath)
	assert.True(t, files["/uploads/catalog.csv"])
	assert.Equal(t, models.ImportQueued, st.jobs[job.ID].Status)
	assert.Equal(t, job.FilePath, st.jobs[job.ID].FilePath)
	assert.Equal(t, []int64{job.ID}, sub.calls)
}

func TestSubmitFailures(t *testing.T) {
	t.Run("save fails", func(t *testing.T) {
		st := newMemStore()
		sub := &fakeSubmitter{}
		m := NewManager(st, fakeFiles{}, sub, nil)

		_, err := m.Submit(context.Background(), "full.csv", strings.NewReader("x"))
		assert.ErrorIs(t, err, errDiskFull)
		assert.Equal(t, models.ImportFailed, st.jobs[1].Status)
		assert.Contains(t, *st.jobs[1].Error, "upload failed")
		assert.Empty(t, sub.calls)
	})
	t.Run("submit fails", func(t *testing.T) {
		st := newMemStore()
		m := NewManager(st, fakeFiles{}, &fakeSubmitter{err: errors.New("queue down")}, nil)

		_, err := m.Submit(context.Background(), "catalog.csv", strings.NewReader("x"))
		require.Error(t, err)
		assert.Equal(t, models.ImportFailed, st.jobs[1].Status)
		assert.Equal(t, ptr("/uploads/catalog.csv"), st.jobs[1].FilePath)
		assert.Contains(t, *st.jobs[1].Error, "queue down")
	})
}
