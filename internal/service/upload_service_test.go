package service_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"taxflow-go/internal/config"
	"taxflow-go/internal/model"
	"taxflow-go/internal/pipeline"
	"taxflow-go/internal/repository"
	"taxflow-go/internal/service"
	"taxflow-go/pkg/events"
	"taxflow-go/pkg/queue"
	"taxflow-go/pkg/storage"
)

type memUploadRepo struct {
	mu      sync.Mutex
	nextID  uint
	uploads map[uint]*model.Upload
}

func newMemUploadRepo() *memUploadRepo {
	return &memUploadRepo{nextID: 1, uploads: make(map[uint]*model.Upload)}
}

func (m *memUploadRepo) Create(upload *model.Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	upload.ID = m.nextID
	m.nextID++
	copied := *upload
	m.uploads[upload.ID] = &copied
	return nil
}

func (m *memUploadRepo) FindByID(id uint) (*model.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	upload, ok := m.uploads[id]
	if !ok {
		return nil, repository.ErrUploadNotFound
	}
	copied := *upload
	return &copied, nil
}

func (m *memUploadRepo) FindByIDForUser(id, userID uint) (*model.Upload, error) {
	upload, err := m.FindByID(id)
	if err != nil || upload.UserID != userID {
		return nil, repository.ErrUploadNotFound
	}
	return upload, nil
}

func (m *memUploadRepo) FindByUserID(userID uint) ([]model.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Upload
	for _, u := range m.uploads {
		if u.UserID == userID {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (m *memUploadRepo) Transition(id uint, from []model.UploadStatus, to model.UploadStatus, patch map[string]interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	upload, ok := m.uploads[id]
	if !ok {
		return false, nil
	}
	for _, status := range from {
		if upload.Status == status {
			upload.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *memUploadRepo) Delete(id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, id)
	return nil
}

func (m *memUploadRepo) CountByStatus() (map[model.UploadStatus]int64, error) {
	return nil, nil
}

type enqueuedJob struct {
	jobType string
	opts    queue.Options
}

type memEnqueuer struct {
	mu   sync.Mutex
	jobs []enqueuedJob
	err  error
}

func (m *memEnqueuer) Enqueue(_ context.Context, jobType string, _ interface{}, opts queue.Options) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.jobs = append(m.jobs, enqueuedJob{jobType: jobType, opts: opts})
	return fmt.Sprintf("job-%d", len(m.jobs)), nil
}

type memPublisher struct {
	mu       sync.Mutex
	statuses []events.StatusEvent
}

func (m *memPublisher) PublishStatus(ev events.StatusEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, ev)
}

func (m *memPublisher) PublishPermanentFailure(events.StatusEvent) {}
func (m *memPublisher) PublishJobLog(events.JobLogEvent)           {}

func (m *memPublisher) trail() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ev := range m.statuses {
		out = append(out, ev.Status)
	}
	return out
}

type uploadFixture struct {
	svc       service.UploadService
	uploads   *memUploadRepo
	store     storage.FileStore
	enqueuer  *memEnqueuer
	publisher *memPublisher
	cfg       config.PipelineConfig
}

func newUploadFixture(t *testing.T, balance int64) *uploadFixture {
	t.Helper()
	fx := &uploadFixture{
		uploads:   newMemUploadRepo(),
		store:     storage.NewLocalStore(t.TempDir()),
		enqueuer:  &memEnqueuer{},
		publisher: &memPublisher{},
		cfg: config.PipelineConfig{
			Disk:              "uploads",
			BasePath:          "taxflow",
			MaxAttempts:       3,
			CSVTimeoutSeconds: 600,
			MaxUploadSizeMB:   1,
		},
	}
	credits := service.NewCreditService(newFakeLedger(&model.User{ID: 42, Credits: balance}))
	fx.svc = service.NewUploadService(
		fx.uploads, credits, fx.store, fx.enqueuer, fx.publisher,
		fx.cfg, config.CreditsConfig{PerUpload: 1},
	)
	return fx
}

func TestUploadService_SubmitStoresAndEnqueues(t *testing.T) {
	fx := newUploadFixture(t, 5)

	upload, err := fx.svc.Submit(context.Background(), 42, "report.csv", []byte("a,b\n1,2\n"))

	require.NoError(t, err)
	require.Equal(t, model.StatusQueued, upload.Status)
	require.EqualValues(t, 42, upload.UserID)
	require.Equal(t, 1, upload.CreditsRequired)
	require.Contains(t, upload.Path, "taxflow/42/input/")
	require.True(t, strings.HasSuffix(upload.Path, "_report.csv"))

	exists, err := fx.store.Exists(context.Background(), fx.cfg.Disk, upload.Path)
	require.NoError(t, err)
	require.True(t, exists)

	require.Len(t, fx.enqueuer.jobs, 1)
	require.Equal(t, pipeline.JobTypeTransformUpload, fx.enqueuer.jobs[0].jobType)
	require.Equal(t, 3, fx.enqueuer.jobs[0].opts.MaxAttempts)
	require.Equal(t, 600, fx.enqueuer.jobs[0].opts.TimeoutSeconds)

	require.Equal(t, []string{"received", "queued"}, fx.publisher.trail())
}

func TestUploadService_SubmitValidation(t *testing.T) {
	fx := newUploadFixture(t, 5)

	_, err := fx.svc.Submit(context.Background(), 42, "report.txt", []byte("a,b\n1,2\n"))
	require.ErrorIs(t, err, service.ErrInvalidFileType)

	_, err = fx.svc.Submit(context.Background(), 42, "report.csv", nil)
	require.ErrorIs(t, err, service.ErrEmptyUpload)

	tooBig := make([]byte, 2*1024*1024)
	_, err = fx.svc.Submit(context.Background(), 42, "report.csv", tooBig)
	require.ErrorIs(t, err, service.ErrFileTooLarge)

	require.Empty(t, fx.enqueuer.jobs)
}

func TestUploadService_SubmitRejectsWithoutCredits(t *testing.T) {
	fx := newUploadFixture(t, 0)

	_, err := fx.svc.Submit(context.Background(), 42, "report.csv", []byte("a,b\n1,2\n"))

	require.ErrorIs(t, err, service.ErrInsufficientCredits)
	require.Empty(t, fx.enqueuer.jobs)
	require.Empty(t, fx.publisher.trail())
}

func TestUploadService_RetryRequeuesFailedOnly(t *testing.T) {
	fx := newUploadFixture(t, 5)
	upload, err := fx.svc.Submit(context.Background(), 42, "report.csv", []byte("a,b\n1,2\n"))
	require.NoError(t, err)

	// not failed yet
	require.ErrorIs(t, fx.svc.Retry(context.Background(), upload.ID, 42, false), service.ErrNotRetryable)

	moved, err := fx.uploads.Transition(upload.ID,
		[]model.UploadStatus{model.StatusQueued}, model.StatusFailed, nil)
	require.NoError(t, err)
	require.True(t, moved)

	require.NoError(t, fx.svc.Retry(context.Background(), upload.ID, 42, false))
	require.Len(t, fx.enqueuer.jobs, 2)

	stored, err := fx.uploads.FindByID(upload.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusQueued, stored.Status)
}

func TestUploadService_RetryIsOwnerScoped(t *testing.T) {
	fx := newUploadFixture(t, 5)
	upload, err := fx.svc.Submit(context.Background(), 42, "report.csv", []byte("a,b\n1,2\n"))
	require.NoError(t, err)

	err = fx.svc.Retry(context.Background(), upload.ID, 7, false)
	require.ErrorIs(t, err, repository.ErrUploadNotFound)

	// an admin may act on any upload
	err = fx.svc.Retry(context.Background(), upload.ID, 7, true)
	require.ErrorIs(t, err, service.ErrNotRetryable)
}

func TestUploadService_DeleteRemovesRecordAndFiles(t *testing.T) {
	fx := newUploadFixture(t, 5)
	upload, err := fx.svc.Submit(context.Background(), 42, "report.csv", []byte("a,b\n1,2\n"))
	require.NoError(t, err)

	require.NoError(t, fx.svc.Delete(context.Background(), upload.ID, 42, false))

	_, err = fx.svc.Get(context.Background(), upload.ID, 42, false)
	require.ErrorIs(t, err, repository.ErrUploadNotFound)

	exists, err := fx.store.Exists(context.Background(), fx.cfg.Disk, upload.Path)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestUploadService_DownloadRequiresCompletion(t *testing.T) {
	fx := newUploadFixture(t, 5)
	upload, err := fx.svc.Submit(context.Background(), 42, "report.csv", []byte("a,b\n1,2\n"))
	require.NoError(t, err)

	_, err = fx.svc.DownloadURL(context.Background(), upload.ID, 42, false)
	require.Error(t, err)
}
