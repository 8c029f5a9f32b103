package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taxflow-go/internal/config"
	"taxflow-go/internal/model"
	"taxflow-go/internal/pipeline"
	"taxflow-go/internal/repository"
	"taxflow-go/pkg/queue"
)

type fakeExpirer struct {
	mu      sync.Mutex
	expired []uint
	err     error
	grants  []model.CreditTransaction
}

func (f *fakeExpirer) ExpireCredits(_ context.Context, grantID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.expired = append(f.expired, grantID)
	return nil
}

func (f *fakeExpirer) ExpirableGrants(_ context.Context, _ time.Time) ([]model.CreditTransaction, error) {
	return f.grants, nil
}

type captureEnqueuer struct {
	mu   sync.Mutex
	jobs []queue.Options
	typs []string
}

func (c *captureEnqueuer) Enqueue(_ context.Context, jobType string, _ interface{}, opts queue.Options) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typs = append(c.typs, jobType)
	c.jobs = append(c.jobs, opts)
	return "job-x", nil
}

func expireJob(t *testing.T, grantID uint) queue.Job {
	t.Helper()
	payload, err := json.Marshal(pipeline.ExpireJobPayload{GrantID: grantID})
	require.NoError(t, err)
	return queue.Job{ID: "expire-1", Type: pipeline.JobTypeExpireGrant, Payload: payload}
}

func TestExpireWorker_ExpiresGrant(t *testing.T) {
	expirer := &fakeExpirer{}
	worker := pipeline.NewExpireWorker(expirer)

	res := worker.Handle(context.Background(), expireJob(t, 12))

	require.Equal(t, queue.KindOk, res.Kind)
	require.Equal(t, []uint{12}, expirer.expired)
}

func TestExpireWorker_MissingGrantIsAlreadyHandled(t *testing.T) {
	expirer := &fakeExpirer{err: repository.ErrGrantNotFound}
	worker := pipeline.NewExpireWorker(expirer)

	res := worker.Handle(context.Background(), expireJob(t, 12))

	require.Equal(t, queue.KindOk, res.Kind)
}

func TestExpireWorker_InfraFaultIsRetryable(t *testing.T) {
	expirer := &fakeExpirer{err: errors.New("db down")}
	worker := pipeline.NewExpireWorker(expirer)

	res := worker.Handle(context.Background(), expireJob(t, 12))

	require.Equal(t, queue.KindRetryable, res.Kind)
}

func TestSweeper_EnqueuesOverdueGrants(t *testing.T) {
	expirer := &fakeExpirer{grants: []model.CreditTransaction{{ID: 3}, {ID: 8}}}
	enqueuer := &captureEnqueuer{}
	sweeper := pipeline.NewSweeper(expirer, enqueuer, "credit-jobs",
		config.PipelineConfig{MaxAttempts: 3, ExpireTimeoutSeconds: 60},
		config.CreditsConfig{GrantExpiryDays: 30})

	sweeper.Sweep(context.Background())

	require.Equal(t, []string{pipeline.JobTypeExpireGrant, pipeline.JobTypeExpireGrant}, enqueuer.typs)
	require.Len(t, enqueuer.jobs, 2)
	require.Equal(t, "credit-jobs", enqueuer.jobs[0].Queue)
	require.Equal(t, 60, enqueuer.jobs[0].TimeoutSeconds)
	require.Equal(t, 3, enqueuer.jobs[0].MaxAttempts)
}

func TestSweeper_NoOverdueGrants(t *testing.T) {
	enqueuer := &captureEnqueuer{}
	sweeper := pipeline.NewSweeper(&fakeExpirer{}, enqueuer, "credit-jobs",
		config.PipelineConfig{MaxAttempts: 3, ExpireTimeoutSeconds: 60},
		config.CreditsConfig{GrantExpiryDays: 30})

	sweeper.Sweep(context.Background())

	require.Empty(t, enqueuer.typs)
}
