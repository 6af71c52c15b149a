package jobs

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/maltedev/stock-prober/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingRunner finishes a run only when release is closed.
type blockingRunner struct {
	release chan struct{}
	err     error
}

func (b *blockingRunner) Run(ctx context.Context) (*runner.Report, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if b.err != nil {
		return nil, b.err
	}
	return &runner.Report{RunID: uuid.New(), Entries: 3}, nil
}

func TestManager_Trigger(t *testing.T) {
	r := &blockingRunner{release: make(chan struct{})}
	m := NewManager(r, slog.Default())

	job, err := m.Trigger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, job.Status)

	_, err = m.Trigger(context.Background())
	require.ErrorIs(t, err, ErrRunInProgress)

	close(r.release)
	m.Wait()

	done, err := m.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.Report)
	assert.Equal(t, 3, done.Report.Entries)
	assert.NotNil(t, done.CompletedAt)

	next, err := m.Trigger(context.Background())
	require.NoError(t, err, "a new run may start once the previous finished")
	m.Wait()

	jobs := m.List()
	require.Len(t, jobs, 2)
	assert.Equal(t, next.ID, jobs[0].ID)
}

func TestManager_FailedRun(t *testing.T) {
	r := &blockingRunner{release: make(chan struct{}), err: errors.New("every catalog page failed")}
	close(r.release)
	m := NewManager(r, slog.Default())

	job, err := m.Trigger(context.Background())
	require.NoError(t, err)
	m.Wait()

	failed, err := m.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "every catalog page failed", failed.Error)
}

func TestManager_GetUnknown(t *testing.T) {
	m := NewManager(&blockingRunner{}, slog.Default())
	_, err := m.Get("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Empty(t, m.List())
}

func TestManager_PruneKeepsRunning(t *testing.T) {
	m := NewManager(&blockingRunner{}, slog.Default())
	for range maxJobs + 5 {
		id := uuid.New().String()
		m.jobs[id] = &Job{ID: id, Status: StatusCompleted}
	}
	m.running = "current"
	m.jobs["current"] = &Job{ID: "current", Status: StatusRunning}

	m.prune()

	assert.LessOrEqual(t, len(m.jobs), maxJobs+1)
	assert.Contains(t, m.jobs, "current")
}
