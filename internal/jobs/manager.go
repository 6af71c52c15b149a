// Package jobs runs crawls on demand for the HTTP server, one at a time.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/stock-prober/internal/runner"
)

var (
	ErrRunInProgress = errors.New("a run is already in progress")
	ErrJobNotFound   = errors.New("job not found")
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// maxJobs bounds the history kept in memory.
const maxJobs = 100

type Runner interface {
	Run(ctx context.Context) (*runner.Report, error)
}

// Job is one triggered run.
type Job struct {
	ID          string         `json:"id"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Report      *runner.Report `json:"report,omitempty"`
	Error       string         `json:"error,omitempty"`
}

type Manager struct {
	runner Runner
	logger *slog.Logger

	mu      sync.RWMutex
	jobs    map[string]*Job
	running string
	wg      sync.WaitGroup
}

func NewManager(r Runner, logger *slog.Logger) *Manager {
	return &Manager{
		runner: r,
		logger: logger.With("component", "job_manager"),
		jobs:   make(map[string]*Job),
	}
}

// Trigger starts a run in the background and returns its job. The run lives
// on ctx, not on the request that triggered it.
func (m *Manager) Trigger(ctx context.Context) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running != "" {
		return nil, ErrRunInProgress
	}

	job := &Job{
		ID:        uuid.New().String(),
		Status:    StatusRunning,
		CreatedAt: time.Now(),
	}
	m.jobs[job.ID] = job
	m.running = job.ID
	m.prune()

	m.wg.Add(1)
	go m.process(ctx, job.ID)

	m.logger.Info("job created", "id", job.ID)
	return copyJob(job), nil
}

func (m *Manager) process(ctx context.Context, jobID string) {
	defer m.wg.Done()

	report, err := m.runner.Run(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	job := m.jobs[jobID]
	now := time.Now()
	job.CompletedAt = &now
	job.Report = report
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
		m.logger.Error("job failed", "id", jobID, "error", err)
	} else {
		job.Status = StatusCompleted
		m.logger.Info("job completed", "id", jobID, "entries", report.Entries)
	}
	m.running = ""
}

// Wait blocks until every triggered run has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) Get(jobID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(job), nil
}

// List returns the known jobs, newest first.
func (m *Manager) List() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, copyJob(job))
	}
	sortNewestFirst(jobs)
	return jobs
}

// prune drops the oldest finished jobs beyond maxJobs. Callers hold mu.
func (m *Manager) prune() {
	if len(m.jobs) <= maxJobs {
		return
	}
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	sortNewestFirst(jobs)
	for _, job := range jobs[maxJobs:] {
		if job.ID != m.running {
			delete(m.jobs, job.ID)
		}
	}
}

func sortNewestFirst(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}

func copyJob(job *Job) *Job {
	c := *job
	return &c
}
