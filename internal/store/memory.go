package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/genqueue/pkg/models"
)

// MemoryStore is an in-process Store. All operations hold a single mutex,
// which gives the same per-row atomicity as the conditioned SQL statements.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]models.Job
	now  func() time.Time
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		jobs: make(map[string]models.Job),
		now:  o.now,
	}
}

func (m *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func (m *MemoryStore) UpsertQueued(_ context.Context, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok && job.Status.Pending() {
		return ErrAlreadyPending
	}
	now := m.now()
	m.jobs[id] = models.Job{
		ID:           id,
		Status:       models.StatusQueued,
		Text:         text,
		CreatedAt:    now,
		LastModified: now,
	}
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &job, nil
}

func (m *MemoryStore) ClaimBatch(_ context.Context, limit int) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queued := make([]models.Job, 0)
	for _, job := range m.jobs {
		if job.Status == models.StatusQueued {
			queued = append(queued, job)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].LastModified.Equal(queued[j].LastModified) {
			return queued[i].ID < queued[j].ID
		}
		return queued[i].LastModified.Before(queued[j].LastModified)
	})

	tasks := []models.Task{}
	now := m.now()
	for _, job := range queued {
		if len(tasks) >= limit {
			break
		}
		job.Status = models.StatusAssigned
		job.LastModified = now
		m.jobs[job.ID] = job
		tasks = append(tasks, models.Task{ID: job.ID, Text: job.Text})
	}
	return tasks, nil
}

func (m *MemoryStore) SetTerminal(_ context.Context, id string, status models.Status) (bool, error) {
	if !CanTransition(models.StatusAssigned, status) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, models.StatusAssigned, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.StatusAssigned {
		return false, nil
	}
	job.Status = status
	job.LastModified = m.now()
	m.jobs[id] = job
	return true, nil
}

func (m *MemoryStore) MarkStaleOlderThan(_ context.Context, age time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cutoff := now.Add(-age)
	marked := []string{}
	for id, job := range m.jobs {
		if job.Status == models.StatusMarkedForDeletion || !job.LastModified.Before(cutoff) {
			continue
		}
		job.Status = models.StatusMarkedForDeletion
		job.LastModified = now
		m.jobs[id] = job
		marked = append(marked, id)
	}
	sort.Strings(marked)
	return marked, nil
}

func (m *MemoryStore) DeleteMarked(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := []string{}
	for id, job := range m.jobs {
		if job.Status == models.StatusMarkedForDeletion {
			delete(m.jobs, id)
			deleted = append(deleted, id)
		}
	}
	sort.Strings(deleted)
	return deleted, nil
}

func (m *MemoryStore) ExistingIDs(_ context.Context, ids []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := m.jobs[id]; ok {
			existing[id] = true
		}
	}
	return existing, nil
}
