// Package memory is an in-process job store for tests and single-binary
// development runs. Safe for concurrent access.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmehdipour/jobengine/internal/model"
	"github.com/jmehdipour/jobengine/internal/repository"
)

var _ repository.JobsRepository = (*Store)(nil)

type Store struct {
	mu     sync.RWMutex
	jobs   map[int64]*model.Job
	nextID int64
}

func New() *Store {
	return &Store{jobs: make(map[int64]*model.Job)}
}

// Put stores j as-is, keeping its id when set. Useful for seeding fixtures.
func (m *Store) Put(j model.Job) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j.ID == 0 {
		m.nextID++
		j.ID = m.nextID
	} else if j.ID > m.nextID {
		m.nextID = j.ID
	}
	m.jobs[j.ID] = &j
	return j.ID
}

func (m *Store) Insert(_ context.Context, j *model.Job) (int64, error) {
	cp := *j
	cp.ID = 0
	return m.Put(cp), nil
}

func (m *Store) Get(_ context.Context, id int64) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (m *Store) NextEligible(_ context.Context, jobType string, now time.Time) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *model.Job
	for _, j := range m.jobs {
		if j.JobType != jobType || !j.Eligible(now) {
			continue
		}
		if best == nil || before(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

// before orders by priority DESC, created_at ASC, id ASC.
func before(a, b *model.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (m *Store) Lock(ctx context.Context, id int64, now time.Time) (bool, error) {
	return m.Transition(ctx, id, model.InStatus(model.StatusPending), model.JobUpdate{
		Status:    model.StatusProcessing,
		StartedAt: &now,
	}, now)
}

func (m *Store) Transition(_ context.Context, id int64, g model.JobGuard, upd model.JobUpdate, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || !g.Holds(j) {
		return false, nil
	}
	upd.Apply(j, now)
	return true, nil
}

func (m *Store) ListStale(_ context.Context, jobType string, cutoff time.Time) ([]model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Job
	for _, j := range m.jobs {
		if j.Status != model.StatusProcessing || !j.StartedAt.Valid || !j.StartedAt.Time.Before(cutoff) {
			continue
		}
		if jobType != "" && j.JobType != jobType {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Time.Before(out[k].StartedAt.Time) })
	return out, nil
}

func (m *Store) ListExhausted(_ context.Context, jobType string) ([]model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Job
	for _, j := range m.jobs {
		if j.JobType == jobType && j.Status == model.StatusPending && !j.CanRetry() {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *Store) Stats(_ context.Context, since, stuckBefore time.Time) (model.JobStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := model.JobStats{ByStatus: make(map[model.JobStatus]int64)}
	var attempts, n int64
	for _, j := range m.jobs {
		if j.Status == model.StatusProcessing && j.StartedAt.Valid && j.StartedAt.Time.Before(stuckBefore) {
			st.Stuck++
		}
		if j.CreatedAt.Before(since) {
			continue
		}
		st.ByStatus[j.Status]++
		attempts += int64(j.Attempts)
		n++
	}
	if n > 0 {
		st.AvgAttempts = float64(attempts) / float64(n)
	}
	return st, nil
}

func (m *Store) CountByStatus(_ context.Context, jobType string) (map[model.JobStatus]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[model.JobStatus]int64)
	for _, j := range m.jobs {
		if jobType == "" || j.JobType == jobType {
			out[j.Status]++
		}
	}
	return out, nil
}

func (m *Store) RequeueFailed(_ context.Context, jobType string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, j := range m.jobs {
		if j.JobType != jobType || j.Status != model.StatusFailed {
			continue
		}
		j.Status = model.StatusPending
		j.Attempts = 0
		j.ScheduledAt.Valid = false
		j.StartedAt.Valid = false
		j.CompletedAt.Valid = false
		j.ErrorMessage.Valid = false
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *Store) DeleteWhere(_ context.Context, f model.JobFilter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, j := range m.jobs {
		if f.JobType != "" && j.JobType != f.JobType {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, j.Status) {
			continue
		}
		delete(m.jobs, id)
		n++
	}
	return n, nil
}

func (m *Store) Purge(_ context.Context, olderThan time.Time, statuses []model.JobStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, j := range m.jobs {
		if hasStatus(statuses, j.Status) && j.UpdatedAt.Before(olderThan) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func hasStatus(list []model.JobStatus, s model.JobStatus) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
