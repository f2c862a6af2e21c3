package jobs

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	mu     sync.Mutex
	job    Job
	cities []CityRecord
}

// MemoryStore はプロセス内のマップでジョブを保持する Store です。
// ジョブごとにロックを持つため、異なるジョブへの更新は並行して進みます。
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*memoryEntry
	now  func() time.Time
}

// NewMemoryStore は空の MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*memoryEntry),
		now:  time.Now,
	}
}

func (s *MemoryStore) CreateJob(ctx context.Context, job Job, cities []CityRecord) error {
	if job.JobID == "" {
		return validationError("job_id is required")
	}
	if len(cities) == 0 {
		return validationError("job %s has no city records", job.JobID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.JobID]; ok {
		return DuplicateJob(job.JobID)
	}
	s.jobs[job.JobID] = &memoryEntry{job: job, cities: cloneCities(cities)}
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	snap, err := s.GetStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &snap.Job, nil
}

func (s *MemoryStore) UpdateCityContent(ctx context.Context, jobID string, key CityKey, update CityUpdate) (*CityRecord, error) {
	entry, ok := s.entry(jobID)
	if !ok {
		return nil, JobNotFound(jobID)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	idx := FindCity(entry.cities, key)
	if idx < 0 {
		return nil, CityNotFound(jobID, key)
	}
	if err := ApplyCityUpdate(entry.cities, idx, update, s.now().UTC()); err != nil {
		return nil, err
	}
	rec := entry.cities[idx]
	return &rec, nil
}

func (s *MemoryStore) GetStatus(ctx context.Context, jobID string) (*Snapshot, error) {
	entry, ok := s.entry(jobID)
	if !ok {
		return nil, JobNotFound(jobID)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	snap := &Snapshot{Job: entry.job, Cities: cloneCities(entry.cities)}
	snap.Job.Status = DeriveStatus(snap.Cities)
	return snap, nil
}

func (s *MemoryStore) entry(jobID string) (*memoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[jobID]
	return e, ok
}
