package overflow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultVisibilityTimeout is how long a leased job stays invisible before it
// reappears for another drainer.
const DefaultVisibilityTimeout = 2 * time.Minute

// Store is the durable queue contract: at-least-once, FIFO within a key,
// lease semantics on pull. Enqueue is idempotent on the job ID.
type Store interface {
	// Enqueue persists the job. Re-enqueueing an existing ID is a no-op.
	Enqueue(ctx context.Context, job *Job) error

	// Lease returns the next ready job and hides it for visibility, or
	// (nil, nil) when nothing is ready.
	Lease(ctx context.Context, now time.Time, visibility time.Duration) (*Job, error)

	// Ack removes a completed (or abandoned) job.
	Ack(ctx context.Context, jobID string) error

	// Retry reschedules a leased job for nextRunAt with its attempt counter
	// already bumped by the caller.
	Retry(ctx context.Context, job *Job, nextRunAt time.Time) error

	// Len reports the number of persisted jobs, leased included.
	Len(ctx context.Context) (int, error)
}

// Memory is the in-process store used when no Redis is configured. Jobs are
// ordered by an enqueue sequence number, which gives FIFO within a key for
// free since the global order preserves each key's order.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*memJob
	seq  uint64
}

type memJob struct {
	job       *Job
	seq       uint64
	visibleAt time.Time
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*memJob)}
}

func (m *Memory) Enqueue(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return nil
	}
	m.seq++
	cp := *job
	m.jobs[job.ID] = &memJob{job: &cp, seq: m.seq, visibleAt: job.NextRunAt}
	return nil
}

func (m *Memory) Lease(_ context.Context, now time.Time, visibility time.Duration) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *memJob
	for _, mj := range m.jobs {
		if mj.visibleAt.After(now) {
			continue
		}
		if best == nil || mj.seq < best.seq {
			best = mj
		}
	}
	if best == nil {
		return nil, nil
	}
	best.visibleAt = now.Add(visibility)
	cp := *best.job
	return &cp, nil
}

func (m *Memory) Ack(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	return nil
}

func (m *Memory) Retry(_ context.Context, job *Job, nextRunAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[job.ID]
	if !ok {
		return nil
	}
	cp := *job
	mj.job = &cp
	mj.visibleAt = nextRunAt
	return nil
}

func (m *Memory) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs), nil
}

// Pending returns the IDs of all persisted jobs in enqueue order. Test hook.
func (m *Memory) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	type pair struct {
		id  string
		seq uint64
	}
	ps := make([]pair, 0, len(m.jobs))
	for id, mj := range m.jobs {
		ps = append(ps, pair{id, mj.seq})
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].seq < ps[j].seq })
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.id
	}
	return out
}
