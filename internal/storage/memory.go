package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps jobs in process memory. Same contract as the sqlite
// driver, minus durability; used by tests and throwaway runs.
type memoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	events map[string]*RawEvent
}

func NewMemory() Store {
	return &memoryStore{
		jobs:   map[string]*Job{},
		events: map[string]*RawEvent{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) EnqueueJob(_ context.Context, j *Job) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.jobs {
		if e.Queue == j.Queue && e.Key == j.Key && !e.State.Terminal() {
			cp := *e
			return &cp, false, nil
		}
	}
	cp := *j
	s.jobs[j.ID] = &cp
	out := cp
	return &out, true, nil
}

func (s *memoryStore) ClaimJob(_ context.Context, queue string, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Job
	for _, j := range s.jobs {
		if j.Queue == queue && j.State == JobWaiting && !j.AvailableAt.After(now) {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority < candidates[k].Priority
		}
		return candidates[i].EnqueuedAt.Before(candidates[k].EnqueuedAt)
	})
	j := candidates[0]
	j.Attempt++
	j.State = JobActive
	cp := *j
	return &cp, nil
}

func (s *memoryStore) CompleteJob(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.State = JobCompleted
	j.FinishedAt = now
	return nil
}

func (s *memoryStore) FailJob(_ context.Context, id, lastError string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.State = JobFailed
	j.LastError = lastError
	j.FinishedAt = now
	return nil
}

func (s *memoryStore) RetryJob(_ context.Context, id string, attempt int, availableAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.State = JobDelayed
	j.Attempt = attempt
	j.AvailableAt = availableAt
	j.LastError = lastError
	return nil
}

func (s *memoryStore) ReleaseDue(_ context.Context, queue string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Queue == queue && j.State == JobDelayed && !j.AvailableAt.After(now) {
			j.State = JobWaiting
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) ReplayJob(_ context.Context, queue, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Queue != queue || j.State != JobFailed {
		return ErrJobNotFound
	}
	j.State = JobWaiting
	j.Attempt = 0
	j.LastError = ""
	j.FinishedAt = time.Time{}
	j.AvailableAt = now
	return nil
}

func (s *memoryStore) QueueStats(_ context.Context, queue string) (StateCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := StateCounts{}
	for _, j := range s.jobs {
		if j.Queue == queue {
			out[j.State]++
		}
	}
	return out, nil
}

func (s *memoryStore) PurgeFinished(_ context.Context, queue string, state JobState, olderThan time.Time, keepMax int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []*Job
	n := 0
	for id, j := range s.jobs {
		if j.Queue != queue || j.State != state {
			continue
		}
		if !j.FinishedAt.IsZero() && j.FinishedAt.Before(olderThan) {
			delete(s.jobs, id)
			n++
			continue
		}
		kept = append(kept, j)
	}
	if keepMax > 0 && len(kept) > keepMax {
		sort.Slice(kept, func(i, k int) bool { return kept[i].FinishedAt.After(kept[k].FinishedAt) })
		for _, j := range kept[keepMax:] {
			delete(s.jobs, j.ID)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) PutRawEvent(_ context.Context, ev *RawEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	if _, ok := s.events[ev.ID]; ok {
		return nil
	}
	cp := *ev
	s.events[ev.ID] = &cp
	return nil
}

func (s *memoryStore) GetRawEvent(_ context.Context, id string) (*RawEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *ev
	return &cp, nil
}
