package runstore

import (
	"cmp"
	"context"
	"math"
	"slices"
	"sync"

	"github.com/MrWong99/endill/internal/pipeline"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process [Store] holding at most a fixed number of runs.
// When full, saving a new run evicts the oldest one.
type Memory struct {
	mu    sync.RWMutex
	max   int
	runs  map[string]*pipeline.Result
	order []string // oldest first
}

// NewMemory returns a Memory store bounded to maxRuns entries. maxRuns <= 0
// means unbounded.
func NewMemory(maxRuns int) *Memory {
	return &Memory{max: maxRuns, runs: make(map[string]*pipeline.Result)}
}

// Save implements [Store].
func (m *Memory) Save(_ context.Context, r *pipeline.Result) error {
	c := clone(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.RunID]; ok {
		m.order = slices.DeleteFunc(m.order, func(id string) bool { return id == r.RunID })
	}
	m.runs[r.RunID] = c
	m.order = append(m.order, r.RunID)
	for m.max > 0 && len(m.order) > m.max {
		delete(m.runs, m.order[0])
		m.order = m.order[1:]
	}
	return nil
}

// Get implements [Store].
func (m *Memory) Get(_ context.Context, id string) (*pipeline.Result, error) {
	m.mu.RLock()
	r, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r), nil
}

// List implements [Store].
func (m *Memory) List(_ context.Context, limit int) ([]Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Summary, 0, len(m.order))
	for _, id := range slices.Backward(m.order) {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, Summarize(m.runs[id]))
	}
	return out, nil
}

// SimilarSpeakers implements [Store] with a linear scan.
func (m *Memory) SimilarSpeakers(_ context.Context, profile []float32, limit int) ([]SpeakerMatch, error) {
	m.mu.RLock()
	var out []SpeakerMatch
	for _, id := range m.order {
		for _, s := range m.runs[id].Speakers {
			if len(s.Profile) != len(profile) {
				continue
			}
			out = append(out, SpeakerMatch{
				RunID:    id,
				Speaker:  s.Speaker,
				Profile:  slices.Clone(s.Profile),
				Distance: euclidean(profile, s.Profile),
			})
		}
	}
	m.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b SpeakerMatch) int { return cmp.Compare(a.Distance, b.Distance) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements [Store]. It is a no-op.
func (m *Memory) Close() {}

// Len returns the number of stored runs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runs)
}

func euclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// clone copies r deeply enough that neither side can observe the other's
// later modifications.
func clone(r *pipeline.Result) *pipeline.Result {
	c := *r
	c.Segments = slices.Clone(r.Segments)
	for i, s := range c.Segments {
		if s.Speaker != nil {
			sp := *s.Speaker
			c.Segments[i].Speaker = &sp
		}
	}
	c.Speakers = slices.Clone(r.Speakers)
	for i := range c.Speakers {
		c.Speakers[i].Profile = slices.Clone(c.Speakers[i].Profile)
	}
	return &c
}
