package master

import (
	"sync"

	v1 "github.com/nwiizo/ccswarm/pkg/api/v1"
)

// maxLearningEntries bounds the context store.
const maxLearningEntries = 256

// TagStats is the running histogram entry for one task tag.
type TagStats struct {
	Count            int     `json:"count"`
	MeanDurationMs   float64 `json:"mean_duration_ms"`
	MeanFilesTouched float64 `json:"mean_files_touched"`
	SuccessRate      float64 `json:"success_rate"`
}

// LearningStore accumulates per-tag execution statistics from completed
// tasks, bounded to a fixed number of tags. When full, the least observed
// tag is evicted to make room.
type LearningStore struct {
	mu    sync.RWMutex
	stats map[string]*TagStats
}

// NewLearningStore creates an empty context store.
func NewLearningStore() *LearningStore {
	return &LearningStore{stats: make(map[string]*TagStats)}
}

// Record folds one completed task into the per-tag running means.
func (s *LearningStore) Record(task *v1.Task, result *v1.TaskResult, filesTouched int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags := task.Tags
	if len(tags) == 0 {
		tags = []string{"general"}
	}

	for _, tag := range tags {
		st, ok := s.stats[tag]
		if !ok {
			if len(s.stats) >= maxLearningEntries {
				s.evictLeastObserved()
			}
			st = &TagStats{}
			s.stats[tag] = st
		}

		n := float64(st.Count)
		st.MeanDurationMs = (st.MeanDurationMs*n + float64(result.DurationMs)) / (n + 1)
		st.MeanFilesTouched = (st.MeanFilesTouched*n + float64(filesTouched)) / (n + 1)
		success := 0.0
		if result.Success {
			success = 1.0
		}
		st.SuccessRate = (st.SuccessRate*n + success) / (n + 1)
		st.Count++
	}
}

// Get returns a copy of the stats for a tag.
func (s *LearningStore) Get(tag string) (TagStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stats[tag]
	if !ok {
		return TagStats{}, false
	}
	return *st, true
}

// Snapshot returns a copy of the whole histogram.
func (s *LearningStore) Snapshot() map[string]TagStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]TagStats, len(s.stats))
	for tag, st := range s.stats {
		out[tag] = *st
	}
	return out
}

func (s *LearningStore) evictLeastObserved() {
	var victim string
	min := -1
	for tag, st := range s.stats {
		if min < 0 || st.Count < min {
			victim = tag
			min = st.Count
		}
	}
	if victim != "" {
		delete(s.stats, victim)
	}
}
