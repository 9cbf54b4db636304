package ledger

import (
	"path/filepath"
	"sort"
)

// Criteria narrows a listing of experiments or knowledge items.
// All filters are ANDed together; zero values match everything.
type Criteria struct {
	Worker           string           // Exact worker name (experiments) or source worker (knowledge)
	SinceTimestampMs int64            // Unix milliseconds, 0 = no lower bound
	UntilTimestampMs int64            // Unix milliseconds, 0 = no upper bound
	Promoted         *bool            // Experiments only, nil = either
	Status           ExperimentStatus // Experiments only, empty = any
	TypeGlob         string           // Knowledge only, glob over knowledge_type
	Limit            int              // 0 = unlimited, newest entries kept
}

// MatchesExperiment returns true if the record satisfies every criterion.
func (c *Criteria) MatchesExperiment(r *ExperimentRecord) bool {
	if c == nil {
		return true
	}
	if !c.inRange(r.StartedAtMs) {
		return false
	}
	if c.Worker != "" && r.WorkerName != c.Worker {
		return false
	}
	if c.Promoted != nil && r.Promoted != *c.Promoted {
		return false
	}
	if c.Status != "" && r.Status != c.Status {
		return false
	}
	return true
}

// MatchesKnowledge returns true if the item satisfies every criterion.
func (c *Criteria) MatchesKnowledge(k *KnowledgeItem) bool {
	if c == nil {
		return true
	}
	if !c.inRange(k.CreatedAtMs) {
		return false
	}
	if c.Worker != "" && k.SourceWorker != c.Worker {
		return false
	}
	if c.TypeGlob != "" {
		matched, err := filepath.Match(c.TypeGlob, k.KnowledgeType)
		if err != nil || !matched {
			return false
		}
	}
	return true
}

// HasFilters returns true if any filter is active.
func (c *Criteria) HasFilters() bool {
	if c == nil {
		return false
	}
	return c.Worker != "" ||
		c.SinceTimestampMs > 0 ||
		c.UntilTimestampMs > 0 ||
		c.Promoted != nil ||
		c.Status != "" ||
		c.TypeGlob != ""
}

func (c *Criteria) inRange(tsMs int64) bool {
	if c.SinceTimestampMs > 0 && tsMs < c.SinceTimestampMs {
		return false
	}
	if c.UntilTimestampMs > 0 && tsMs > c.UntilTimestampMs {
		return false
	}
	return true
}

func (c *Criteria) limit() int {
	if c == nil {
		return 0
	}
	return c.Limit
}

// sortExperiments orders records oldest first and applies the limit to the newest.
func sortExperiments(records []*ExperimentRecord, limit int) []*ExperimentRecord {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartedAtMs < records[j].StartedAtMs
	})
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records
}

// sortKnowledge orders items oldest first and applies the limit to the newest.
func sortKnowledge(items []*KnowledgeItem, limit int) []*KnowledgeItem {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAtMs < items[j].CreatedAtMs
	})
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items
}
