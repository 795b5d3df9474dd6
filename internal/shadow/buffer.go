package shadow

import (
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultBufferSize is how many recent comparisons feed the statistics.
const DefaultBufferSize = 500

// Buffer keeps the most recent comparisons. When full, the oldest entry is
// overwritten.
type Buffer struct {
	mu    sync.RWMutex
	items []Comparison
	size  int
	head  int
	full  bool
}

// NewBuffer creates a Buffer holding up to size comparisons.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Buffer{items: make([]Comparison, size), size: size}
}

// Add appends c, evicting the oldest entry when full.
func (b *Buffer) Add(c Comparison) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[b.head] = c
	b.head = (b.head + 1) % b.size
	if b.head == 0 {
		b.full = true
	}
}

// Len returns the number of retained comparisons.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return b.size
	}
	return b.head
}

// Snapshot returns the retained comparisons, oldest first.
func (b *Buffer) Snapshot() []Comparison {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.full {
		return append([]Comparison(nil), b.items[:b.head]...)
	}
	out := make([]Comparison, 0, b.size)
	out = append(out, b.items[b.head:]...)
	return append(out, b.items[:b.head]...)
}

// Percentiles are nearest-rank latency percentiles in milliseconds.
type Percentiles struct {
	P50 float64 `json:"p50_ms"`
	P95 float64 `json:"p95_ms"`
	P99 float64 `json:"p99_ms"`
}

// Stats aggregates the buffer.
type Stats struct {
	Count             int         `json:"count"`
	MatchRate         float64     `json:"match_rate"`
	RegressionRate    float64     `json:"regression_rate"`
	ImprovementRate   float64     `json:"improvement_rate"`
	CandidateFailures int         `json:"candidate_failures"`
	Production        Percentiles `json:"production_latency"`
	Candidate         Percentiles `json:"candidate_latency"`
}

// Stats computes aggregates over the retained comparisons.
func (b *Buffer) Stats() Stats {
	items := b.Snapshot()
	s := Stats{Count: len(items)}
	if s.Count == 0 {
		return s
	}

	var match, regress, improve int
	prod := make([]time.Duration, 0, len(items))
	cand := make([]time.Duration, 0, len(items))
	for _, c := range items {
		if c.Match() {
			match++
		}
		if c.Regression {
			regress++
		}
		if c.Improvement {
			improve++
		}
		if !c.Candidate.Success {
			s.CandidateFailures++
		}
		prod = append(prod, c.Production.Latency)
		cand = append(cand, c.Candidate.Latency)
	}
	n := float64(s.Count)
	s.MatchRate = float64(match) / n
	s.RegressionRate = float64(regress) / n
	s.ImprovementRate = float64(improve) / n
	s.Production = percentiles(prod)
	s.Candidate = percentiles(cand)
	return s
}

func percentiles(d []time.Duration) Percentiles {
	sort.Slice(d, func(i, j int) bool { return d[i] < d[j] })
	return Percentiles{
		P50: rank(d, 0.50),
		P95: rank(d, 0.95),
		P99: rank(d, 0.99),
	}
}

// rank returns the nearest-rank percentile of sorted d in milliseconds.
func rank(d []time.Duration, p float64) float64 {
	if len(d) == 0 {
		return 0
	}
	i := int(math.Ceil(p*float64(len(d)))) - 1
	if i < 0 {
		i = 0
	}
	if i >= len(d) {
		i = len(d) - 1
	}
	return float64(d[i]) / float64(time.Millisecond)
}
