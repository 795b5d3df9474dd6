package shadow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func comparison(id string, prodMS, candMS int, regression bool) Comparison {
	return Comparison{
		RequestID:    id,
		Production:   Observation{Success: true, Latency: time.Duration(prodMS) * time.Millisecond},
		Candidate:    Observation{Success: !regression, Latency: time.Duration(candMS) * time.Millisecond},
		SuccessMatch: !regression,
		RepliesEqual: true,
		Regression:   regression,
	}
}

func TestBuffer_EvictsOldest(t *testing.T) {
	b := NewBuffer(3)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		b.Add(comparison(id, 1, 1, false))
	}
	require.Equal(t, 3, b.Len())
	snap := b.Snapshot()
	ids := []string{snap[0].RequestID, snap[1].RequestID, snap[2].RequestID}
	assert.Equal(t, []string{"c", "d", "e"}, ids)
}

func TestBuffer_Stats(t *testing.T) {
	b := NewBuffer(0)
	assert.Equal(t, Stats{}, b.Stats())

	for i := 1; i <= 100; i++ {
		b.Add(comparison("r", i, i*2, i%10 == 0))
	}
	s := b.Stats()
	assert.Equal(t, 100, s.Count)
	assert.InDelta(t, 0.9, s.MatchRate, 1e-9)
	assert.InDelta(t, 0.1, s.RegressionRate, 1e-9)
	assert.Zero(t, s.ImprovementRate)
	assert.Equal(t, 10, s.CandidateFailures)
	assert.Equal(t, Percentiles{P50: 50, P95: 95, P99: 99}, s.Production)
	assert.Equal(t, Percentiles{P50: 100, P95: 190, P99: 198}, s.Candidate)
}
