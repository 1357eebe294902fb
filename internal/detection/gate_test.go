package detection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAlertGate_Rules(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		label      string
		confidence float64
		severity   int
		want       bool
	}{
		{"safe label", "safe", 0.99, 5, false},
		{"below threshold", "no_hard_hat", 0.69, 5, false},
		{"at threshold", "no_hard_hat", 0.7, 4, true},
		{"below min severity", "improper_lifting", 0.9, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewAlertGate("safe", 0.7, 3, 30*time.Second)
			assert.Equal(t, tt.want, g.ShouldAlert(tt.label, tt.confidence, tt.severity, now))
		})
	}
}

func TestAlertGate_Cooldown(t *testing.T) {
	g := NewAlertGate("safe", 0.7, 1, 30*time.Second)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, g.ShouldAlert("no_hard_hat", 0.9, 4, t0))
	assert.False(t, g.ShouldAlert("no_hard_hat", 0.9, 4, t0.Add(10*time.Second)))
	assert.False(t, g.ShouldAlert("no_hard_hat", 0.9, 4, t0.Add(30*time.Second-time.Millisecond)))

	// other labels have their own cooldown
	assert.True(t, g.ShouldAlert("no_safety_harness", 0.9, 5, t0.Add(time.Second)))

	// exactly at the cooldown boundary
	assert.True(t, g.ShouldAlert("no_hard_hat", 0.9, 4, t0.Add(30*time.Second)))

	last, ok := g.LastFire("no_hard_hat")
	assert.True(t, ok)
	assert.Equal(t, t0.Add(30*time.Second), last)
}

func TestAlertGate_RejectedDoesNotRecord(t *testing.T) {
	g := NewAlertGate("safe", 0.7, 3, time.Minute)
	t0 := time.Now()

	assert.False(t, g.ShouldAlert("no_hard_hat", 0.5, 4, t0))
	_, ok := g.LastFire("no_hard_hat")
	assert.False(t, ok)
	assert.True(t, g.ShouldAlert("no_hard_hat", 0.9, 4, t0.Add(time.Second)))
}

func TestSmoother_MajorityVote(t *testing.T) {
	s := newSmoother(3)

	idx, conf := s.add(1, 0.9)
	assert.Equal(t, 1, idx)
	assert.InDelta(t, 0.9, conf, 1e-9)

	idx, _ = s.add(0, 0.8)
	assert.Equal(t, 0, idx, "ties go to the lowest index")

	idx, conf = s.add(1, 0.7)
	assert.Equal(t, 1, idx)
	assert.InDelta(t, 0.8, conf, 1e-9)

	// window slides: [0 0.8, 1 0.7, 0 0.6]
	idx, conf = s.add(0, 0.6)
	assert.Equal(t, 0, idx)
	assert.InDelta(t, 0.7, conf, 1e-9)

	assert.Nil(t, newSmoother(0))
}
