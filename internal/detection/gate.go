package detection

import (
	"sync"
	"time"
)

// AlertGate decides whether a classification should raise an alert. It
// remembers when each label last fired so a persisting violation raises
// one alert per cooldown window.
type AlertGate struct {
	safeLabel   string
	threshold   float64
	minSeverity int
	cooldown    time.Duration

	mu       sync.Mutex
	lastFire map[string]time.Time
}

// NewAlertGate creates a gate
func NewAlertGate(safeLabel string, threshold float64, minSeverity int, cooldown time.Duration) *AlertGate {
	return &AlertGate{
		safeLabel:   safeLabel,
		threshold:   threshold,
		minSeverity: minSeverity,
		cooldown:    cooldown,
		lastFire:    make(map[string]time.Time),
	}
}

// ShouldAlert reports whether label fires now and records the fire time
// when it does. A label may fire again once exactly cooldown has elapsed.
func (g *AlertGate) ShouldAlert(label string, confidence float64, severity int, now time.Time) bool {
	if label == g.safeLabel {
		return false
	}
	if confidence < g.threshold {
		return false
	}
	if severity < g.minSeverity {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.lastFire[label]; ok && now.Sub(last) < g.cooldown {
		return false
	}
	g.lastFire[label] = now
	return true
}

// LastFire returns when label last fired
func (g *AlertGate) LastFire(label string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.lastFire[label]
	return t, ok
}
