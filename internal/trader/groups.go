package trader

import (
	"time"

	"github.com/google/uuid"
)

// PatternFlag is one suspicious observation attached to a group.
type PatternFlag struct {
	Kind      string    `json:"kind"` // washTrading|frequentRelationship
	TraderKey string    `json:"trader_key"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// Group is a derived cluster of traders flagged for coordination.
type Group struct {
	ID           string          `json:"id"`
	Members      map[string]bool `json:"members"`
	Created      time.Time       `json:"created"`
	LastActivity time.Time       `json:"last_activity"`
	Patterns     []PatternFlag   `json:"patterns"`
	RiskScore    float64         `json:"risk_score"` // [0,100]
}

func newGroup(now time.Time, members ...string) *Group {
	g := &Group{
		ID:           uuid.NewString(),
		Members:      make(map[string]bool, len(members)),
		Created:      now,
		LastActivity: now,
	}
	for _, m := range members {
		g.Members[m] = true
	}
	return g
}

func (g *Group) addPattern(flag PatternFlag) {
	g.Patterns = append(g.Patterns, flag)
	g.LastActivity = flag.Timestamp

	// Each pattern nudges the risk score toward 100.
	g.RiskScore += 10
	if g.RiskScore > 100 {
		g.RiskScore = 100
	}
}

// patternsSince counts pattern flags inside the window ending at now.
func (g *Group) patternsSince(window time.Duration, now time.Time) int {
	cutoff := now.Add(-window)
	n := 0
	for _, p := range g.Patterns {
		if p.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// absorb merges other into g.
func (g *Group) absorb(other *Group) {
	for m := range other.Members {
		g.Members[m] = true
	}
	g.Patterns = append(g.Patterns, other.Patterns...)
	if other.LastActivity.After(g.LastActivity) {
		g.LastActivity = other.LastActivity
	}
	if other.RiskScore > g.RiskScore {
		g.RiskScore = other.RiskScore
	}
}

// memberKeys returns the member set as a slice.
func (g *Group) memberKeys() []string {
	out := make([]string, 0, len(g.Members))
	for m := range g.Members {
		out = append(out, m)
	}
	return out
}
