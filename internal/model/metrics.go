package model

import "time"

// Weights applied to raw counters when deriving engagement and performance.
const (
	weightLikes    = 1.0
	weightComments = 2.0
	weightShares   = 3.0
	weightClicks   = 1.5
	weightViews    = 0.5
)

// Metrics holds engagement counters for a posted Post. A row is created
// lazily on the first metrics update and mutated by periodic polling.
type Metrics struct {
	PostID           int64
	Likes            int
	Comments         int
	Shares           int
	Views            int
	Clicks           int
	EngagementRate   float64
	PerformanceScore float64
	FirstTracked     time.Time
	LastUpdated      time.Time
}

// Recalculate derives EngagementRate and PerformanceScore from the raw
// counters. EngagementRate is weighted engagement over views (floored at one
// view); PerformanceScore is a weighted sum scaled into 0-100.
func (m *Metrics) Recalculate() {
	engagement := float64(m.Likes)*weightLikes +
		float64(m.Comments)*weightComments +
		float64(m.Shares)*weightShares

	views := m.Views
	if views < 1 {
		views = 1
	}
	m.EngagementRate = engagement / float64(views)

	weighted := engagement +
		float64(m.Clicks)*weightClicks +
		float64(m.Views)*weightViews
	score := weighted / 100
	if score > 100 {
		score = 100
	}
	m.PerformanceScore = score
}
