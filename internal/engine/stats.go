package engine

import (
	"context"
	"strings"
	"time"
)

// Age bucket labels, in display order.
var AgeBuckets = []string{"0-17", "18-34", "35-49", "50-64", "65+"}

// Statistics summarizes the store. It is derived from the summary index only.
type Statistics struct {
	TotalRecords        int            `json:"totalRecords"`
	GenderDistribution  map[string]int `json:"genderDistribution"`
	AgeBuckets          map[string]int `json:"ageBuckets"`
	RecentActivityCount int            `json:"recentActivityCount"`
	RecentWindowDays    int            `json:"recentWindowDays"`
	TotalVisits         int            `json:"totalVisits"`
}

// UnspecifiedGender keys records without a gender in GenderDistribution.
const UnspecifiedGender = "unspecified"

func ageBucket(age int) string {
	switch {
	case age < 18:
		return AgeBuckets[0]
	case age < 35:
		return AgeBuckets[1]
	case age < 50:
		return AgeBuckets[2]
	case age < 65:
		return AgeBuckets[3]
	default:
		return AgeBuckets[4]
	}
}

// GetStatistics counts records by gender and age bucket, and those updated
// within the recent-activity window.
func (e *Engine) GetStatistics(ctx context.Context) (Statistics, error) {
	e.stateMu.RLock()
	entries := e.summary.All()
	e.stateMu.RUnlock()

	stats := Statistics{
		TotalRecords:       len(entries),
		GenderDistribution: make(map[string]int),
		AgeBuckets:         make(map[string]int, len(AgeBuckets)),
		RecentWindowDays:   int(e.recentWindow / (24 * time.Hour)),
	}
	for _, b := range AgeBuckets {
		stats.AgeBuckets[b] = 0
	}

	since := e.now().Add(-e.recentWindow)
	for _, en := range entries {
		g := strings.ToLower(en.Gender)
		if g == "" {
			g = UnspecifiedGender
		}
		stats.GenderDistribution[g]++
		stats.AgeBuckets[ageBucket(en.Age)]++
		if !en.UpdatedAt.Before(since) {
			stats.RecentActivityCount++
		}
		stats.TotalVisits += en.VisitCount
	}
	return stats, nil
}
