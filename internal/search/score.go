package search

import (
	"fmt"
	"sort"
	"strings"

	"github.com/clinicbase/clinicbase/internal/patient"
)

// Rule weights.
const (
	ScoreExactFullName     = 100
	ScoreExactName         = 80
	ScoreFullNamePrefix    = 60
	ScoreFullNameContains  = 40
	ScoreResidenceContains = 20
)

// Policy selects how satisfied rules combine into a score.
type Policy int

const (
	// Cumulative adds every satisfied rule once.
	Cumulative Policy = iota
	// HighestTier keeps only the best satisfied rule.
	HighestTier
)

// ParsePolicy maps a config string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cumulative":
		return Cumulative, nil
	case "highest", "highest_tier", "highest-tier":
		return HighestTier, nil
	}
	return Cumulative, fmt.Errorf("unknown scoring policy %q", s)
}

func (p Policy) String() string {
	if p == HighestTier {
		return "highest_tier"
	}
	return "cumulative"
}

// Hit is a scored candidate.
type Hit struct {
	Entry patient.SummaryEntry
	Score int
}

// Score rates e against a non-empty term.
func Score(e patient.SummaryEntry, term string, p Policy) int {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return 0
	}
	full := strings.ToLower(e.FullName)

	rules := []int{}
	if full == term {
		rules = append(rules, ScoreExactFullName)
	}
	if strings.ToLower(e.FirstName) == term {
		rules = append(rules, ScoreExactName)
	}
	if strings.ToLower(e.LastName) == term {
		rules = append(rules, ScoreExactName)
	}
	if strings.HasPrefix(full, term) {
		rules = append(rules, ScoreFullNamePrefix)
	}
	if strings.Contains(full, term) {
		rules = append(rules, ScoreFullNameContains)
	}
	if strings.Contains(strings.ToLower(e.Residence), term) {
		rules = append(rules, ScoreResidenceContains)
	}

	score := 0
	for _, r := range rules {
		if p == HighestTier {
			score = max(score, r)
		} else {
			score += r
		}
	}
	return score
}

// Rank scores entries against term and sorts them by score descending, then
// by case-insensitive full name, then by ID.
func Rank(entries []patient.SummaryEntry, term string, p Policy) []Hit {
	hits := make([]Hit, len(entries))
	for i, e := range entries {
		hits[i] = Hit{Entry: e, Score: Score(e, term, p)}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		ni, nj := strings.ToLower(hits[i].Entry.FullName), strings.ToLower(hits[j].Entry.FullName)
		if ni != nj {
			return ni < nj
		}
		return hits[i].Entry.ID < hits[j].Entry.ID
	})
	return hits
}

// SortByName orders entries by last name then first name, case-insensitive,
// for listings without a search term.
func SortByName(entries []patient.SummaryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		li, lj := strings.ToLower(entries[i].LastName), strings.ToLower(entries[j].LastName)
		if li != lj {
			return li < lj
		}
		fi, fj := strings.ToLower(entries[i].FirstName), strings.ToLower(entries[j].FirstName)
		if fi != fj {
			return fi < fj
		}
		return entries[i].ID < entries[j].ID
	})
}
