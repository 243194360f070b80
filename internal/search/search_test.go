package search

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicbase/clinicbase/internal/patient"
)

func entry(id, first, last, residence string) patient.SummaryEntry {
	return patient.SummaryEntry{
		ID:        id,
		FirstName: first,
		LastName:  last,
		FullName:  first + " " + last,
		Residence: residence,
	}
}

func TestTokens(t *testing.T) {
	toks := Tokens(patient.SummaryEntry{ID: "x", FirstName: "Abc"})
	// "abc" -> ab, abc, bc; full name "" and other fields empty.
	assert.Equal(t, []string{"ab", "abc", "bc"}, toks)
}

func TestTokens_Unicode(t *testing.T) {
	toks := Tokens(patient.SummaryEntry{ID: "x", LastName: "Zoë"})
	assert.Contains(t, toks, "oë")
	assert.Contains(t, toks, "zoë")
}

func TestQuery_JohnDoe(t *testing.T) {
	x := NewIndex()
	x.IndexOne(entry("p1", "John", "Doe", "Boston"))

	assert.Equal(t, []string{"p1"}, x.Query("Jo"))
	assert.Equal(t, []string{"p1"}, x.Query("boston"))
	assert.Equal(t, []string{"p1"}, x.Query("  BOSTON "))
	assert.Equal(t, []string{"p1"}, x.Query("n d"), "full name spans the space")
	assert.Empty(t, x.Query("xyz"))
	assert.Nil(t, x.Query("   "))

	x.RemoveOne("p1")
	assert.Empty(t, x.Query("Jo"))
	assert.Equal(t, 0, x.TokenCount())
	assert.Equal(t, 0, x.Len())
}

func TestQuery_SingleCharacter(t *testing.T) {
	x := NewIndex()
	x.IndexOne(entry("p1", "John", "Doe", ""))
	x.IndexOne(entry("p2", "Mary", "Smith", ""))

	assert.Equal(t, []string{"p1"}, x.Query("j"))
	assert.Equal(t, []string{"p2"}, x.Query("y"))
}

func TestIndexOne_Reindex(t *testing.T) {
	x := NewIndex()
	x.IndexOne(entry("p1", "John", "Doe", "Boston"))
	x.IndexOne(entry("p1", "John", "Doe", "Denver"))

	assert.Empty(t, x.Query("boston"), "old residence tokens must be gone")
	assert.Equal(t, []string{"p1"}, x.Query("denver"))
	assert.Equal(t, 1, x.Len())
	assert.Empty(t, x.Verify([]patient.SummaryEntry{entry("p1", "John", "Doe", "Denver")}))
}

func TestOrdinalReuse(t *testing.T) {
	x := NewIndex()
	x.IndexOne(entry("a", "Ann", "Lee", ""))
	x.IndexOne(entry("b", "Bob", "Ray", ""))
	x.RemoveOne("a")
	x.IndexOne(entry("c", "Cat", "Fox", ""))

	assert.Empty(t, x.Query("ann"))
	assert.Equal(t, []string{"c"}, x.Query("cat"))
	assert.Equal(t, []string{"b"}, x.Query("bob"))
}

func TestRebuild(t *testing.T) {
	x := NewIndex()
	x.IndexOne(entry("stale", "Old", "Entry", ""))

	entries := []patient.SummaryEntry{entry("a", "Ann", "Lee", "Austin"), entry("b", "Bob", "Ray", "Boston")}
	x.Rebuild(entries)

	assert.Empty(t, x.Query("old"))
	assert.Equal(t, []string{"a", "b"}, x.Query("a"))
	assert.Empty(t, x.Verify(entries))
}

func TestVerify_ReportsDrift(t *testing.T) {
	x := NewIndex()
	x.IndexOne(entry("a", "Ann", "Lee", ""))
	x.IndexOne(entry("ghost", "Gus", "Host", ""))

	issues := x.Verify([]patient.SummaryEntry{
		entry("a", "Ann", "Lee", "Austin"), // residence changed, not re-indexed
		entry("b", "Bob", "Ray", ""),
	})
	require.Len(t, issues, 3)
	assert.Contains(t, issues[0], "missing for a")
	assert.Contains(t, issues[1], "b missing from search index")
	assert.Contains(t, issues[2], "ghost with no summary entry")
}

// Every record whose name or residence contains the term must be found.
func TestQuery_Completeness(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	firsts := []string{"John", "Mary", "Ahmed", "Lena", "Sofia", "Noah"}
	lasts := []string{"Doe", "Smith", "Haddad", "Nakamura", "Olsen"}
	towns := []string{"Boston", "Algiers", "Oran", "Denver", "Lyon"}

	x := NewIndex()
	var entries []patient.SummaryEntry
	for i := 0; i < 60; i++ {
		e := entry(fmt.Sprintf("id%02d", i), firsts[rng.Intn(len(firsts))], lasts[rng.Intn(len(lasts))], towns[rng.Intn(len(towns))])
		entries = append(entries, e)
		x.IndexOne(e)
	}

	for _, e := range entries {
		for _, src := range []string{e.FullName, e.Residence} {
			runes := []rune(src)
			i := rng.Intn(len(runes))
			j := i + 1 + rng.Intn(len(runes)-i)
			term := strings.ToUpper(string(runes[i:j]))
			if strings.TrimSpace(term) == "" {
				continue
			}
			assert.Contains(t, x.Query(term), e.ID, "term %q from %q", term, src)
		}
	}
}

func TestScore_Cumulative(t *testing.T) {
	e := entry("p1", "John", "Doe", "Johnstown")

	// exact first (80) + prefix (60) + contains (40) + residence (20)
	assert.Equal(t, 200, Score(e, "john", Cumulative))
	// exact full (100) + prefix (60) + contains (40)
	assert.Equal(t, 200, Score(e, "John Doe", Cumulative))
	// exact last (80) + contains (40)
	assert.Equal(t, 120, Score(e, "doe", Cumulative))
	// contains only
	assert.Equal(t, 40, Score(e, "n d", Cumulative))
	assert.Equal(t, 20, Score(entry("p2", "Ann", "Lee", "Boston"), "bost", Cumulative))
	assert.Equal(t, 0, Score(e, "zzz", Cumulative))
	assert.Equal(t, 0, Score(e, "", Cumulative))
}

func TestScore_SameFirstAndLastName(t *testing.T) {
	e := entry("p", "Lee", "Lee", "")
	// both exact-name rules apply independently
	assert.Equal(t, 80+80+60+40, Score(e, "lee", Cumulative))
	assert.Equal(t, 80, Score(e, "lee", HighestTier))
}

func TestScore_HighestTier(t *testing.T) {
	e := entry("p1", "John", "Doe", "Johnstown")

	assert.Equal(t, 100, Score(e, "john doe", HighestTier))
	assert.Equal(t, 80, Score(e, "john", HighestTier))
	assert.Equal(t, 60, Score(e, "jo", HighestTier))
	assert.Equal(t, 40, Score(e, "n d", HighestTier))
	assert.Equal(t, 20, Score(entry("p2", "Ann", "Lee", "Boston"), "bost", HighestTier))
}

func TestRank_OrderAndTies(t *testing.T) {
	entries := []patient.SummaryEntry{
		entry("3", "Bob", "Hanna", "Boston"),
		entry("1", "Anna", "Bell", ""),
		entry("2", "ann", "Cole", ""),
		entry("4", "Zed", "Ann", ""),
	}

	for _, p := range []Policy{Cumulative, HighestTier} {
		hits := Rank(entries, "ann", p)
		require.Len(t, hits, 4)
		// "ann Cole": exact first; "Anna Bell" prefix; "Zed Ann" exact last;
		// "Bob Hanna" contains.
		got := []string{hits[0].Entry.ID, hits[1].Entry.ID, hits[2].Entry.ID, hits[3].Entry.ID}
		if p == Cumulative {
			// 2: 80+60+40=180, 4: 80+40=120, 1: 60+40=100, 3: 40
			assert.Equal(t, []string{"2", "4", "1", "3"}, got)
		} else {
			// 2: 80, 4: 80 (tie -> "ann cole" < "zed ann"), 1: 60, 3: 40
			assert.Equal(t, []string{"2", "4", "1", "3"}, got)
		}
	}
}

func TestRank_TieBreakByFullName(t *testing.T) {
	entries := []patient.SummaryEntry{
		entry("b", "Zoe", "Smith", "Oslo"),
		entry("a", "amy", "Smith", "Oslo"),
	}
	hits := Rank(entries, "oslo", Cumulative)
	assert.Equal(t, "a", hits[0].Entry.ID)
	assert.Equal(t, hits[0].Score, hits[1].Score)
}

func TestSortByName(t *testing.T) {
	entries := []patient.SummaryEntry{
		entry("1", "Zed", "Adams", ""),
		entry("2", "amy", "smith", ""),
		entry("3", "Bea", "Adams", ""),
	}
	SortByName(entries)
	assert.Equal(t, "3", entries[0].ID)
	assert.Equal(t, "1", entries[1].ID)
	assert.Equal(t, "2", entries[2].ID)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, Cumulative, p)

	p, err = ParsePolicy("Highest_Tier")
	require.NoError(t, err)
	assert.Equal(t, HighestTier, p)

	_, err = ParsePolicy("bm25")
	assert.Error(t, err)
}
