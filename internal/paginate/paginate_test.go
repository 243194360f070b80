package paginate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestPaginate_Metadata(t *testing.T) {
	p := Paginate(seq(25), 2, 10)
	assert.Equal(t, seq(25)[10:20], p.Items)
	assert.Equal(t, 2, p.CurrentPage)
	assert.Equal(t, 3, p.TotalPages)
	assert.Equal(t, 25, p.TotalItems)
	assert.True(t, p.HasNext)
	assert.True(t, p.HasPrevious)
	assert.Equal(t, 11, p.StartIndex)
	assert.Equal(t, 20, p.EndIndex)

	last := Paginate(seq(25), 3, 10)
	assert.Len(t, last.Items, 5)
	assert.False(t, last.HasNext)
	assert.Equal(t, 21, last.StartIndex)
	assert.Equal(t, 25, last.EndIndex)
}

func TestPaginate_OutOfRange(t *testing.T) {
	p := Paginate(seq(5), 4, 2)
	assert.Empty(t, p.Items)
	assert.NotNil(t, p.Items)
	assert.Equal(t, 3, p.TotalPages)
	assert.False(t, p.HasNext)
	assert.True(t, p.HasPrevious)
	assert.Zero(t, p.StartIndex)
	assert.Zero(t, p.EndIndex)

	zero := Paginate(seq(5), 0, 2)
	assert.Empty(t, zero.Items)
}

func TestPaginate_Empty(t *testing.T) {
	p := Paginate([]string{}, 1, 10)
	assert.Empty(t, p.Items)
	assert.Equal(t, 0, p.TotalPages)
	assert.False(t, p.HasNext)
	assert.False(t, p.HasPrevious)
}

func TestPaginate_DefaultPageSize(t *testing.T) {
	p := Paginate(seq(30), 1, 0)
	assert.Equal(t, DefaultPageSize, p.PageSize)
	assert.Len(t, p.Items, DefaultPageSize)
}

// Page sizes follow min(s, max(0, n-(p-1)*s)) and pages concatenate back
// to the input.
func TestPaginate_Exactness(t *testing.T) {
	for n := 0; n <= 23; n++ {
		items := seq(n)
		for s := 1; s <= 7; s++ {
			var rebuilt []int
			first := Paginate(items, 1, s)
			for p := 1; p <= first.TotalPages+1; p++ {
				page := Paginate(items, p, s)
				want := min(s, max(0, n-(p-1)*s))
				require.Len(t, page.Items, want, "n=%d s=%d p=%d", n, s, p)
				rebuilt = append(rebuilt, page.Items...)
			}
			if n == 0 {
				assert.Empty(t, rebuilt)
			} else {
				assert.Equal(t, items, rebuilt, "n=%d s=%d", n, s)
			}
		}
	}
}

func TestPaginate_ItemsDoNotAliasTail(t *testing.T) {
	items := seq(6)
	p := Paginate(items, 1, 3)
	_ = append(p.Items, 99)
	assert.Equal(t, 3, items[3])
}

func TestVisibleWindow(t *testing.T) {
	items := seq(100)

	w := VisibleWindow(items, 0, 200, 50, 2)
	assert.Equal(t, 0, w.Start)
	assert.Equal(t, 6, w.End) // 4 visible + 2 buffer below
	assert.Equal(t, 5000, w.TotalHeight)
	assert.Equal(t, 0, w.OffsetY)

	w = VisibleWindow(items, 1000, 200, 50, 2)
	assert.Equal(t, 18, w.Start)
	assert.Equal(t, 26, w.End)
	assert.Equal(t, items[18:26], w.Items)
	assert.Equal(t, 900, w.OffsetY)

	w = VisibleWindow(items, 4900, 200, 50, 3)
	assert.Equal(t, 95, w.Start)
	assert.Equal(t, 100, w.End)
}

func TestVisibleWindow_PartialItem(t *testing.T) {
	// A 130px viewport over 50px rows shows parts of 3 rows.
	w := VisibleWindow(seq(10), 0, 130, 50, 0)
	assert.Equal(t, 3, w.End)
}

func TestVisibleWindow_Degenerate(t *testing.T) {
	w := VisibleWindow([]int{}, 100, 200, 50, 2)
	assert.Empty(t, w.Items)
	assert.Equal(t, 0, w.TotalHeight)

	w = VisibleWindow(seq(5), -40, 100, 0, 2)
	assert.Empty(t, w.Items)

	w = VisibleWindow(seq(5), 10000, 100, 20, 1)
	assert.Empty(t, w.Items)
	assert.Equal(t, 5, w.Start)
	assert.Equal(t, 100, w.TotalHeight)
}

func TestPaginate_HugePageSize(t *testing.T) {
	p := Paginate([]int{1, 2, 3}, 1, math.MaxInt)
	assert.Equal(t, []int{1, 2, 3}, p.Items)
	assert.Equal(t, 1, p.TotalPages)
	assert.Equal(t, 1, p.StartIndex)
	assert.Equal(t, 3, p.EndIndex)
	assert.False(t, p.HasNext)

	p = Paginate([]int{1, 2, 3}, 2, math.MaxInt)
	assert.Empty(t, p.Items)
	assert.True(t, p.HasPrevious)

	p = Paginate([]int{}, 1, math.MaxInt)
	assert.Equal(t, 0, p.TotalPages)
}

func TestVisibleWindow_HugeInputs(t *testing.T) {
	w := VisibleWindow(seq(10), 0, math.MaxInt, 1, math.MaxInt)
	assert.Equal(t, 0, w.Start)
	assert.Equal(t, 10, w.End)
	assert.Len(t, w.Items, 10)

	w = VisibleWindow(seq(10), 100, 200, math.MaxInt, 0)
	assert.Equal(t, 0, w.Start)
	assert.Equal(t, 1, w.End)
	assert.Equal(t, math.MaxInt, w.TotalHeight)
}
