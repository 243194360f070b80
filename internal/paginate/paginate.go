// Package paginate slices ordered result sets into pages or into the window
// visible in a scrolling viewport. All functions are pure.
package paginate

import "math"

// DefaultPageSize is used when a non-positive page size is requested.
const DefaultPageSize = 10

// Page is one page of a result set. StartIndex and EndIndex are 1-based and
// inclusive; both are 0 when the page is empty.
type Page[T any] struct {
	Items       []T  `json:"items"`
	CurrentPage int  `json:"currentPage"`
	PageSize    int  `json:"pageSize"`
	TotalPages  int  `json:"totalPages"`
	TotalItems  int  `json:"totalItems"`
	HasNext     bool `json:"hasNext"`
	HasPrevious bool `json:"hasPrevious"`
	StartIndex  int  `json:"startIndex"`
	EndIndex    int  `json:"endIndex"`
}

// Paginate returns page (1-based) of items. Out-of-range pages yield no
// items but correct metadata.
func Paginate[T any](items []T, page, pageSize int) Page[T] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	total := len(items)
	totalPages := total / pageSize
	if total%pageSize != 0 {
		totalPages++
	}

	p := Page[T]{
		Items:       []T{},
		CurrentPage: page,
		PageSize:    pageSize,
		TotalPages:  totalPages,
		TotalItems:  total,
		HasNext:     page < totalPages,
		HasPrevious: page > 1,
	}
	if page < 1 || page > totalPages {
		return p
	}

	start := (page - 1) * pageSize
	end := start + min(pageSize, total-start)
	p.Items = items[start:end:end]
	p.StartIndex = start + 1
	p.EndIndex = end
	return p
}

// Window is the slice of items to render for a scroll position.
type Window[T any] struct {
	Start       int `json:"start"` // first rendered index (inclusive)
	End         int `json:"end"`   // last rendered index (exclusive)
	Items       []T `json:"items"`
	TotalHeight int `json:"totalHeight"`
	OffsetY     int `json:"offsetY"` // pixel offset of Items[0]
}

// VisibleWindow returns the items visible at scrollOffset in a viewport of
// viewportHeight, padded by buffer items on each side.
func VisibleWindow[T any](items []T, scrollOffset, viewportHeight, itemHeight, buffer int) Window[T] {
	n := len(items)
	if itemHeight <= 0 {
		return Window[T]{Items: []T{}}
	}
	w := Window[T]{TotalHeight: satMul(n, itemHeight)}
	scrollOffset = max(scrollOffset, 0)
	viewportHeight = max(viewportHeight, 0)
	buffer = max(buffer, 0)

	first := scrollOffset / itemHeight
	visible := viewportHeight / itemHeight
	if viewportHeight%itemHeight != 0 {
		visible++
	}

	w.Start = clamp(first-buffer, 0, n)
	w.End = max(w.Start, addCapped(addCapped(first, visible, n), buffer, n))
	w.Items = items[w.Start:w.End:w.End]
	w.OffsetY = satMul(w.Start, itemHeight)
	return w
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// addCapped returns min(a+b, hi) for non-negative a, b without overflowing.
func addCapped(a, b, hi int) int {
	if a >= hi || b >= hi-a {
		return hi
	}
	return a + b
}

// satMul returns a*b for non-negative a, b, saturating at math.MaxInt.
func satMul(a, b int) int {
	if a != 0 && b > math.MaxInt/a {
		return math.MaxInt
	}
	return a * b
}
