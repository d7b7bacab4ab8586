// Package pagination provides offset-based page bounds.
package pagination

// Page is a clamped limit/offset pair.
type Page struct {
	Limit  int
	Offset int
}

// Clamp bounds limit to [1, maxLimit] and offset to >= 0.
func Clamp(limit, offset, maxLimit int) Page {
	if maxLimit < 1 {
		maxLimit = 1
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return Page{Limit: limit, Offset: offset}
}

// Window returns the [start, end) slice bounds of the page within n items.
func (p Page) Window(n int) (int, int) {
	if p.Offset >= n {
		return n, n
	}
	end := p.Offset + p.Limit
	if end > n {
		end = n
	}
	return p.Offset, end
}
