// internal/domain/page.go
package domain

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// PageRequest selects a window of a listing.
type PageRequest struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Normalize clamps the window into the allowed range.
func (p PageRequest) Normalize() PageRequest {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// Page is one window of a listing together with the total count.
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Paginate cuts a window out of an already ordered slice.
func Paginate[T any](all []T, p PageRequest) Page[T] {
	p = p.Normalize()
	page := Page[T]{Items: []T{}, Total: len(all), Offset: p.Offset, Limit: p.Limit}
	if p.Offset >= len(all) {
		return page
	}
	end := p.Offset + p.Limit
	if end > len(all) {
		end = len(all)
	}
	page.Items = append(page.Items, all[p.Offset:end]...)
	return page
}
