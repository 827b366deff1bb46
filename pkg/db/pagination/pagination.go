// Package pagination implements offset-based listing shared by the
// admin APIs: callers page with limit/offset and always receive the
// total count matching their filters.
package pagination

type Pagination struct {
	Limit  int `form:"limit,default=50" validate:"gte=1,lte=250"`
	Offset int `form:"offset,default=0" validate:"gte=0"`
}

type PageInfo struct {
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

const (
	DefaultLimit = 50
	MaxLimit     = 250
)

// Normalize clamps limit/offset into the supported range.
func (p Pagination) Normalize() Pagination {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
