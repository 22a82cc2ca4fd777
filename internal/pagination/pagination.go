// Package pagination reads page, limit and sort parameters from a query
// string and turns them into offsets for store queries.
package pagination

import (
	"net/url"
	"strconv"
	"strings"
)

type Params struct {
	Page   int32
	Limit  int32
	Offset int32
	Sort   string // "newest" or "oldest"
}

const (
	MaxLimit     int32 = 100
	DefaultPage  int32 = 1
	DefaultLimit int32 = 25
	DefaultSort        = "newest"
)

type Option func(*Params)

func WithDefaultLimit(limit int32) Option {
	return func(p *Params) {
		if limit > 0 {
			p.Limit = limit
		}
	}
}

func WithDefaultSort(sort string) Option {
	return func(p *Params) {
		if normalized, ok := normalizeSort(sort); ok {
			p.Sort = normalized
		}
	}
}

// FromQuery applies opts, then overrides them with valid values from q.
// Invalid or missing values keep the defaults and the limit is capped at MaxLimit.
func FromQuery(q url.Values, opts ...Option) Params {
	params := Params{Page: DefaultPage, Limit: DefaultLimit, Sort: DefaultSort}
	for _, opt := range opts {
		opt(&params)
	}

	if page, ok := positive(q.Get("page")); ok {
		params.Page = page
	}
	if limit, ok := positive(q.Get("limit")); ok {
		params.Limit = limit
	}
	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}
	if sort, ok := normalizeSort(q.Get("sort")); ok {
		params.Sort = sort
	}
	params.Offset = (params.Page - 1) * params.Limit
	return params
}

// HasNext reports whether rows remain after this page.
func (p Params) HasNext(total int32) bool {
	return p.Offset+p.Limit < total
}

func positive(value string) (int32, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.ParseInt(value, 10, 32)
	if err != nil || parsed < 1 {
		return 0, false
	}
	return int32(parsed), true
}

// normalizeSort folds the asc/desc aliases onto oldest/newest.
func normalizeSort(sort string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(sort)) {
	case "newest", "desc":
		return "newest", true
	case "oldest", "asc":
		return "oldest", true
	default:
		return "", false
	}
}
