package pagination

import (
	"net/url"
	"testing"
)

func TestFromQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
		opts  []Option
		want  Params
	}{
		{"defaults", "", nil, Params{Page: 1, Limit: 25, Offset: 0, Sort: "newest"}},
		{"page and limit", "page=3&limit=10", nil, Params{Page: 3, Limit: 10, Offset: 20, Sort: "newest"}},
		{"limit capped", "limit=1000", nil, Params{Page: 1, Limit: 100, Offset: 0, Sort: "newest"}},
		{"garbage ignored", "page=-2&limit=abc&sort=sideways", nil, Params{Page: 1, Limit: 25, Offset: 0, Sort: "newest"}},
		{"asc alias", "sort=ASC", nil, Params{Page: 1, Limit: 25, Offset: 0, Sort: "oldest"}},
		{"options", "page=2", []Option{WithDefaultLimit(5), WithDefaultSort("oldest")}, Params{Page: 2, Limit: 5, Offset: 5, Sort: "oldest"}},
		{"bad options ignored", "", []Option{WithDefaultLimit(0), WithDefaultSort("random")}, Params{Page: 1, Limit: 25, Offset: 0, Sort: "newest"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			if err != nil {
				t.Fatalf("parse query: %v", err)
			}
			if got := FromQuery(q, tt.opts...); got != tt.want {
				t.Fatalf("FromQuery = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestHasNext(t *testing.T) {
	p := Params{Page: 2, Limit: 10, Offset: 10}
	if !p.HasNext(21) {
		t.Fatal("expected another page")
	}
	if p.HasNext(20) {
		t.Fatal("expected last page")
	}
}
