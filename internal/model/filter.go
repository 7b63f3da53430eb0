package model

import (
	"sort"
	"strings"
)

// Wildcard selects every instrument, both in the upstream subscribe directive
// and in a downstream filter string.
const Wildcard = "*"

// Filter is the set of instruments a subscriber wants. An empty filter
// matches everything.
type Filter map[string]struct{}

// NewFilter builds a filter from symbols, normalizing each one.
func NewFilter(symbols ...string) Filter {
	f := make(Filter, len(symbols))
	for _, s := range symbols {
		s = NormalizeSymbol(s)
		if s == "" {
			continue
		}
		if s == Wildcard {
			return Filter{}
		}
		f[s] = struct{}{}
	}
	return f
}

// ParseFilter parses a comma-separated symbol list such as "eurusd, GBPUSD".
func ParseFilter(raw string) Filter {
	if strings.TrimSpace(raw) == "" {
		return Filter{}
	}
	return NewFilter(strings.Split(raw, ",")...)
}

// Matches reports whether an event for instrument passes the filter.
func (f Filter) Matches(instrument string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[NormalizeSymbol(instrument)]
	return ok
}

// All reports whether the filter selects every instrument.
func (f Filter) All() bool {
	return len(f) == 0
}

// Symbols returns the filter's symbols in sorted order.
func (f Filter) Symbols() []string {
	out := make([]string, 0, len(f))
	for s := range f {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (f Filter) String() string {
	if f.All() {
		return Wildcard
	}
	return strings.Join(f.Symbols(), ",")
}
