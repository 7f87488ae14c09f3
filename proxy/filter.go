package proxy

import "strings"

// Filter implements the proxy's prefix filter (§4.6, §8 property 6): a key
// is accepted iff it starts with at least one configured prefix, or no
// prefixes are configured at all.
type Filter struct {
	prefixes []string
}

// MaxFilterPrefixes is the limit spec §4.6 places on the filter-prefix list.
const MaxFilterPrefixes = 1024

// NewFilter builds a Filter from a list of prefixes (possibly empty).
func NewFilter(prefixes []string) *Filter {
	return &Filter{prefixes: prefixes}
}

// Match reports whether key should be accepted.
func (f *Filter) Match(key string) bool {
	if len(f.prefixes) == 0 {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
