package event

// Filter selects events within a subscription. Empty fields match
// everything, so the zero value is the match-all filter.
type Filter struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []uint16 `json:"kinds,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// Matches reports whether ev satisfies the filter. Limit is a delivery
// bound, not a predicate, and is ignored here.
func (f *Filter) Matches(ev *Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, ev.Kind) {
		return false
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsKind(list []uint16, k uint16) bool {
	for _, v := range list {
		if v == k {
			return true
		}
	}
	return false
}
