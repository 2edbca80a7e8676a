package nostr

// Filter describes a relay query. Zero-value slices mean "no constraint".
type Filter struct {
	IDs      []string
	Authors  []string
	Kinds    []int
	ETags    []string // "#e" referenced-event filter
	PTags    []string // "#p" referenced-pubkey filter
	DTags    []string // "#d" addressable-identifier filter
	Hashtags []string // "#h" topic filter
	Since    *int64
	Until    *int64
	Limit    int
}

// ToReq builds the NIP-01 REQ filter object for the wire.
func (f Filter) ToReq() map[string]interface{} {
	req := map[string]interface{}{}
	if len(f.IDs) > 0 {
		req["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		req["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		req["kinds"] = f.Kinds
	}
	if len(f.ETags) > 0 {
		req["#e"] = f.ETags
	}
	if len(f.PTags) > 0 {
		req["#p"] = f.PTags
	}
	if len(f.DTags) > 0 {
		req["#d"] = f.DTags
	}
	if len(f.Hashtags) > 0 {
		req["#h"] = f.Hashtags
	}
	if f.Since != nil {
		req["since"] = *f.Since
	}
	if f.Until != nil {
		req["until"] = *f.Until
	}
	if f.Limit > 0 {
		req["limit"] = f.Limit
	}
	return req
}

// Matches reports whether an event satisfies the filter. Used for routing
// fetched events back to the logical subscription that asked for them.
func (f Filter) Matches(evt *Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, evt.Kind) {
		return false
	}
	if len(f.ETags) > 0 && !intersects(f.ETags, evt.TagValues("e")) {
		return false
	}
	if len(f.PTags) > 0 && !intersects(f.PTags, evt.TagValues("p")) {
		return false
	}
	if len(f.DTags) > 0 && !containsString(f.DTags, evt.DTag()) {
		return false
	}
	if len(f.Hashtags) > 0 && !intersects(f.Hashtags, evt.TagValues("h")) {
		return false
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
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

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
