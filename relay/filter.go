package relay

import (
	"encoding/json"
	"strings"

	"github.com/marmot-protocol/go-marmot/marmot"
)

// Filter is a NIP-01 subscription filter.  Tags maps a single-letter tag
// name to the accepted values and is encoded as "#<name>".
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string
	Since   *int64
	Until   *int64
	Limit   int
}

// GroupFilter selects the kind 445 events of one group
func GroupFilter(nostrGroupID string) Filter {
	return Filter{Kinds: []int{marmot.KindGroupMessage}, Tags: map[string][]string{"h": {nostrGroupID}}}
}

func (f Filter) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{}
	if len(f.IDs) > 0 {
		out["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		out["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		out["kinds"] = f.Kinds
	}
	for name, values := range f.Tags {
		out["#"+name] = values
	}
	if f.Since != nil {
		out["since"] = *f.Since
	}
	if f.Until != nil {
		out["until"] = *f.Until
	}
	if f.Limit > 0 {
		out["limit"] = f.Limit
	}
	return json.Marshal(out)
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*f = Filter{}
	for key, value := range raw {
		var err error
		switch {
		case key == "ids":
			err = json.Unmarshal(value, &f.IDs)
		case key == "authors":
			err = json.Unmarshal(value, &f.Authors)
		case key == "kinds":
			err = json.Unmarshal(value, &f.Kinds)
		case key == "since":
			f.Since = new(int64)
			err = json.Unmarshal(value, f.Since)
		case key == "until":
			f.Until = new(int64)
			err = json.Unmarshal(value, f.Until)
		case key == "limit":
			err = json.Unmarshal(value, &f.Limit)
		case strings.HasPrefix(key, "#"):
			var values []string
			err = json.Unmarshal(value, &values)
			if f.Tags == nil {
				f.Tags = map[string][]string{}
			}
			f.Tags[key[1:]] = values
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func contains[T comparable](values []T, v T) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// Matches reports whether an event passes the filter.  Limit is ignored.
func (f Filter) Matches(e marmot.Event) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !contains(f.Authors, e.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !contains(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}

	for name, values := range f.Tags {
		found := false
		for _, tag := range e.Tags {
			if tag.Key() == name && contains(values, tag.Value()) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
