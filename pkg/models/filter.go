package models

import (
	"encoding/json"
	"strings"
)

// Filter describes which events a relay should deliver on a subscription.
// Unpopulated fields are wildcards. Tag constraints are keyed by tag name
// without the "#" prefix; on the wire they are emitted as "#<name>" keys per
// the relay protocol.
type Filter struct {
	Kinds   []int
	Authors []string
	IDs     []string
	Tags    map[string][]string
	Since   *int64
	Until   *int64
	Limit   int
}

type filterJSON struct {
	Kinds   []int    `json:"kinds,omitempty"`
	Authors []string `json:"authors,omitempty"`
	IDs     []string `json:"ids,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

func (f Filter) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(filterJSON{
		Kinds:   f.Kinds,
		Authors: f.Authors,
		IDs:     f.IDs,
		Since:   f.Since,
		Until:   f.Until,
		Limit:   f.Limit,
	})
	if err != nil {
		return nil, err
	}
	if len(f.Tags) == 0 {
		return base, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	for name, values := range f.Tags {
		raw, err := json.Marshal(values)
		if err != nil {
			return nil, err
		}
		fields["#"+name] = raw
	}
	return json.Marshal(fields)
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	var base filterJSON
	if err := json.Unmarshal(data, &base); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*f = Filter{
		Kinds:   base.Kinds,
		Authors: base.Authors,
		IDs:     base.IDs,
		Since:   base.Since,
		Until:   base.Until,
		Limit:   base.Limit,
	}
	for key, raw := range fields {
		if !strings.HasPrefix(key, "#") || len(key) < 2 {
			continue
		}
		var values []string
		if err := json.Unmarshal(raw, &values); err != nil {
			return err
		}
		if f.Tags == nil {
			f.Tags = make(map[string][]string)
		}
		f.Tags[key[1:]] = values
	}
	return nil
}

// Matches reports whether the event satisfies every populated constraint.
func (f Filter) Matches(ev Event) bool {
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.IDs) > 0 && !containsString(f.IDs, ev.ID) {
		return false
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	for name, allowed := range f.Tags {
		if !eventHasTagValue(ev, name, allowed) {
			return false
		}
	}
	return true
}

func eventHasTagValue(ev Event, name string, allowed []string) bool {
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != name {
			continue
		}
		if containsString(allowed, tag[1]) {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
