package environ

import "sort"

// Mutation is a set of environment changes applied before a phase spawns
// its server. Apply order is SetDefault, then Set, then Unset.
type Mutation struct {
	// SetDefault sets keys only when they are not already present.
	SetDefault map[string]string `yaml:"set_default,omitempty"`

	// Set overwrites keys unconditionally.
	Set map[string]string `yaml:"set,omitempty"`

	// Unset removes keys.
	Unset []string `yaml:"unset,omitempty"`
}

// Apply returns a new snapshot with the mutation applied to s.
func (m Mutation) Apply(s Snapshot) Snapshot {
	next := s
	for k, v := range m.SetDefault {
		next = next.WithDefault(k, v)
	}
	for k, v := range m.Set {
		next = next.With(k, v)
	}
	return next.Without(m.Unset...)
}

// IsZero reports whether the mutation changes nothing.
func (m Mutation) IsZero() bool {
	return len(m.SetDefault) == 0 && len(m.Set) == 0 && len(m.Unset) == 0
}

// Keys returns every key the mutation touches, sorted and de-duplicated.
func (m Mutation) Keys() []string {
	seen := make(map[string]struct{})
	for k := range m.SetDefault {
		seen[k] = struct{}{}
	}
	for k := range m.Set {
		seen[k] = struct{}{}
	}
	for _, k := range m.Unset {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
