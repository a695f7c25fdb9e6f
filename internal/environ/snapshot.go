// Package environ provides immutable environment snapshots handed to
// supervised server processes.
//
// A Snapshot is captured once from the supervisor's own environment and then
// only ever derived from: every mutation returns a new Snapshot, so a process
// spawned from one snapshot can never observe changes made for a later phase.
package environ

import (
	"os"
	"sort"
	"strings"
)

// Snapshot is an immutable mapping of environment variable names to values.
// The zero value is an empty snapshot.
type Snapshot struct {
	vars map[string]string
}

// New returns a snapshot holding a copy of vars.
func New(vars map[string]string) Snapshot {
	cp := make(map[string]string, len(vars))
	for k, v := range vars {
		cp[k] = v
	}
	return Snapshot{vars: cp}
}

// FromOS captures the current process environment.
func FromOS() Snapshot {
	return Parse(os.Environ())
}

// Parse builds a snapshot from KEY=VALUE entries. Entries without '=' are
// skipped; when a key repeats, the last value wins (same as os/exec).
func Parse(entries []string) Snapshot {
	vars := make(map[string]string, len(entries))
	for _, entry := range entries {
		i := strings.IndexByte(entry, '=')
		if i <= 0 {
			continue
		}
		vars[entry[:i]] = entry[i+1:]
	}
	return Snapshot{vars: vars}
}

// Get returns the value for key and whether it is present.
func (s Snapshot) Get(key string) (string, bool) {
	v, ok := s.vars[key]
	return v, ok
}

// Has reports whether key is present.
func (s Snapshot) Has(key string) bool {
	_, ok := s.vars[key]
	return ok
}

// Len returns the number of variables.
func (s Snapshot) Len() int {
	return len(s.vars)
}

// Keys returns the variable names in sorted order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.vars))
	for k := range s.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// With returns a copy of s with key set to value.
func (s Snapshot) With(key, value string) Snapshot {
	next := New(s.vars)
	next.vars[key] = value
	return next
}

// WithDefault returns a copy of s with key set to value only if key is absent.
func (s Snapshot) WithDefault(key, value string) Snapshot {
	if s.Has(key) {
		return s
	}
	return s.With(key, value)
}

// Without returns a copy of s with the given keys removed.
func (s Snapshot) Without(keys ...string) Snapshot {
	next := New(s.vars)
	for _, k := range keys {
		delete(next.vars, k)
	}
	return next
}

// Environ renders the snapshot as sorted KEY=VALUE entries for exec.Cmd.Env.
func (s Snapshot) Environ() []string {
	keys := s.Keys()
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+s.vars[k])
	}
	return out
}

// Equal reports whether both snapshots hold exactly the same variables.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s.vars) != len(other.vars) {
		return false
	}
	for k, v := range s.vars {
		if ov, ok := other.vars[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Delta describes how one snapshot differs from another.
type Delta struct {
	Added   map[string]string
	Changed map[string]string
	Removed []string
}

// Empty reports whether the delta records no differences.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// Diff returns the changes that turn from into to.
func Diff(from, to Snapshot) Delta {
	d := Delta{
		Added:   make(map[string]string),
		Changed: make(map[string]string),
	}
	for k, v := range to.vars {
		old, ok := from.vars[k]
		switch {
		case !ok:
			d.Added[k] = v
		case old != v:
			d.Changed[k] = v
		}
	}
	for k := range from.vars {
		if _, ok := to.vars[k]; !ok {
			d.Removed = append(d.Removed, k)
		}
	}
	sort.Strings(d.Removed)
	return d
}
