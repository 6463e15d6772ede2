package main

import "context"

// staticTable is a small map-backed lookup table, standing in for the
// full table.static module: a from-scratch supervisor binary has no
// config-block registry to instantiate table.static through, so this
// satisfies resolve.Table/flush.Table directly from the flat Config
// directives cmd/postmaster already parses.
type staticTable map[string]string

func (t staticTable) Lookup(_ context.Context, key string) (string, bool, error) {
	v, ok := t[key]
	return v, ok, nil
}

// tableFromList turns a directive's argument list into a staticTable in
// which every entry maps to itself, which is enough for membership-only
// tables (local_domains, relay_domains).
func tableFromList(entries []string) staticTable {
	t := make(staticTable, len(entries))
	for _, e := range entries {
		t[e] = e
	}
	return t
}
