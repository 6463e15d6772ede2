package rewrite

import "fmt"

// Rule rewrites one external-form address to another, reporting
// whether it changed anything; a false return means "no match, try
// the next rule". The concrete rules a real deployment wires in here
// (swap-bangpath, percent-hack, append-myorigin, append-mydomain,
// canonical maps) are out of scope - this package only owns the
// fixpoint-looping engine that applies whatever rules a ruleset is
// given, the same way the server iterates its canonical map lookups
// until nothing changes.
type Rule func(addr string) (string, bool)

// maxRewritePasses bounds the fixpoint loop so a misbehaving rule
// (one that keeps reporting a change forever) can't hang a request.
const maxRewritePasses = 100

// Rewriter holds one or more named rulesets, each an ordered list of
// Rules applied repeatedly until none of them match.
type Rewriter struct {
	Rulesets map[string][]Rule
}

func New() *Rewriter {
	return &Rewriter{Rulesets: make(map[string][]Rule)}
}

// Rewrite applies the named ruleset to addr until no rule reports a
// change, mirroring rewrite_tree's repeat-until-stable loop.
func (rw *Rewriter) Rewrite(ruleset, addr string) (string, error) {
	rules, ok := rw.Rulesets[ruleset]
	if !ok {
		return "", fmt.Errorf("rewrite: unknown ruleset %q", ruleset)
	}

	result := addr
	for pass := 0; pass < maxRewritePasses; pass++ {
		changed := false
		for _, rule := range rules {
			if out, ok := rule(result); ok {
				result = out
				changed = true
			}
		}
		if !changed {
			return result, nil
		}
	}
	return result, fmt.Errorf("rewrite: ruleset %q did not converge after %d passes", ruleset, maxRewritePasses)
}
