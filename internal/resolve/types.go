// Package resolve implements the address resolver: classifying a
// recipient's domain and producing the (transport, nexthop,
// recipient) triple a delivery agent needs, plus flags a caller uses
// to decide whether a non-local destination may relay.
//
// Grounded on original_source/postfix/src/trivial-rewrite/resolve.c's
// resolve_addr(); token-tree parsing there is replaced by plain string
// splitting in the style of framework/address/split.go, since Go has
// no need for tok822's node-pool discipline to avoid use-after-free.
package resolve

import "context"

// DomainClass is the address domain class resolve_addr assigns.
type DomainClass int

const (
	ClassLocal DomainClass = iota
	ClassAlias
	ClassVirtual
	ClassRelay
	ClassDefault
)

func (c DomainClass) String() string {
	switch c {
	case ClassLocal:
		return "local"
	case ClassAlias:
		return "alias"
	case ClassVirtual:
		return "virtual"
	case ClassRelay:
		return "relay"
	case ClassDefault:
		return "default"
	default:
		return "unknown"
	}
}

// ResultFlag is RESOLVE_FLAG_*/RESOLVE_CLASS_* minus the class, which
// Reply.Class already carries as its own field.
type ResultFlag uint8

const (
	// FlagRouted is set when sender-specified routing survived the
	// local-domain stripping loop: a backup MX must never let such an
	// address relay, or a blacklisted primary host could piggyback
	// through it.
	FlagRouted ResultFlag = 1 << iota
	// FlagFail means a table lookup failed; the caller should treat
	// this recipient as "try again later", not as undeliverable.
	FlagFail
)

// Reply is the resolver's answer for one recipient.
type Reply struct {
	Transport string
	Nexthop   string
	Recipient string
	Class     DomainClass
	Flags     ResultFlag
}

// Table is the minimal lookup-table interface the resolver needs; any
// static map, regexp map, or other concrete table satisfying it can be
// passed directly as one of Config's table fields.
type Table interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
}
