package resolve

import (
	"context"
	"strings"
)

// Config is the slice of main.cf-equivalent settings resolve_addr
// consults. Any Table field left nil is treated as "never matches"
// (string_list_match against an unset list always fails too).
type Config struct {
	MyHostname string

	// LocalDomains answers "is this domain mine" for the
	// local-domain-stripping loop (mydestination/inet_interfaces
	// combined, in Postfix terms).
	LocalDomains Table

	VirtAliasDomains   Table
	VirtMailboxDomains Table
	RelayDomains       Table

	TransportMaps Table
	RelocatedMaps Table

	RelayHost string

	// Each transport string may carry an embedded "nexthop" after a
	// colon, exactly like a main.cf transport value (e.g. "virtual:"
	// or "smtp:gateway.example.com"); an empty suffix means "use the
	// class's own default nexthop".
	LocalTransport   string
	VirtTransport    string
	RelayTransport   string
	DefaultTransport string
	ErrorTransport   string

	// SwapBangpath/PercentHack enable the corresponding legacy
	// routing-operator rewrite (site!user -> user@site,
	// foo%bar -> foo@bar) during the local-domain-stripping loop.
	SwapBangpath bool
	PercentHack  bool
}

// Resolver holds one immutable Config and answers Resolve calls
// concurrently; it carries no per-request mutable state.
type Resolver struct {
	cfg Config
}

func New(cfg Config) *Resolver {
	return &Resolver{cfg: cfg}
}

func matches(ctx context.Context, t Table, key string) (bool, error) {
	if t == nil {
		return false, nil
	}
	_, ok, err := t.Lookup(ctx, key)
	return ok, err
}

// splitTransport divides a "channel:nexthop" config value the way
// Postfix's transport parameters are written; an absent or empty
// suffix reports ok=false so the caller keeps its own default nexthop.
func splitTransport(spec string) (channel, nexthop string, hasNexthop bool) {
	idx := strings.IndexByte(spec, ':')
	if idx < 0 {
		return spec, "", false
	}
	nexthop = spec[idx+1:]
	return spec[:idx], nexthop, nexthop != ""
}

const maxStripIterations = 64

// Resolve maps one internal-form recipient address to a delivery
// triple, per resolve_addr. Non-nil error is a hard failure (e.g. the
// context was cancelled mid-lookup); a table lookup failure instead
// sets FlagFail on the returned Reply, matching the original's
// "treat as try-again-later" contract.
func (r *Resolver) Resolve(ctx context.Context, addr string) (Reply, error) {
	var flags ResultFlag

	work := addr
	var lastLocalDomain string
	var finalDomain string

	for i := 0; i < maxStripIterations; i++ {
		if strings.Contains(work, "@") && strings.HasSuffix(work, ".") && !strings.HasSuffix(work, "..") {
			work = strings.TrimSuffix(work, ".")
			continue
		}
		if strings.HasSuffix(work, "@") {
			work = strings.TrimSuffix(work, "@")
			continue
		}
		if work == "" {
			work = "postmaster"
			continue
		}

		idx := strings.LastIndexByte(work, '@')
		if idx < 0 {
			finalDomain = ""
			break
		}

		domain := work[idx+1:]
		local, err := matches(ctx, r.cfg.LocalDomains, domain)
		if err != nil {
			return Reply{Flags: FlagFail}, nil
		}
		if !local {
			finalDomain = domain
			break
		}

		lastLocalDomain = domain
		work = work[:idx]

		rewritten := false
		if r.cfg.SwapBangpath {
			if bang := strings.LastIndexByte(work, '!'); bang >= 0 {
				work = work[bang+1:] + "@" + work[:bang]
				rewritten = true
			}
		}
		if !rewritten && r.cfg.PercentHack {
			if pct := strings.LastIndexByte(work, '%'); pct >= 0 {
				work = work[:pct] + "@" + work[pct+1:]
			}
		}
	}

	if finalDomain != "" && (lastLocalDomain != "" || strings.ContainsAny(work[:strings.LastIndexByte(work, '@')], "@!%")) {
		flags |= FlagRouted
	}

	var recipient string
	if finalDomain == "" {
		domain := lastLocalDomain
		if domain == "" {
			domain = r.cfg.MyHostname
		}
		recipient = work + "@" + domain
	} else {
		recipient = work + "@" + finalDomain
	}

	var channel, nexthop, classDomain string
	var class DomainClass

	if finalDomain != "" {
		classDomain = finalDomain

		isAlias, err := matches(ctx, r.cfg.VirtAliasDomains, finalDomain)
		if err != nil {
			return Reply{Flags: FlagFail}, nil
		}
		isVirtual, err := matches(ctx, r.cfg.VirtMailboxDomains, finalDomain)
		if err != nil {
			return Reply{Flags: FlagFail}, nil
		}

		switch {
		case isAlias:
			channel = r.cfg.ErrorTransport
			nexthop = "User unknown in virtual alias table"
			classDomain = r.cfg.MyHostname
			class = ClassAlias
		case isVirtual:
			ch, nh, hasNh := splitTransport(r.cfg.VirtTransport)
			channel = ch
			if hasNh {
				nexthop = nh
			} else {
				nexthop = r.cfg.MyHostname
			}
			classDomain = r.cfg.MyHostname
			class = ClassVirtual
		default:
			isRelay, err := matches(ctx, r.cfg.RelayDomains, finalDomain)
			if err != nil {
				return Reply{Flags: FlagFail}, nil
			}
			if isRelay {
				ch, nh, hasNh := splitTransport(r.cfg.RelayTransport)
				channel = ch
				if hasNh {
					nexthop = nh
				}
				class = ClassRelay
			} else {
				ch, nh, hasNh := splitTransport(r.cfg.DefaultTransport)
				channel = ch
				if hasNh {
					nexthop = nh
				}
				class = ClassDefault
			}
			if r.cfg.RelayHost != "" {
				nexthop = r.cfg.RelayHost
				if channel != r.cfg.ErrorTransport {
					classDomain = nexthop
				}
			} else if nexthop == "" {
				nexthop = finalDomain
			}
		}
	} else {
		ch, nh, hasNh := splitTransport(r.cfg.LocalTransport)
		channel = ch
		if hasNh {
			nexthop = nh
		} else {
			nexthop = r.cfg.MyHostname
		}
		if channel != r.cfg.ErrorTransport {
			classDomain = nexthop
		} else {
			classDomain = r.cfg.MyHostname
		}
		class = ClassLocal
	}

	if r.cfg.TransportMaps != nil {
		savedChannel, savedNexthop := channel, nexthop
		mapped, ok, err := r.cfg.TransportMaps.Lookup(ctx, recipient)
		if err != nil {
			return Reply{Flags: FlagFail}, nil
		}
		if ok {
			ch, nh, hasNh := splitTransport(mapped)
			channel = ch
			if hasNh {
				nexthop = nh
			}
			if channel != savedChannel && (!hasNh || nexthop == savedNexthop) {
				if channel == r.cfg.ErrorTransport {
					nexthop = "Address is not deliverable"
				} else {
					nexthop = classDomain
				}
			}
		}
	}

	if r.cfg.RelocatedMaps != nil {
		newloc, ok, err := r.cfg.RelocatedMaps.Lookup(ctx, recipient)
		if err != nil {
			return Reply{Flags: FlagFail}, nil
		}
		if ok {
			channel = r.cfg.ErrorTransport
			nexthop = "User has moved to " + newloc
		}
	}

	return Reply{
		Transport: channel,
		Nexthop:   nexthop,
		Recipient: recipient,
		Class:     class,
		Flags:     flags,
	}, nil
}
