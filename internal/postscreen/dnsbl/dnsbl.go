// Package dnsbl implements postscreen's DNSBL score aggregator: it
// queries every configured blocklist domain for a client address,
// combines the matching (filter, weight) contributions into one
// score, and lets any number of callers that asked about the same
// client address share the result.
//
// Grounded on original_source/postfix/src/postscreen/postscreen_dnsbl.c.
// The C module hangs a growable table of raw function-pointer callbacks
// off each cached score and fires them all once every outstanding DNS
// reply is in; this port uses framework/future's Future instead, since
// "N goroutines blocked on the same not-yet-ready value" is exactly
// what it already does, idiomatically, without hand-rolled realloc'd
// callback arrays.
package dnsbl

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/foxcpp/postfixcore/framework/future"
)

// Site is one (filter, weight) rule under a DNSBL domain. An empty
// Filter always matches (a plain listing); a non-empty Filter must
// equal one of the addresses the DNSBL answered with, usually a
// status code like 127.0.0.2.
type Site struct {
	Filter string
	Weight int
}

type siteHead struct {
	safeName string // display name with any embedded credentials stripped
	sites    []Site
}

// clientScore is the reference-counted per-client-address score record
// ps_dnsbl_request/ps_dnsbl_retrieve maintain. bestContribution tracks
// the single largest (filter,weight) match seen so far so that dnsbl
// names the blocklist responsible for the biggest part of the score,
// not simply the last one processed.
type clientScore struct {
	mu sync.Mutex

	total            int
	bestContribution int
	dnsbl            string

	refcount       int
	pendingLookups int
	ready          *future.Future
}

// Resolver is the subset of framework/dns.ExtResolver this package
// needs: a forward A-record lookup, used to query
// "<reversed-octets>.<dnsbl-domain>" the way a DNSBL lookup works.
type Resolver interface {
	AuthLookupHost(ctx context.Context, host string) (ad bool, addrs []string, err error)
}

// Aggregator owns the configured DNSBL site list and the live score
// cache. The zero value is not usable; construct with New.
type Aggregator struct {
	mu        sync.Mutex
	sites     map[string]*siteHead
	siteOrder []string
	scores    map[string]*clientScore

	resolver Resolver
}

func New(resolver Resolver) *Aggregator {
	return &Aggregator{
		sites:    make(map[string]*siteHead),
		scores:   make(map[string]*clientScore),
		resolver: resolver,
	}
}

// AddSite registers one postscreen_dnsbl_sites entry, in the same
// "domain[=filter][*weight]" syntax the original parses: weight
// (optionally negative, meaning a whitelist contribution) comes after
// a '*', the reply filter after a '=', both optional, domain first.
func (a *Aggregator) AddSite(spec string) error {
	domain, filter, weight, err := parseSiteSpec(spec)
	if err != nil {
		return err
	}
	return a.AddSiteWithSafeName(domain, filter, weight, domain)
}

// AddSiteWithSafeName is AddSite plus an explicit display name, for
// domains that embed credentials (e.g. a DNSBL access token) that
// must not end up in logs verbatim.
func (a *Aggregator) AddSiteWithSafeName(domain, filter string, weight int, safeName string) error {
	if domain == "" {
		return fmt.Errorf("dnsbl: empty domain in site spec")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	head, ok := a.sites[domain]
	if !ok {
		head = &siteHead{safeName: safeName}
		a.sites[domain] = head
		a.siteOrder = append(a.siteOrder, domain)
	}
	head.sites = append(head.sites, Site{Filter: filter, Weight: weight})
	return nil
}

func parseSiteSpec(spec string) (domain, filter string, weight int, err error) {
	weight = 1
	rest := spec

	if idx := strings.IndexByte(rest, '*'); idx >= 0 {
		wtext := rest[idx+1:]
		rest = rest[:idx]
		w, werr := strconv.Atoi(wtext)
		if werr != nil {
			return "", "", 0, fmt.Errorf("dnsbl: bad weight factor %q in %q", wtext, spec)
		}
		weight = w
	}
	if idx := strings.IndexByte(rest, '='); idx >= 0 {
		filter = rest[idx+1:]
		rest = rest[:idx]
	}
	domain = rest
	return domain, filter, weight, nil
}

// Handle is a live reference to one client address's score, acquired
// by Request and released exactly once by Retrieve.
type Handle struct {
	clientAddr string
	agg        *Aggregator
}

// Request starts (or joins, reference-counted) a blocklist lookup for
// clientAddr. It never blocks: queries to every configured DNSBL
// domain run in background goroutines, and Wait reports when they're
// all in.
func (a *Aggregator) Request(ctx context.Context, clientAddr string) *Handle {
	a.mu.Lock()
	if score, ok := a.scores[clientAddr]; ok {
		score.mu.Lock()
		score.refcount++
		score.mu.Unlock()
		a.mu.Unlock()
		return &Handle{clientAddr: clientAddr, agg: a}
	}

	score := &clientScore{refcount: 1, ready: future.New()}
	a.scores[clientAddr] = score
	domains := append([]string(nil), a.siteOrder...)
	a.mu.Unlock()

	score.pendingLookups = len(domains)
	if len(domains) == 0 {
		score.ready.Set(nil, nil)
	}
	for _, domain := range domains {
		go a.lookupSite(ctx, clientAddr, domain, score)
	}

	return &Handle{clientAddr: clientAddr, agg: a}
}

func (a *Aggregator) lookupSite(ctx context.Context, clientAddr, domain string, score *clientScore) {
	query := reverseQuery(clientAddr, domain)
	_, addrs, err := a.resolver.AuthLookupHost(ctx, query)

	if err == nil {
		a.mu.Lock()
		head := a.sites[domain]
		a.mu.Unlock()

		if head != nil {
			score.mu.Lock()
			for _, site := range head.sites {
				if site.Filter == "" || containsAddr(addrs, site.Filter) {
					score.total += site.Weight
					if site.Weight > score.bestContribution {
						score.bestContribution = site.Weight
						score.dnsbl = head.safeName
					}
				}
			}
			score.mu.Unlock()
		}
	}

	score.mu.Lock()
	score.pendingLookups--
	done := score.pendingLookups == 0
	score.mu.Unlock()

	if done {
		score.ready.Set(nil, nil)
	}
}

// reverseQuery builds the classic DNSBL query name: the client's
// octets reversed, prefixed onto the blocklist domain. Only IPv4 is
// supported, matching postscreen's own scope.
func reverseQuery(clientAddr, domain string) string {
	ip := net.ParseIP(clientAddr)
	if ip == nil {
		return domain
	}
	v4 := ip.To4()
	if v4 == nil {
		return domain
	}
	return fmt.Sprintf("%d.%d.%d.%d.%s", v4[3], v4[2], v4[1], v4[0], domain)
}

func containsAddr(addrs []string, want string) bool {
	for _, a := range addrs {
		if a == want {
			return true
		}
	}
	return false
}

// Wait blocks until every DNSBL this client address was queried
// against has answered (or the context is done). Calling it more than
// once, or after Retrieve, is safe; it simply finds nothing left to
// wait for.
func (h *Handle) Wait(ctx context.Context) error {
	h.agg.mu.Lock()
	score, ok := h.agg.scores[h.clientAddr]
	h.agg.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := score.ready.GetContext(ctx)
	return err
}

// Retrieve reads the combined score and the name of its largest
// contributor, and releases this handle's reference. Calling it
// without ever Request-ing this client address is a programming
// error, matching ps_dnsbl_retrieve's msg_panic on the same mistake.
func (h *Handle) Retrieve() (score int, dnsbl string) {
	h.agg.mu.Lock()
	defer h.agg.mu.Unlock()

	s, ok := h.agg.scores[h.clientAddr]
	if !ok {
		panic(fmt.Sprintf("dnsbl: Retrieve without a prior Request for %s", h.clientAddr))
	}

	s.mu.Lock()
	score = s.total
	dnsbl = s.dnsbl
	s.refcount--
	done := s.refcount < 1
	s.mu.Unlock()

	if done {
		delete(h.agg.scores, h.clientAddr)
	}
	return score, dnsbl
}
