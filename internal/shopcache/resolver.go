package shopcache

import (
	"regexp"
	"strings"
)

var reservedSubdomains = map[string]struct{}{
	"www":   {},
	"app":   {},
	"admin": {},
	"api":   {},
}

// categorySegment is a routing keyword under /shop/ and never a store slug.
const categorySegment = "category"

var (
	shopPathRe      = regexp.MustCompile(`^/shop/([^/]+)`)
	affiliatePathRe = regexp.MustCompile(`^/affiliate/([^/]+)`)
)

type resolveRule func(hostname, pathname string) (Identity, bool)

// Resolver maps a (hostname, pathname) pair to the store that owns it.
// Rules are evaluated in order and the first match wins, so a store
// subdomain always takes priority over a path-based store.
type Resolver struct {
	rootDomain string
	rules      []resolveRule
}

func NewResolver(rootDomain string) *Resolver {
	rootDomain = strings.ToLower(strings.Trim(strings.TrimSpace(rootDomain), "."))
	subdomainRe := regexp.MustCompile(`(?i)^([a-z0-9-]+)\.` + regexp.QuoteMeta(rootDomain) + `$`)

	return &Resolver{
		rootDomain: rootDomain,
		rules: []resolveRule{
			func(hostname, _ string) (Identity, bool) {
				m := subdomainRe.FindStringSubmatch(hostname)
				if m == nil {
					return Identity{}, false
				}
				label := strings.ToLower(m[1])
				if _, reserved := reservedSubdomains[label]; reserved {
					return Identity{}, false
				}
				return Identity{Slug: label, Type: TenantSeller, Scope: "/"}, true
			},
			func(_, pathname string) (Identity, bool) {
				m := shopPathRe.FindStringSubmatch(pathname)
				if m == nil || m[1] == categorySegment {
					return Identity{}, false
				}
				return Identity{Slug: m[1], Type: TenantSeller, Scope: "/shop/" + m[1] + "/"}, true
			},
			func(_, pathname string) (Identity, bool) {
				m := affiliatePathRe.FindStringSubmatch(pathname)
				if m == nil {
					return Identity{}, false
				}
				return Identity{Slug: m[1], Type: TenantAffiliate, Scope: "/affiliate/" + m[1] + "/"}, true
			},
		},
	}
}

func (r *Resolver) RootDomain() string { return r.rootDomain }

// IsSiteHost reports whether hostname is the root domain or one of its
// subdomains. Only those hosts are served from the storefront origin.
func (r *Resolver) IsSiteHost(hostname string) bool {
	return isSiteHost(hostname, r.rootDomain)
}

func isSiteHost(hostname, rootDomain string) bool {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))
	return hostname == rootDomain || strings.HasSuffix(hostname, "."+rootDomain)
}

// Resolve returns false when no store owns the location; callers then fall
// back to plain default-site behaviour.
func (r *Resolver) Resolve(hostname, pathname string) (Identity, bool) {
	for _, rule := range r.rules {
		if id, ok := rule(hostname, pathname); ok {
			return id, true
		}
	}
	return Identity{}, false
}

// stripPort turns a Host header value into a bare hostname.
func stripPort(host string) string {
	if strings.HasPrefix(host, "[") {
		if i := strings.Index(host, "]"); i > 0 {
			return host[1:i]
		}
		return host
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}
