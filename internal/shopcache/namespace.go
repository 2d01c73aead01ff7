package shopcache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CacheGeneration is the only namespace generation this build ever asks for.
// Rolling out a new cache layout means bumping this constant; activation then
// removes whatever generation the previous build left behind.
const CacheGeneration = 1

func namespacePrefix(slug string) string { return slug + "-store-" }

func namespaceName(slug string, generation int) string {
	return fmt.Sprintf("%sv%d", namespacePrefix(slug), generation)
}

// namespaceManager is the only writer of a tenant's cache namespaces.
type namespaceManager struct {
	id      Identity
	origin  string // scheme://host the worker was loaded from
	current string

	iconPath string

	caches CacheStorage
	net    Network
	stats  *statsCollector
	log    *zap.Logger
}

func newNamespaceManager(id Identity, origin, iconPath string, caches CacheStorage, net Network, stats *statsCollector, log *zap.Logger) *namespaceManager {
	return &namespaceManager{
		id:       id,
		origin:   origin,
		current:  namespaceName(id.Slug, CacheGeneration),
		iconPath: iconPath,
		caches:   caches,
		net:      net,
		stats:    stats,
		log:      log,
	}
}

func (m *namespaceManager) Current() string { return m.current }

func (m *namespaceManager) prewarmURLs() []string {
	return []string{m.origin + m.id.Scope, m.origin + m.iconPath}
}

// EnsureCurrent pre-warms the current namespace. Any pre-warm failure is
// returned unchanged so the install attempt fails as a whole; the namespace is
// not even opened unless every URL fetched successfully.
func (m *namespaceManager) EnsureCurrent(ctx context.Context) error {
	urls := m.prewarmURLs()
	reqs := make([]*Request, len(urls))
	resps := make([]*Response, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		req, err := NewRequest("GET", u)
		if err != nil {
			return fmt.Errorf("prewarm %s: %w", u, err)
		}
		reqs[i] = req
		g.Go(func() error {
			resp, err := m.net.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("prewarm %s: %w", u, err)
			}
			if !resp.OK() {
				return fmt.Errorf("prewarm %s: unexpected status %d", u, resp.Status)
			}
			if resp.Type != ResponseBasic {
				return fmt.Errorf("prewarm %s: %s response is not cacheable", u, resp.Type)
			}
			resps[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := m.caches.Open(ctx, m.current); err != nil {
		return fmt.Errorf("open %s: %w", m.current, err)
	}

	for i := range reqs {
		if err := m.Put(ctx, reqs[i], resps[i]); err != nil {
			return fmt.Errorf("prewarm store %s: %w", urls[i], err)
		}
	}
	m.log.Info("cache namespace ready", zap.String("namespace", m.current), zap.Int("prewarmed", len(urls)))
	return nil
}

// EvictStale deletes every namespace of this tenant other than the current
// one. It is best-effort: failures are counted and logged but never returned,
// so activation always completes.
//
// The ownership test is a plain name prefix, so any namespace that happens to
// start with "{slug}-store-" is treated as an older generation and removed.
func (m *namespaceManager) EvictStale(ctx context.Context) []string {
	names, err := m.caches.Names(ctx)
	if err != nil {
		m.stats.evictionFailures.Add(1)
		m.log.Error("list cache namespaces", zap.String("tenant", m.id.Slug), zap.Error(err))
		return nil
	}

	prefix := namespacePrefix(m.id.Slug)
	var evicted []string
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) || name == m.current {
			continue
		}
		if _, err := m.caches.Delete(ctx, name); err != nil {
			m.stats.evictionFailures.Add(1)
			m.log.Error("evict stale namespace", zap.String("namespace", name), zap.Error(err))
			continue
		}
		m.stats.evicted.Add(1)
		evicted = append(evicted, name)
	}
	if len(evicted) > 0 {
		m.log.Info("evicted stale namespaces", zap.String("tenant", m.id.Slug), zap.Strings("namespaces", evicted))
	}
	return evicted
}

func (m *namespaceManager) Put(ctx context.Context, req *Request, resp *Response) error {
	ent := CacheEntry{
		Status:   resp.Status,
		Header:   cloneHeader(resp.Header),
		Body:     resp.Body,
		StoredAt: time.Now().Unix(),
	}
	return m.caches.Put(ctx, m.current, req.cacheKey(), ent)
}

func (m *namespaceManager) Match(ctx context.Context, req *Request) (*Response, bool, error) {
	ent, ok, err := m.caches.Match(ctx, m.current, req.cacheKey())
	if err != nil || !ok {
		return nil, false, err
	}
	return ent.response(), true, nil
}
