package shopcache

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// sharedImagesSegment marks assets shared across stores; workers intercept
// them even outside their own scope.
const sharedImagesSegment = "/images/"

// ShouldHandle reports whether req falls inside this worker's scope.
func (h *Handlers) ShouldHandle(req *Request) bool {
	u := req.URL.String()
	return strings.Contains(u, h.id.Scope) || strings.Contains(u, sharedImagesSegment)
}

func (h *Handlers) fetch(ctx context.Context, req *Request) (Result, error) {
	if req == nil || req.URL == nil {
		return Result{}, nil
	}
	if h.State() != StateActivated || !h.ShouldHandle(req) {
		return Result{}, nil
	}
	resp, src, err := h.handle(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return Result{Response: resp, Source: src}, nil
}

// handle serves cache-first with no freshness check. On a miss the network
// response is returned as-is; a copy is written back in the background only
// when it is a 200 same-origin response.
func (h *Handlers) handle(ctx context.Context, req *Request) (*Response, Source, error) {
	if resp, ok, err := h.ns.Match(ctx, req); err != nil {
		h.log.Warn("cache match", zap.String("url", req.URL.String()), zap.Error(err))
	} else if ok {
		h.stats.hits.Add(1)
		return resp, SourceHit, nil
	}

	resp, err := h.env.Network.Fetch(ctx, req)
	if err != nil {
		if fallback, ok := h.offlineFallback(ctx); ok {
			h.stats.offline.Add(1)
			return fallback, SourceOffline, nil
		}
		return nil, "", err
	}

	if !cacheable(req, resp) {
		h.stats.passes.Add(1)
		return resp, SourceBypass, nil
	}

	h.stats.misses.Add(1)
	h.refill(ctx, req, resp.clone())
	return resp, SourceMiss, nil
}

func cacheable(req *Request, resp *Response) bool {
	return req.Method == http.MethodGet && resp.Status == http.StatusOK && resp.Type == ResponseBasic
}

func (h *Handlers) refill(ctx context.Context, req *Request, resp *Response) {
	scheduled := h.bg.Go(ctx, func(ctx context.Context) {
		if err := h.ns.Put(ctx, req, resp); err != nil {
			h.stats.writeFailures.Add(1)
			h.writeFailLog.Warn("cache write failed", zap.String("url", req.URL.String()), zap.Error(err))
		}
	})
	if !scheduled {
		h.stats.writeFailures.Add(1)
		h.writeFailLog.Warn("cache write dropped, too many pending", zap.String("url", req.URL.String()))
	}
}

func (h *Handlers) offlineFallback(ctx context.Context) (*Response, bool) {
	req, err := NewRequest(http.MethodGet, h.origin+h.env.OfflinePath)
	if err != nil {
		return nil, false
	}
	resp, ok, err := h.ns.Match(ctx, req)
	if err != nil {
		h.log.Warn("offline fallback lookup", zap.Error(err))
		return nil, false
	}
	return resp, ok
}
