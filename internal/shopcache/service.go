package shopcache

import (
	"bytes"
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	maxRequestBody = 10 << 20
	maxPushPayload = 4 << 10

	cacheHeader = "X-Shopcache"
)

// Service hosts one worker per registered store location and routes every
// incoming request through the worker that owns it.
type Service struct {
	cfg Config
	log *zap.Logger

	resolver *Resolver
	caches   CacheStorage
	disk     *diskStorage
	network  Network
	stats    *statsCollector

	syncClient *http.Client

	mu            sync.Mutex
	registrations map[string]*registration
	recent        *list.List // of *registration, most recently used first
	installs      singleflight.Group

	stopCh chan struct{}
	wg     sync.WaitGroup

	router chi.Router
}

// registration is one activated worker instance and the host state it drives.
type registration struct {
	key  string
	elem *list.Element

	handlers *Handlers
	outbox   *notificationOutbox
	clients  *hostClients
}

func NewService(cfg Config, log *zap.Logger) (*Service, error) {
	var (
		caches CacheStorage
		disk   *diskStorage
	)
	switch cfg.Storage.Kind {
	case "memory":
		caches = newMemoryStorage()
	default:
		d, err := newDiskStorage(cfg.Storage.Path, cfg.ramMax, cfg.diskMax)
		if err != nil {
			return nil, err
		}
		caches, disk = d, d
	}

	s := newService(cfg, log, caches, newHTTPNetwork(cfg.Server.Origin, cfg.Server.RootDomain, 30*time.Second))
	s.disk = disk

	if cfg.logStatsEvery > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.logStatsEvery)
		}()
	}
	return s, nil
}

func newService(cfg Config, log *zap.Logger, caches CacheStorage, network Network) *Service {
	s := &Service{
		cfg:           cfg,
		log:           log,
		resolver:      NewResolver(cfg.Server.RootDomain),
		caches:        caches,
		network:       network,
		stats:         newStatsCollector(),
		syncClient:    &http.Client{Timeout: cfg.syncTimeout},
		registrations: map[string]*registration{},
		recent:        list.New(),
		stopCh:        make(chan struct{}),
	}
	s.router = s.routes()
	return s
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	regs := make([]*registration, 0, len(s.registrations))
	for _, reg := range s.registrations {
		regs = append(regs, reg)
	}
	s.mu.Unlock()
	for _, reg := range regs {
		reg.handlers.Wait()
	}

	if err := s.caches.Close(); err != nil {
		s.log.Error("close cache storage", zap.Error(err))
	}
}

func (s *Service) Handler() http.Handler {
	return s.router
}

func (s *Service) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.siteHostsOnly)
	r.Route("/_sw", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/status", s.handleStatus)
		r.Get("/notifications", s.handleNotifications)
		r.Post("/push", s.handlePush)
		r.Post("/notifications/{tag}/click", s.handleNotificationClick)
		r.Post("/sync/{tag}", s.handleSync)
	})
	r.Handle("/*", http.HandlerFunc(s.handleFetch))
	return r
}

func registrationKey(host string, id Identity) string {
	return strings.ToLower(host) + "|" + id.Scope
}

// siteHostsOnly refuses requests whose Host is outside the root domain, so a
// client-chosen host never becomes an upstream target.
func (s *Service) siteHostsOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.resolver.IsSiteHost(stripPort(r.Host)) {
			s.log.Debug("misdirected request", zap.String("host", r.Host))
			http.Error(w, "misdirected request", http.StatusMisdirectedRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// registrationFor returns the active worker for a location, installing and
// activating it on first use. Nothing is registered until that succeeds, so a
// failed install is simply retried by the next navigation. It returns
// ErrNoTenant for default-site locations.
func (s *Service) registrationFor(ctx context.Context, host, pathname string) (*registration, error) {
	id, ok := s.resolver.Resolve(stripPort(host), pathname)
	if !ok {
		return nil, ErrNoTenant
	}
	key := registrationKey(host, id)
	if reg, ok := s.touch(key); ok {
		return reg, nil
	}

	v, err, _ := s.installs.Do(key, func() (any, error) {
		if reg, ok := s.touch(key); ok {
			return reg, nil
		}
		reg, err := s.newRegistration(key, host, pathname, id)
		if err != nil {
			return nil, err
		}
		// Concurrent navigations share this install; one of them going away
		// must not fail it for the rest.
		if err := s.startWorker(context.WithoutCancel(ctx), reg.handlers); err != nil {
			return nil, err
		}
		s.add(reg)
		return reg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*registration), nil
}

func (s *Service) newRegistration(key, host, pathname string, id Identity) (*registration, error) {
	hostname := stripPort(host)
	log := s.log.With(zap.String("host", hostname))
	outbox := newNotificationOutbox()
	clients := newHostClients(log.With(zap.String("tenant", id.Slug)))
	h, err := NewHandlers(Environment{
		Hostname:            hostname,
		Host:                host,
		Pathname:            pathname,
		Scheme:              s.cfg.Server.Scheme,
		Resolver:            s.resolver,
		Caches:              s.caches,
		Network:             s.network,
		Notifier:            outbox,
		Clients:             clients,
		SyncPendingOrders:   s.orderSync(id),
		IconPath:            s.cfg.Worker.IconPath,
		OfflinePath:         s.cfg.Worker.OfflinePath,
		DefaultPushBody:     s.cfg.Notifications.DefaultBody,
		MaxBackgroundWrites: s.cfg.Worker.MaxBackgroundWrites,
		Logger:              log,
		stats:               s.stats,
	})
	if err != nil {
		return nil, err
	}
	return &registration{key: key, handlers: h, outbox: outbox, clients: clients}, nil
}

// startWorker drives a fresh worker through install and activate.
func (s *Service) startWorker(ctx context.Context, h *Handlers) error {
	if _, err := h.Dispatch(ctx, Install{}); err != nil {
		return err
	}
	if _, err := h.Dispatch(ctx, Activate{}); err != nil {
		if h.State() != StateActivated {
			return err
		}
		s.log.Warn("activate", zap.String("tenant", h.Identity().Slug), zap.Error(err))
	}
	return nil
}

func (s *Service) touch(key string) (*registration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.registrations[key]
	if ok {
		s.recent.MoveToFront(reg.elem)
	}
	return reg, ok
}

// add registers reg and drops the least recently used workers past
// worker.maxRegistrations. Their namespaces stay; only the in-memory worker
// goes, and it is rebuilt on the next navigation to its location.
func (s *Service) add(reg *registration) {
	s.mu.Lock()
	reg.elem = s.recent.PushFront(reg)
	s.registrations[reg.key] = reg
	var dropped []*registration
	for limit := s.cfg.Worker.MaxRegistrations; limit > 0 && s.recent.Len() > limit; {
		old := s.recent.Remove(s.recent.Back()).(*registration)
		delete(s.registrations, old.key)
		dropped = append(dropped, old)
	}
	s.mu.Unlock()

	for _, old := range dropped {
		s.log.Debug("worker dropped", zap.String("key", old.key))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			old.handlers.Wait()
		}()
	}
}

// lookupRegistration finds an existing worker without creating one.
func (s *Service) lookupRegistration(host, pathname string) (*registration, bool) {
	id, ok := s.resolver.Resolve(stripPort(host), pathname)
	if !ok {
		return nil, false
	}
	return s.touch(registrationKey(host, id))
}

// controllingRegistration finds the worker of the page that issued r. It
// covers subresources outside every store path, such as shared images, which
// only a path store's worker can intercept.
func (s *Service) controllingRegistration(r *http.Request) (*registration, bool) {
	ref, err := url.Parse(r.Referer())
	if err != nil || !strings.EqualFold(ref.Host, r.Host) {
		return nil, false
	}
	return s.lookupRegistration(r.Host, ref.Path)
}

func (s *Service) requestFrom(r *http.Request) (*Request, error) {
	u := &url.URL{
		Scheme:   s.cfg.Server.Scheme,
		Host:     r.Host,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
	req := &Request{Method: r.Method, URL: u, Header: cloneHeader(r.Header)}
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			return nil, err
		}
		req.Body = b
	}
	return req, nil
}

func (s *Service) handleFetch(w http.ResponseWriter, r *http.Request) {
	req, err := s.requestFrom(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	hostname := stripPort(r.Host)

	reg, err := s.registrationFor(r.Context(), r.Host, r.URL.Path)
	if errors.Is(err, ErrNoTenant) {
		var ok bool
		if reg, ok = s.controllingRegistration(r); !ok {
			s.proxyPass(w, r, req)
			return
		}
	} else if err != nil {
		s.log.Warn("worker not active, passing through",
			zap.String("host", hostname), zap.String("path", r.URL.Path), zap.Error(err))
		s.proxyPass(w, r, req)
		return
	}

	res, err := reg.handlers.Dispatch(r.Context(), Fetch{Request: req})
	if err != nil {
		setCacheHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if res.Response == nil {
		s.proxyPass(w, r, req)
		return
	}
	writeResponse(w, res.Response, string(res.Source))
	s.stats.ObserveResponse(len(res.Response.Body))
}

// proxyPass forwards a request the worker left alone, as the browser's own
// networking would.
func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request, req *Request) {
	resp, err := s.network.Fetch(r.Context(), req)
	if err != nil {
		setCacheHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeResponse(w, resp, "pass")
}

func writeResponse(w http.ResponseWriter, resp *Response, label string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, cacheHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w.Header(), label)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setCacheHeaders(h http.Header, label string) {
	if label != "" {
		h.Set(cacheHeader, label)
	}
	// Browsers hide custom headers from CORS callers unless exposed.
	ensureExposedHeader(h, cacheHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// ---- worker control endpoints ----

// adminTarget finds the worker addressed by a control request: the request
// host plus the page path given in ?path= (default "/").
func (s *Service) adminTarget(w http.ResponseWriter, r *http.Request) (*registration, bool) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/"
	}
	reg, ok := s.lookupRegistration(r.Host, path)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no worker registered for location"})
		return nil, false
	}
	return reg, true
}

type workerStatus struct {
	Slug        string   `json:"slug"`
	Type        string   `json:"type"`
	Scope       string   `json:"scope"`
	State       string   `json:"state"`
	Namespace   string   `json:"namespace"`
	SkipWaiting bool     `json:"skipWaiting"`
	Claimed     bool     `json:"claimed"`
	Opened      []string `json:"opened"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.adminTarget(w, r)
	if !ok {
		return
	}
	h := reg.handlers
	id := h.Identity()
	writeJSON(w, http.StatusOK, workerStatus{
		Slug:        id.Slug,
		Type:        string(id.Type),
		Scope:       id.Scope,
		State:       h.State().String(),
		Namespace:   h.Namespace(),
		SkipWaiting: reg.clients.SkippedWaiting(),
		Claimed:     reg.clients.Claimed(),
		Opened:      reg.clients.Opened(),
	})
}

func (s *Service) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Service) handleNotifications(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.adminTarget(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, reg.outbox.List())
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.adminTarget(w, r)
	if !ok {
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPushPayload))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = nil
	}
	res, err := reg.handlers.Dispatch(r.Context(), Push{Payload: payload})
	if err != nil {
		s.log.Error("push", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, res.Notification)
}

func (s *Service) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.adminTarget(w, r)
	if !ok {
		return
	}
	tag := chi.URLParam(r, "tag")
	n, ok := reg.outbox.Get(tag)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no visible notification with tag " + tag})
		return
	}
	res, err := reg.handlers.Dispatch(r.Context(), NotificationClick{Notification: n})
	if err != nil {
		s.log.Error("notification click", zap.String("tag", tag), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"opened": res.OpenedURL})
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.adminTarget(w, r)
	if !ok {
		return
	}
	tag := chi.URLParam(r, "tag")
	if _, err := reg.handlers.Dispatch(r.Context(), Sync{Tag: tag}); err != nil {
		s.log.Warn("sync", zap.String("tag", tag), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// orderSync returns the routine awaited for "sync-orders" events. Without a
// configured endpoint there is nothing to flush and the sync succeeds.
func (s *Service) orderSync(id Identity) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if s.cfg.Sync.Endpoint == "" {
			s.log.Debug("order sync skipped, no endpoint", zap.String("tenant", id.Slug))
			return nil
		}
		body, err := json.Marshal(map[string]string{"store": id.Slug, "type": string(id.Type)})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Sync.Endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.syncClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("order sync endpoint: unexpected status %d", resp.StatusCode)
		}
		return nil
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			s.mu.Lock()
			workers := len(s.registrations)
			s.mu.Unlock()

			fields := []zap.Field{
				zap.Int("workers", workers),
				zap.Uint64("hits", ss.Hits),
				zap.Uint64("misses", ss.Misses),
				zap.Uint64("passes", ss.Passes),
				zap.Uint64("offline", ss.Offline),
				zap.Uint64("writeFailures", ss.WriteFailures),
				zap.Uint64("evicted", ss.Evicted),
				zap.Uint64("evictionFailures", ss.EvictionFailures),
				zap.String("resp", fmt.Sprintf("%s/%s/%s",
					formatBytes(ss.MinRespBytes), formatBytes(ss.AvgRespBytes), formatBytes(ss.MaxRespBytes))),
			}
			if s.disk != nil {
				fields = append(fields,
					zap.Int("entries", s.disk.EntryCount()),
					zap.String("ram", formatBytes(uint64(s.disk.ram.TotalSize()))),
					zap.String("disk", formatBytes(uint64(s.disk.TotalSize()))),
				)
			}
			s.log.Info("cache stats", fields...)
		}
	}
}
