package shopcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNoTenant means the worker location belongs to the default site.
	ErrNoTenant = errors.New("no tenant for location")
	// ErrInvalidState is returned for lifecycle events that arrive out of order.
	ErrInvalidState = errors.New("invalid lifecycle state")
)

// Network performs real requests on behalf of a worker.
type Network interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// Notifier displays notifications. Showing a notification with a tag that is
// already visible replaces it.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, tag string) error
}

// Clients controls the pages a worker serves.
type Clients interface {
	// SkipWaiting makes the worker active without waiting for pages that are
	// still controlled by an older worker to close.
	SkipWaiting(ctx context.Context) error
	// Claim takes control of every open page in the worker's scope.
	Claim(ctx context.Context) error
	// OpenWindow focuses a page already showing url or opens a new one.
	OpenWindow(ctx context.Context, url string) error
}

// Environment is everything a worker instance may touch. Hostname and
// Pathname are the location the worker was loaded for; Host adds the port
// when there is one.
type Environment struct {
	Hostname string
	Host     string
	Pathname string
	Scheme   string

	Resolver *Resolver
	Caches   CacheStorage
	Network  Network
	Notifier Notifier
	Clients  Clients

	// SyncPendingOrders is awaited for every "sync-orders" sync event.
	SyncPendingOrders func(ctx context.Context) error

	IconPath            string
	OfflinePath         string
	DefaultPushBody     string
	MaxBackgroundWrites int

	Logger *zap.Logger

	stats *statsCollector
}

// Handlers is one worker instance bound to a single tenant for its lifetime.
// It is safe for concurrent use; lifecycle events are serialised while fetch
// events run concurrently.
type Handlers struct {
	id     Identity
	origin string

	env Environment
	ns  *namespaceManager
	bg  *backgroundTasks

	writeFailLog *rateLimitedLogger
	log          *zap.Logger
	stats        *statsCollector

	lifecycleMu sync.Mutex
	state       atomic.Int32
}

// NewHandlers resolves the tenant for env's location once and builds the
// worker around it. It returns ErrNoTenant for default-site locations.
func NewHandlers(env Environment) (*Handlers, error) {
	if env.Resolver == nil || env.Caches == nil || env.Network == nil {
		return nil, fmt.Errorf("environment: resolver, caches and network are required")
	}
	id, ok := env.Resolver.Resolve(env.Hostname, env.Pathname)
	if !ok {
		return nil, fmt.Errorf("%s%s: %w", env.Hostname, env.Pathname, ErrNoTenant)
	}

	if env.Host == "" {
		env.Host = env.Hostname
	}
	if env.Scheme == "" {
		env.Scheme = "https"
	}
	if env.IconPath == "" {
		env.IconPath = defaultIconPath
	}
	if env.OfflinePath == "" {
		env.OfflinePath = defaultOfflinePath
	}
	if env.DefaultPushBody == "" {
		env.DefaultPushBody = defaultPushBody
	}
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	if env.stats == nil {
		env.stats = newStatsCollector()
	}
	if env.Notifier == nil {
		env.Notifier = nopNotifier{}
	}
	if env.Clients == nil {
		env.Clients = nopClients{}
	}

	log := env.Logger.With(zap.String("tenant", id.Slug), zap.String("scope", id.Scope))
	origin := env.Scheme + "://" + env.Host

	return &Handlers{
		id:           id,
		origin:       origin,
		env:          env,
		ns:           newNamespaceManager(id, origin, env.IconPath, env.Caches, env.Network, env.stats, log),
		bg:           newBackgroundTasks(env.MaxBackgroundWrites),
		writeFailLog: newRateLimitedLogger(log, writeFailLogInterval),
		log:          log,
		stats:        env.stats,
	}, nil
}

func (h *Handlers) Identity() Identity { return h.id }

func (h *Handlers) Namespace() string { return h.ns.Current() }

func (h *Handlers) State() State { return State(h.state.Load()) }

// Wait blocks until detached cache writes have finished.
func (h *Handlers) Wait() { h.bg.Wait() }

// Event is one of Install, Activate, Fetch, Push, NotificationClick or Sync.
type Event interface {
	isEvent()
}

type Install struct{}

type Activate struct{}

type Fetch struct {
	Request *Request
}

type Push struct {
	// Payload is nil when the push carried no data.
	Payload []byte
}

type NotificationClick struct {
	Notification Notification
}

type Sync struct {
	Tag string
}

func (Install) isEvent()           {}
func (Activate) isEvent()          {}
func (Fetch) isEvent()             {}
func (Push) isEvent()              {}
func (NotificationClick) isEvent() {}
func (Sync) isEvent()              {}

// Source says where a fetch response came from.
type Source string

const (
	SourceHit     Source = "hit"
	SourceMiss    Source = "miss"
	SourceBypass  Source = "bypass"
	SourceOffline Source = "offline"
)

// Result describes the effects of one dispatched event.
type Result struct {
	// Response is nil for a fetch the worker did not intercept.
	Response *Response
	Source   Source

	Notification *Notification
	OpenedURL    string

	SkipWaiting    bool
	ClaimedClients bool
	Evicted        []string
}

// Dispatch handles one event and reports what it did.
func (h *Handlers) Dispatch(ctx context.Context, ev Event) (Result, error) {
	switch e := ev.(type) {
	case Install:
		return h.install(ctx)
	case Activate:
		return h.activate(ctx)
	case Fetch:
		return h.fetch(ctx, e.Request)
	case Push:
		return h.push(ctx, e.Payload)
	case NotificationClick:
		return h.notificationClick(ctx, e.Notification)
	case Sync:
		return h.sync(ctx, e.Tag)
	default:
		return Result{}, fmt.Errorf("unknown event %T", ev)
	}
}

const writeFailLogInterval = 10 * time.Second

// syncOrdersTag is the only background sync tag with work attached.
const syncOrdersTag = "sync-orders"

func (h *Handlers) sync(ctx context.Context, tag string) (Result, error) {
	if tag != syncOrdersTag || h.env.SyncPendingOrders == nil {
		return Result{}, nil
	}
	if err := h.env.SyncPendingOrders(ctx); err != nil {
		return Result{}, fmt.Errorf("sync pending orders: %w", err)
	}
	return Result{}, nil
}

type nopNotifier struct{}

func (nopNotifier) Show(context.Context, Notification) error { return nil }
func (nopNotifier) Close(context.Context, string) error      { return nil }

type nopClients struct{}

func (nopClients) SkipWaiting(context.Context) error        { return nil }
func (nopClients) Claim(context.Context) error              { return nil }
func (nopClients) OpenWindow(context.Context, string) error { return nil }
