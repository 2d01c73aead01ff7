package shopcache

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// notificationOutbox holds the notifications currently visible for one
// worker, one per tag.
type notificationOutbox struct {
	mu    sync.Mutex
	items map[string]Notification
}

func newNotificationOutbox() *notificationOutbox {
	return &notificationOutbox{items: map[string]Notification{}}
}

func (o *notificationOutbox) Show(_ context.Context, n Notification) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[n.Tag] = n
	return nil
}

func (o *notificationOutbox) Close(_ context.Context, tag string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, tag)
	return nil
}

func (o *notificationOutbox) Get(tag string) (Notification, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n, ok := o.items[tag]
	return n, ok
}

func (o *notificationOutbox) List() []Notification {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Notification, 0, len(o.items))
	for _, n := range o.items {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// hostClients records control changes for one registration. The process has
// no real pages, so claiming and opening windows are bookkeeping plus a log
// line.
type hostClients struct {
	log *zap.Logger

	mu          sync.Mutex
	skipWaiting bool
	claimed     bool
	opened      []string
}

func newHostClients(log *zap.Logger) *hostClients {
	return &hostClients{log: log}
}

func (c *hostClients) SkipWaiting(context.Context) error {
	c.mu.Lock()
	c.skipWaiting = true
	c.mu.Unlock()
	return nil
}

func (c *hostClients) Claim(context.Context) error {
	c.mu.Lock()
	c.claimed = true
	c.mu.Unlock()
	c.log.Debug("clients claimed")
	return nil
}

func (c *hostClients) OpenWindow(_ context.Context, url string) error {
	c.mu.Lock()
	c.opened = append(c.opened, url)
	c.mu.Unlock()
	c.log.Info("window opened", zap.String("url", url))
	return nil
}

func (c *hostClients) SkippedWaiting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.skipWaiting
}

func (c *hostClients) Claimed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claimed
}

func (c *hostClients) Opened() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.opened...)
}
