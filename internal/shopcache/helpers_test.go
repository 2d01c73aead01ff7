package shopcache

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errOffline = errors.New("network unreachable")

// fakeNetwork serves canned responses by URL and counts calls.
type fakeNetwork struct {
	mu        sync.Mutex
	responses map[string]*Response
	err       error

	calls atomic.Int64
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{responses: map[string]*Response{}}
}

func (n *fakeNetwork) set(url string, status int, typ ResponseType, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses[url] = &Response{
		Status: status,
		Header: http.Header{"Content-Type": {"text/html"}},
		Body:   []byte(body),
		Type:   typ,
	}
}

func (n *fakeNetwork) setErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	n.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return nil, n.err
	}
	if r, ok := n.responses[req.URL.String()]; ok {
		return r.clone(), nil
	}
	return &Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found"), Type: ResponseBasic}, nil
}

type recordingClients struct {
	mu          sync.Mutex
	skipErr     error
	skipWaiting int
	claims      int
	opened      []string
}

func (c *recordingClients) SkipWaiting(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.skipErr != nil {
		return c.skipErr
	}
	c.skipWaiting++
	return nil
}

func (c *recordingClients) Claim(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims++
	return nil
}

func (c *recordingClients) OpenWindow(_ context.Context, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened = append(c.opened, url)
	return nil
}

type testWorker struct {
	h       *Handlers
	net     *fakeNetwork
	caches  CacheStorage
	outbox  *notificationOutbox
	clients *recordingClients
	stats   *statsCollector
}

func newTestWorker(t *testing.T, hostname, pathname string, caches CacheStorage) *testWorker {
	t.Helper()
	if caches == nil {
		caches = newMemoryStorage()
	}
	tw := &testWorker{
		net:     newFakeNetwork(),
		caches:  caches,
		outbox:  newNotificationOutbox(),
		clients: &recordingClients{},
		stats:   newStatsCollector(),
	}
	h, err := NewHandlers(Environment{
		Hostname: hostname,
		Pathname: pathname,
		Resolver: NewResolver("shop.test"),
		Caches:   caches,
		Network:  tw.net,
		Notifier: tw.outbox,
		Clients:  tw.clients,
		Logger:   zap.NewNop(),
		stats:    tw.stats,
	})
	require.NoError(t, err)
	tw.h = h
	return tw
}

// seedPrewarm makes the scope root and icon fetchable.
func (tw *testWorker) seedPrewarm() {
	origin := tw.h.origin
	tw.net.set(origin+tw.h.id.Scope, http.StatusOK, ResponseBasic, "<html>home</html>")
	tw.net.set(origin+defaultIconPath, http.StatusOK, ResponseBasic, "png")
}

// activate runs install and activate successfully.
func (tw *testWorker) activate(t *testing.T) {
	t.Helper()
	tw.seedPrewarm()
	ctx := context.Background()
	_, err := tw.h.Dispatch(ctx, Install{})
	require.NoError(t, err)
	_, err = tw.h.Dispatch(ctx, Activate{})
	require.NoError(t, err)
}

func mustRequest(t *testing.T, method, url string) *Request {
	t.Helper()
	req, err := NewRequest(method, url)
	require.NoError(t, err)
	return req
}
