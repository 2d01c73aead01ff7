package shopcache

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type State int32

const (
	StateInstalling State = iota
	StateInstalled
	StateActivating
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// install pre-warms the current namespace and then asks to become active
// right away instead of waiting for pages held by an older worker to close.
// That favours fast rollout: until those pages reload they may run old page
// code against this worker's responses.
//
// A failed install leaves the worker in StateInstalling; the host retries on a
// later navigation.
func (h *Handlers) install(ctx context.Context) (Result, error) {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	if cur := h.State(); cur != StateInstalling {
		return Result{}, fmt.Errorf("install in state %s: %w", cur, ErrInvalidState)
	}
	if err := h.ns.EnsureCurrent(ctx); err != nil {
		h.log.Warn("install failed", zap.Error(err))
		return Result{}, fmt.Errorf("install: %w", err)
	}
	h.state.Store(int32(StateInstalled))
	h.log.Info("worker installed", zap.String("namespace", h.ns.Current()))

	// The worker is installed either way; without skip waiting it simply
	// activates once older pages let go.
	if err := h.env.Clients.SkipWaiting(ctx); err != nil {
		h.log.Warn("skip waiting", zap.Error(err))
		return Result{}, nil
	}
	return Result{SkipWaiting: true}, nil
}

// activate removes older cache generations and only then claims open pages,
// so no page is served by this worker while stale namespaces still exist.
func (h *Handlers) activate(ctx context.Context) (Result, error) {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	if cur := h.State(); cur != StateInstalled {
		return Result{}, fmt.Errorf("activate in state %s: %w", cur, ErrInvalidState)
	}
	h.state.Store(int32(StateActivating))

	evicted := h.ns.EvictStale(ctx)
	h.state.Store(int32(StateActivated))

	res := Result{Evicted: evicted}
	if err := h.env.Clients.Claim(ctx); err != nil {
		return res, fmt.Errorf("claim clients: %w", err)
	}
	res.ClaimedClients = true
	h.log.Info("worker activated", zap.Int("evicted", len(evicted)))
	return res, nil
}
