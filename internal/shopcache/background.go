package shopcache

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// backgroundTasks runs detached work that the response path never waits
// for. Tasks receive a context that outlives the request that scheduled
// them, so an aborted page load does not cancel an already scheduled write.
type backgroundTasks struct {
	g errgroup.Group
}

func newBackgroundTasks(limit int) *backgroundTasks {
	b := &backgroundTasks{}
	if limit > 0 {
		b.g.SetLimit(limit)
	}
	return b
}

// Go schedules fn. It returns false without running fn when the limit is
// reached; callers treat that like any other dropped best-effort write.
func (b *backgroundTasks) Go(ctx context.Context, fn func(ctx context.Context)) bool {
	detached := context.WithoutCancel(ctx)
	return b.g.TryGo(func() error {
		fn(detached)
		return nil
	})
}

// Wait blocks until every scheduled task has finished.
func (b *backgroundTasks) Wait() {
	_ = b.g.Wait()
}
