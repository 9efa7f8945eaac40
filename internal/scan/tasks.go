package scan

import (
	"context"
	"sync"
	"time"
)

// taskGroup owns the goroutines of one recording phase. Stop cancels them
// all and waits for them to return.
type taskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTaskGroup(parent context.Context) *taskGroup {
	ctx, cancel := context.WithCancel(parent)
	return &taskGroup{ctx: ctx, cancel: cancel}
}

func (g *taskGroup) Go(fn func(ctx context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn(g.ctx)
	}()
}

// Every runs fn on each tick of interval until the group stops.
func (g *taskGroup) Every(interval time.Duration, fn func(ctx context.Context)) {
	g.Go(func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	})
}

// After runs fn once after d unless the group stops first.
func (g *taskGroup) After(d time.Duration, fn func(ctx context.Context)) {
	g.Go(func(ctx context.Context) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			fn(ctx)
		}
	})
}

func (g *taskGroup) Stop() {
	g.cancel()
	g.wg.Wait()
}
