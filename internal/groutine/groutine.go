// Package groutine spawns named goroutines. The name is attached as a
// pprof label so a stuck loop can be picked out of a profile dump.
package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
)

type ctxKey struct{}

// Go runs fn on a new goroutine labeled with name.
// If parent is nil, context.Background() is used.
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}
	go pprof.Do(parent, pprof.Labels("goroutine_name", name), func(ctx context.Context) {
		fn(context.WithValue(ctx, ctxKey{}, name))
	})
}

// GoWG is Go with WaitGroup bookkeeping: Add(1) happens before the
// goroutine starts, Done when fn returns.
func GoWG(parent context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	Go(parent, name, func(ctx context.Context) {
		defer wg.Done()
		fn(ctx)
	})
}

// Name reports the label the current goroutine was started with, or ""
// when the context did not come through Go.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(ctxKey{}).(string); ok {
		return s
	}
	return ""
}
