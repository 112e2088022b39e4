package htj2k

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// parallel runs job(0..n-1) on at most workers goroutines. Jobs write
// their results by index, so the outcome does not depend on scheduling.
// It stops scheduling on the first error or when ctx is done.
func parallel(ctx context.Context, workers, n int, job func(i int) error) error {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return job(i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
