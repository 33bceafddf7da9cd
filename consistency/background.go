package consistency

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RunBackground starts checker.Run on a single background goroutine, as
// spec section 5 allows ("at most one background thread"), and returns a
// function that blocks until it finishes. The checker owns its own table
// references, independent of the main copy pipeline, so it is safe to run
// concurrently with later tables' copy phases.
func RunBackground(ctx context.Context, checker *Checker) (wait func() (*Violation, error)) {
	g, _ := errgroup.WithContext(ctx)
	var result *Violation
	g.Go(func() error {
		v, err := checker.Run()
		result = v
		return err
	})
	return func() (*Violation, error) {
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return result, nil
	}
}
