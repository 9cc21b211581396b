package connection

import (
	"context"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// BatchGet fetches every path with at most concurrency requests in flight.
// Results keep the order of paths. The first failure cancels the requests
// still pending and is returned.
func BatchGet(ctx context.Context, client *RESTClient, paths []string, concurrency int) ([][]byte, error) {
	if concurrency < 1 {
		concurrency = 1
	}

	results := make([][]byte, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			data, err := client.Do(gctx, http.MethodGet, path, nil, nil)
			if err != nil {
				return err
			}
			results[i] = data
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
