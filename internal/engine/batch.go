package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/hiplawrussia-stack/FolliCore/pkg/types"
)

// ExtractBatch processes images in consecutive chunks of the configured batch
// size, each chunk fanned out concurrently. Results keep input order. Any
// failing image fails the whole call.
func (e *Engine) ExtractBatch(ctx context.Context, images [][]byte, opts types.InferenceOptions) ([]*types.InferenceResult, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	results := make([]*types.InferenceResult, len(images))
	for chunkStart := 0; chunkStart < len(images); chunkStart += e.batchSize {
		end := chunkStart + e.batchSize
		if end > len(images) {
			end = len(images)
		}
		g, gctx := errgroup.WithContext(ctx)
		for i := chunkStart; i < end; i++ {
			i := i
			g.Go(func() error {
				res, err := e.ExtractFeatures(gctx, images[i], opts)
				if err != nil {
					return fmt.Errorf("image %d: %w", i, err)
				}
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	return results, nil
}
