package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hiplawrussia-stack/FolliCore/internal/preprocess"
	"github.com/hiplawrussia-stack/FolliCore/pkg/types"
)

// Warmup runs the forward pass on a synthetic input to page in weights,
// build kernels, and settle allocator state before real traffic arrives.
// The first iteration is tracked separately since it pays those one-time
// costs. Callers that disable warmup skip this call entirely; iterations
// below 1 coerce to a single pass.
func (e *Engine) Warmup(ctx context.Context, iterations int) (*types.WarmupStats, error) {
	if iterations < 1 {
		iterations = 1
	}
	tensor := preprocess.Synthetic(e.preCfg.ImageSize)
	stats := &types.WarmupStats{}
	var total float64
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		if _, err := e.backend.Infer(tensor, types.InferenceOptions{}); err != nil {
			return nil, fmt.Errorf("warmup iteration %d: %w", i+1, err)
		}
		ms := msSince(start)
		total += ms
		if i == 0 {
			stats.FirstMs = ms
			stats.MinMs = ms
			stats.MaxMs = ms
		} else {
			if ms < stats.MinMs {
				stats.MinMs = ms
			}
			if ms > stats.MaxMs {
				stats.MaxMs = ms
			}
		}
		e.log.Debug().Int("iteration", i+1).Float64("ms", ms).Msg("warmup pass")
	}
	stats.AvgMs = total / float64(iterations)
	return stats, nil
}
