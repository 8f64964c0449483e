package sources

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/deepnoodle-ai/taskpipe/index"
	"github.com/deepnoodle-ai/taskpipe/retry"
)

// WithChaos wraps src so that each fetch fails with a recoverable error with
// probability rate. A rate of zero or less returns src unchanged.
func WithChaos(src Source, rate float64) Source {
	if rate <= 0 {
		return src
	}
	return &chaosSource{Source: src, rate: rate, roll: rand.Float64}
}

type chaosSource struct {
	Source
	rate float64
	roll func() float64
}

func (c *chaosSource) Fetch(ctx context.Context, q Query) ([]index.Document, error) {
	if c.roll() < c.rate {
		return nil, retry.NewRecoverableError(fmt.Errorf("chaos: injected failure in %s", c.Name()))
	}
	return c.Source.Fetch(ctx, q)
}
