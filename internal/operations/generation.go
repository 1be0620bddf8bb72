package operations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"

	"bulkops/internal/domain"
	"bulkops/internal/ports"
)

var ErrNumberSpaceExhausted = errors.New("no new numbers left to generate")

// maxIdleBatches bounds how many draws in a row may produce only duplicates.
const maxIdleBatches = 20

type Generation struct {
	Numbers ports.NumberStore
}

type GenerationResult struct {
	TotalGenerated int64 `json:"total_generated"`
}

func (g *Generation) Run(ctx context.Context, t domain.Task, r ports.Reporter) (json.RawMessage, error) {
	p, err := domain.DecodeParams[domain.GenerationParams](t.Params)
	if err != nil {
		return nil, err
	}
	total := int64(p.Quantity)
	r.Step(ctx, "generating")

	// one progress update per batch; duplicates are refilled before reporting
	var generated int64
	for generated < total {
		target := min(generated+int64(p.BatchSize), total)
		idle := 0
		for generated < target {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			batch := make([]string, target-generated)
			for i := range batch {
				batch[i] = randomNumber(p.AreaCode)
			}
			added, err := g.Numbers.AddNumbers(ctx, t.UserID, t.Project(), domain.FilterAll, batch)
			if err != nil {
				return nil, fmt.Errorf("store numbers: %w", err)
			}
			if added == 0 {
				if idle++; idle >= maxIdleBatches {
					return nil, fmt.Errorf("%w after %d of %d", ErrNumberSpaceExhausted, generated, total)
				}
				continue
			}
			idle = 0
			generated += added
		}
		r.Progress(ctx, generated, total)
	}

	return json.Marshal(GenerationResult{TotalGenerated: generated})
}

// randomNumber returns a valid NANP number, inside areaCode when given.
func randomNumber(areaCode string) string {
	area := areaCode
	if area == "" {
		area = randomCode()
	}
	return fmt.Sprintf("+1%s%s%04d", area, randomCode(), rand.IntN(10000))
}

// randomCode draws a three digit code in [2-9]XX that is not an N11 code.
func randomCode() string {
	for {
		c := fmt.Sprintf("%d%02d", 2+rand.IntN(8), rand.IntN(100))
		if c[1] != '1' || c[2] != '1' {
			return c
		}
	}
}
