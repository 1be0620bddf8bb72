package operations

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"bulkops/internal/domain"
	"bulkops/internal/ports"
)

type Validation struct {
	Numbers ports.NumberStore
}

type ValidationResult struct {
	TotalChecked int64 `json:"total_checked"`
	Valid        int64 `json:"valid"`
	Invalid      int64 `json:"invalid"`
}

// Run checks the numbers given inline, or the project's whole number set,
// and sorts them into the valid and invalid sets.
func (v *Validation) Run(ctx context.Context, t domain.Task, r ports.Reporter) (json.RawMessage, error) {
	p, err := domain.DecodeParams[domain.ValidationParams](t.Params)
	if err != nil {
		return nil, err
	}

	var res ValidationResult
	check := func(batch []string, total int64) error {
		var valid, invalid []string
		for _, raw := range batch {
			n, ok := domain.NormalizeNumber(raw)
			switch {
			case ok && domain.ValidNumber(n):
				valid = append(valid, n)
			case ok:
				invalid = append(invalid, n)
			default:
				invalid = append(invalid, strings.TrimSpace(raw))
			}
		}
		if _, err := v.Numbers.AddNumbers(ctx, t.UserID, t.Project(), domain.FilterValid, valid); err != nil {
			return fmt.Errorf("store valid numbers: %w", err)
		}
		if _, err := v.Numbers.AddNumbers(ctx, t.UserID, t.Project(), domain.FilterInvalid, invalid); err != nil {
			return fmt.Errorf("store invalid numbers: %w", err)
		}
		res.Valid += int64(len(valid))
		res.Invalid += int64(len(invalid))
		res.TotalChecked += int64(len(batch))
		r.Progress(ctx, res.TotalChecked, total)
		return nil
	}

	r.Step(ctx, "validating")
	if len(p.Numbers) > 0 {
		total := int64(len(p.Numbers))
		r.Progress(ctx, 0, total)
		for start := 0; start < len(p.Numbers); start += p.BatchSize {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			end := min(start+p.BatchSize, len(p.Numbers))
			if err := check(p.Numbers[start:end], total); err != nil {
				return nil, err
			}
		}
		return json.Marshal(res)
	}

	total, err := v.Numbers.CountNumbers(ctx, t.UserID, t.Project(), domain.FilterAll)
	if err != nil {
		return nil, err
	}
	r.Progress(ctx, 0, total)
	err = scanSet(ctx, v.Numbers, t, domain.FilterAll, int64(p.BatchSize), func(batch []string) error {
		return check(batch, total)
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}
