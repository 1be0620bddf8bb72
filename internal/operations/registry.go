package operations

import (
	"context"
	"encoding/json"
	"fmt"

	"bulkops/internal/domain"
	"bulkops/internal/ports"
)

// Operation performs the work of one task kind.
type Operation interface {
	Run(ctx context.Context, t domain.Task, r ports.Reporter) (json.RawMessage, error)
}

type Config struct {
	ExportDir string
	ImportDir string
}

type Registry struct {
	ops map[domain.Kind]Operation
}

func NewRegistry(numbers ports.NumberStore, cfg Config, sender Sender) *Registry {
	if sender == nil {
		sender = LogSender{}
	}
	return &Registry{ops: map[domain.Kind]Operation{
		domain.KindGeneration:  &Generation{Numbers: numbers},
		domain.KindValidation:  &Validation{Numbers: numbers},
		domain.KindExport:      &Export{Numbers: numbers, Dir: cfg.ExportDir},
		domain.KindImport:      &Import{Numbers: numbers, Source: NewLocalSource(cfg.ImportDir)},
		domain.KindBulkSMSSend: &BulkSMS{Numbers: numbers, Sender: sender},
	}}
}

// Handle dispatches t to the operation registered for its kind.
func (r *Registry) Handle(ctx context.Context, t domain.Task, rep ports.Reporter) (json.RawMessage, error) {
	op, ok := r.ops[t.Kind]
	if !ok {
		return nil, fmt.Errorf("no operation for kind %q", t.Kind)
	}
	return op.Run(ctx, t, rep)
}

// scanSet walks a number set batch by batch until fn fails or the set is done.
// SSCAN may return a member more than once; fn sees each member at most once.
func scanSet(ctx context.Context, numbers ports.NumberStore, t domain.Task, filter domain.NumberFilter, batch int64, fn func([]string) error) error {
	var cursor uint64
	seen := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		keys, next, err := numbers.ScanNumbers(ctx, t.UserID, t.Project(), filter, cursor, batch)
		if err != nil {
			return err
		}
		fresh := make([]string, 0, len(keys))
		for _, k := range keys {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			fresh = append(fresh, k)
		}
		if len(fresh) > 0 {
			if err := fn(fresh); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
