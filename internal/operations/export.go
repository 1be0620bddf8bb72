package operations

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"bulkops/internal/domain"
	"bulkops/internal/ports"
)

const exportBatch = 1000

type Export struct {
	Numbers ports.NumberStore
	Dir     string
}

type ExportResult struct {
	File     string `json:"file"`
	Exported int64  `json:"exported"`
}

// Run writes a number set to <Dir>/<task id>.<format>. A partial file is
// removed when the export does not finish.
func (e *Export) Run(ctx context.Context, t domain.Task, r ports.Reporter) (_ json.RawMessage, err error) {
	p, err := domain.DecodeParams[domain.ExportParams](t.Params)
	if err != nil {
		return nil, err
	}

	total, err := e.Numbers.CountNumbers(ctx, t.UserID, t.Project(), p.Filter)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(e.Dir, t.ID+"."+p.Format)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create export file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	w := bufio.NewWriter(f)
	var cw *csv.Writer
	if p.Format == "csv" {
		cw = csv.NewWriter(w)
		if err := cw.Write([]string{"phone_number"}); err != nil {
			return nil, err
		}
	}

	r.Step(ctx, "exporting")
	r.Progress(ctx, 0, total)
	var exported int64
	err = scanSet(ctx, e.Numbers, t, p.Filter, exportBatch, func(batch []string) error {
		for _, n := range batch {
			if cw != nil {
				if err := cw.Write([]string{n}); err != nil {
					return err
				}
			} else if _, err := w.WriteString(n + "\n"); err != nil {
				return err
			}
		}
		exported += int64(len(batch))
		r.Progress(ctx, exported, total)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if cw != nil {
		cw.Flush()
		if err := cw.Error(); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}

	return json.Marshal(ExportResult{File: path, Exported: exported})
}
