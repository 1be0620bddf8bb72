package operations

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"bulkops/internal/domain"
	"bulkops/internal/ports"
)

type Source interface {
	Open(ctx context.Context, sourcePath string) (io.ReadCloser, error)
}

type Import struct {
	Numbers ports.NumberStore
	Source  Source
}

type ImportResult struct {
	Imported int64 `json:"imported"`
	Skipped  int64 `json:"skipped"`
}

// Run reads phone numbers from a .txt file (one per line) or the first
// column of a .csv file into the project's number set. Lines that do not
// hold a number are skipped; a header row counts as skipped.
func (im *Import) Run(ctx context.Context, t domain.Task, r ports.Reporter) (json.RawMessage, error) {
	p, err := domain.DecodeParams[domain.ImportParams](t.Params)
	if err != nil {
		return nil, err
	}

	r.Step(ctx, "counting")
	r.Progress(ctx, 0, 0)
	total, err := im.countRows(ctx, p.SourcePath)
	if err != nil {
		return nil, err
	}

	r.Step(ctx, "importing")
	r.Progress(ctx, 0, total)

	rc, err := im.Source.Open(ctx, p.SourcePath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var res ImportResult
	var seen int64
	batch := make([]string, 0, p.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := im.Numbers.AddNumbers(ctx, t.UserID, t.Project(), domain.FilterAll, batch); err != nil {
			return fmt.Errorf("store numbers: %w", err)
		}
		res.Imported += int64(len(batch))
		batch = batch[:0]
		r.Progress(ctx, seen, total)
		return nil
	}

	next := rowReader(rc, strings.EqualFold(filepath.Ext(p.SourcePath), ".csv"))
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		field, err := next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s line %d: %w", p.SourcePath, seen+1, err)
		}
		seen++
		n, ok := domain.NormalizeNumber(field)
		if !ok {
			res.Skipped++
			continue
		}
		batch = append(batch, n)
		if len(batch) >= p.BatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	r.Progress(ctx, seen, total)

	return json.Marshal(res)
}

func (im *Import) countRows(ctx context.Context, path string) (int64, error) {
	rc, err := im.Source.Open(ctx, path)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	next := rowReader(rc, strings.EqualFold(filepath.Ext(path), ".csv"))
	var n int64
	for {
		if _, err := next(); err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return 0, fmt.Errorf("read %s: %w", path, err)
		}
		n++
	}
}

// rowReader yields the first field of every non-empty row.
func rowReader(rd io.Reader, isCSV bool) func() (string, error) {
	if isCSV {
		cr := csv.NewReader(rd)
		cr.FieldsPerRecord = -1
		cr.ReuseRecord = true
		return func() (string, error) {
			rec, err := cr.Read()
			if err != nil {
				return "", err
			}
			return strings.TrimSpace(rec[0]), nil
		}
	}

	sc := bufio.NewScanner(rd)
	return func() (string, error) {
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				return line, nil
			}
		}
		if err := sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
}
