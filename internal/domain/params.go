package domain

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bytedance/sonic"
)

const (
	MaxGenerationQuantity = 1_000_000
	MaxInlineNumbers      = 100_000
	DefaultBatchSize      = 1000
	MaxBatchSize          = 50_000
	MaxSMSLength          = 1600
	DefaultSMSRate        = 10
	MaxSMSRate            = 1000
)

var areaCodeRe = regexp.MustCompile(`^[2-9][0-9]{2}$`)

// NumberFilter selects one of a project's number sets.
type NumberFilter string

const (
	FilterAll     NumberFilter = "all"
	FilterValid   NumberFilter = "valid"
	FilterInvalid NumberFilter = "invalid"
)

func (f NumberFilter) valid() bool {
	return f == FilterAll || f == FilterValid || f == FilterInvalid
}

type GenerationParams struct {
	Quantity  int    `json:"quantity"`
	AreaCode  string `json:"area_code,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
}

func (p *GenerationParams) normalize() error {
	if p.Quantity < 1 || p.Quantity > MaxGenerationQuantity {
		return fmt.Errorf("%w: quantity must be between 1 and %d", ErrInvalidParams, MaxGenerationQuantity)
	}
	if p.AreaCode != "" && (!areaCodeRe.MatchString(p.AreaCode) || isN11(p.AreaCode)) {
		return fmt.Errorf("%w: area_code %q is not a valid NANP area code", ErrInvalidParams, p.AreaCode)
	}
	return normalizeBatch(&p.BatchSize)
}

type ValidationParams struct {
	Numbers   []string `json:"numbers,omitempty"`
	BatchSize int      `json:"batch_size,omitempty"`
}

func (p *ValidationParams) normalize() error {
	if len(p.Numbers) > MaxInlineNumbers {
		return fmt.Errorf("%w: at most %d inline numbers are accepted", ErrInvalidParams, MaxInlineNumbers)
	}
	return normalizeBatch(&p.BatchSize)
}

type ExportParams struct {
	Format string       `json:"format,omitempty"`
	Filter NumberFilter `json:"filter,omitempty"`
}

func (p *ExportParams) normalize() error {
	if p.Format == "" {
		p.Format = "csv"
	}
	if p.Format != "csv" && p.Format != "txt" {
		return fmt.Errorf("%w: format must be csv or txt", ErrInvalidParams)
	}
	if p.Filter == "" {
		p.Filter = FilterAll
	}
	if !p.Filter.valid() {
		return fmt.Errorf("%w: filter must be all, valid or invalid", ErrInvalidParams)
	}
	return nil
}

type ImportParams struct {
	SourcePath string `json:"source_path"`
	BatchSize  int    `json:"batch_size,omitempty"`
}

func (p *ImportParams) normalize() error {
	p.SourcePath = strings.TrimSpace(p.SourcePath)
	ext := strings.ToLower(filepath.Ext(p.SourcePath))
	if p.SourcePath == "" || (ext != ".csv" && ext != ".txt") {
		return fmt.Errorf("%w: source_path must be a .csv or .txt file", ErrInvalidParams)
	}
	if filepath.IsAbs(p.SourcePath) || strings.Contains(p.SourcePath, "..") {
		return fmt.Errorf("%w: source_path must be relative to the import directory", ErrInvalidParams)
	}
	return normalizeBatch(&p.BatchSize)
}

type BulkSMSParams struct {
	Message       string       `json:"message"`
	Filter        NumberFilter `json:"filter,omitempty"`
	RatePerSecond int          `json:"rate_per_second,omitempty"`
	JitterMs      int          `json:"jitter_ms,omitempty"`
}

func (p *BulkSMSParams) normalize() error {
	n := len([]rune(strings.TrimSpace(p.Message)))
	if n == 0 || n > MaxSMSLength {
		return fmt.Errorf("%w: message must be between 1 and %d characters", ErrInvalidParams, MaxSMSLength)
	}
	if p.Filter == "" {
		p.Filter = FilterValid
	}
	if !p.Filter.valid() {
		return fmt.Errorf("%w: filter must be all, valid or invalid", ErrInvalidParams)
	}
	if p.RatePerSecond == 0 {
		p.RatePerSecond = DefaultSMSRate
	}
	if p.RatePerSecond < 1 || p.RatePerSecond > MaxSMSRate {
		return fmt.Errorf("%w: rate_per_second must be between 1 and %d", ErrInvalidParams, MaxSMSRate)
	}
	if p.JitterMs < 0 {
		return fmt.Errorf("%w: jitter_ms must not be negative", ErrInvalidParams)
	}
	return nil
}

func normalizeBatch(n *int) error {
	if *n == 0 {
		*n = DefaultBatchSize
	}
	if *n < 1 || *n > MaxBatchSize {
		return fmt.Errorf("%w: batch_size must be between 1 and %d", ErrInvalidParams, MaxBatchSize)
	}
	return nil
}

type normalizer interface{ normalize() error }

// NormalizeParams decodes raw params for kind, applies defaults and returns the
// canonical encoding that is stored on the task.
func NormalizeParams(kind Kind, raw json.RawMessage) (json.RawMessage, error) {
	var p normalizer
	switch kind {
	case KindGeneration:
		p = &GenerationParams{}
	case KindValidation:
		p = &ValidationParams{}
	case KindExport:
		p = &ExportParams{}
	case KindImport:
		p = &ImportParams{}
	case KindBulkSMSSend:
		p = &BulkSMSParams{}
	default:
		return nil, ErrUnknownKind
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := sonic.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}
	if err := p.normalize(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// DecodeParams decodes already-normalized params stored on a task.
func DecodeParams[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := sonic.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return v, nil
}

func isN11(code string) bool {
	return len(code) == 3 && code[1] == '1' && code[2] == '1'
}
