// Package importer drives files from discovery through decode, normalize,
// merge, and summary recompute. Decoding independent files fans out;
// merging is serialized through the single engine per database.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/openfitlab/fitstore/internal/database"
	"github.com/openfitlab/fitstore/internal/domain"
	"github.com/openfitlab/fitstore/internal/fit"
	"github.com/openfitlab/fitstore/internal/merge"
	"github.com/openfitlab/fitstore/internal/normalize"
	"github.com/openfitlab/fitstore/internal/summary"
)

// File is one discovered input: a byte payload plus its source and category
// labels. The core performs no network I/O; how the bytes were obtained is
// the provider's business.
type File struct {
	Source      domain.Source
	Category    domain.Category
	Name        string
	Data        []byte
	NominalDate time.Time
}

// Provider supplies input files newer than a since timestamp.
type Provider interface {
	Discover(ctx context.Context, source domain.Source, since time.Time) ([]File, error)
}

// IDProvider issues identifiers for import runs.
type IDProvider interface {
	NewID() (string, error)
}

// FileResult reports the outcome for one input file.
type FileResult struct {
	Name     string
	Err      error
	Warnings []string
	Merged   map[domain.Category]merge.Result
}

// RunResult aggregates the outcome of one import run.
type RunResult struct {
	RunID  string
	Files  []FileResult
	Failed int
}

const (
	attrLastImportRun = "last_import_run"
	attrLastRebuild   = "last_rebuild"

	defaultWorkers      = 4
	defaultBatchTimeout = 30 * time.Second
)

var (
	errMissingProvider = errors.New("file provider is required")
	errMissingEngine   = errors.New("merge engine is required")
	errMissingDatabase = errors.New("database handle is required")
)

// Config carries the dependencies for an Importer.
type Config struct {
	Database   *gorm.DB
	Provider   Provider
	Engine     *merge.Engine
	Aggregator *summary.Aggregator
	IDProvider IDProvider
	Logger     *zap.Logger
	// Workers bounds concurrent file decoding.
	Workers int
	// BatchTimeout bounds each merge batch; on expiry the batch rolls back.
	BatchTimeout time.Duration
}

// Importer imports one source's files into its database.
type Importer struct {
	db           *gorm.DB
	provider     Provider
	engine       *merge.Engine
	aggregator   *summary.Aggregator
	idProvider   IDProvider
	logger       *zap.Logger
	workers      int
	batchTimeout time.Duration
}

// New validates the configuration and returns an Importer.
func New(cfg Config) (*Importer, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Provider == nil {
		return nil, errMissingProvider
	}
	if cfg.Engine == nil {
		return nil, errMissingEngine
	}
	aggregator := cfg.Aggregator
	if aggregator == nil {
		aggregator = summary.New(cfg.Database, cfg.Logger)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}
	return &Importer{
		db:           cfg.Database,
		provider:     cfg.Provider,
		engine:       cfg.Engine,
		aggregator:   aggregator,
		idProvider:   cfg.IDProvider,
		logger:       logger,
		workers:      workers,
		batchTimeout: batchTimeout,
	}, nil
}

// decodedFile is the producer-side result handed to the merge stage.
type decodedFile struct {
	file     File
	batches  map[domain.Category][]domain.Record
	warnings []string
	err      error
}

// Run imports every file the provider discovers past the source's earliest
// high-water mark. A failed file is reported by name and skipped; its
// siblings continue. Summary rows covering the touched range are recomputed
// after the merges.
func (i *Importer) Run(ctx context.Context) (RunResult, error) {
	result := RunResult{}
	if i.idProvider != nil {
		if id, err := i.idProvider.NewID(); err == nil {
			result.RunID = id
		}
	}

	since, err := i.earliestMark(ctx)
	if err != nil {
		return result, err
	}

	files, err := i.provider.Discover(ctx, i.engine.Source(), since)
	if err != nil {
		return result, fmt.Errorf("file discovery: %w", err)
	}
	i.logger.Info("import run starting",
		zap.String("run_id", result.RunID),
		zap.String("source", i.engine.Source().String()),
		zap.Time("since", since),
		zap.Int("files", len(files)))

	decodedCh := make(chan decodedFile, i.workers)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(i.workers)

	go func() {
		for _, file := range files {
			file := file
			group.Go(func() error {
				d := decodeFile(file)
				select {
				case decodedCh <- d:
					return nil
				case <-groupCtx.Done():
					return groupCtx.Err()
				}
			})
		}
		group.Wait() //nolint:errcheck
		close(decodedCh)
	}()

	var touchedMin, touchedMax time.Time
	for d := range decodedCh {
		fileResult := FileResult{Name: d.file.Name, Warnings: d.warnings}
		if d.err != nil {
			fileResult.Err = d.err
			result.Failed++
			i.logger.Warn("file import failed",
				zap.String("file", d.file.Name),
				zap.Error(d.err))
			result.Files = append(result.Files, fileResult)
			continue
		}

		fileResult.Merged = map[domain.Category]merge.Result{}
		for category, records := range d.batches {
			mergeCtx, cancel := context.WithTimeout(ctx, i.batchTimeout)
			merged, mergeErr := i.engine.Merge(mergeCtx, category, records)
			cancel()
			if mergeErr != nil {
				fileResult.Err = mergeErr
				result.Failed++
				i.logger.Warn("file import failed",
					zap.String("file", d.file.Name),
					zap.String("category", category.String()),
					zap.Error(mergeErr))
				break
			}
			fileResult.Merged[category] = merged
			if merged.Inserted+merged.Updated > 0 {
				lo, hi := recordTimeRange(records)
				if touchedMin.IsZero() || lo.Before(touchedMin) {
					touchedMin = lo
				}
				if hi.After(touchedMax) {
					touchedMax = hi
				}
			}
		}
		result.Files = append(result.Files, fileResult)
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	if !touchedMin.IsZero() {
		if err := i.aggregator.RecomputeAll(ctx, i.engine.Source(), touchedMin, touchedMax); err != nil {
			return result, err
		}
	}

	if result.RunID != "" {
		if err := i.engine.SetAttribute(ctx, attrLastImportRun, result.RunID); err != nil {
			i.logger.Warn("failed to record import run", zap.Error(err))
		}
	}

	i.logger.Info("import run finished",
		zap.String("run_id", result.RunID),
		zap.Int("files", len(result.Files)),
		zap.Int("failed", result.Failed))
	return result, nil
}

// Rebuild drops and fully reconstructs the source's canonical and summary
// tables from a complete re-import. Used for schema migrations and
// corruption recovery.
func (i *Importer) Rebuild(ctx context.Context) (RunResult, error) {
	i.logger.Info("rebuilding source database",
		zap.String("source", i.engine.Source().String()))
	if err := database.Reset(i.db); err != nil {
		return RunResult{}, domain.NewStorageError("rebuild reset", err)
	}
	result, err := i.Run(ctx)
	if err != nil {
		return result, err
	}
	if attrErr := i.engine.SetAttribute(ctx, attrLastRebuild, time.Now().UTC().Format(time.RFC3339)); attrErr != nil {
		i.logger.Warn("failed to record rebuild time", zap.Error(attrErr))
	}
	return result, nil
}

// earliestMark returns the oldest high-water mark across categories, the
// conservative since filter for discovery.
func (i *Importer) earliestMark(ctx context.Context) (time.Time, error) {
	categories := []domain.Category{
		domain.CategoryActivity,
		domain.CategoryMonitoring,
		domain.CategorySleep,
		domain.CategoryWeight,
	}
	var earliest time.Time
	first := true
	for _, category := range categories {
		mark, err := i.engine.Mark(ctx, category)
		if err != nil {
			return time.Time{}, err
		}
		if mark.IsZero() {
			return time.Time{}, nil
		}
		if first || mark.Before(earliest) {
			earliest = mark
			first = false
		}
	}
	return earliest, nil
}

// decodeFile turns one file into per-category record batches. Binary
// telemetry is detected by its container magic; everything else is treated
// as a JSON export.
func decodeFile(file File) decodedFile {
	if isTelemetry(file.Data) {
		return decodeTelemetry(file)
	}
	return decodeJSONExport(file)
}

func isTelemetry(data []byte) bool {
	return len(data) >= 12 && string(data[8:12]) == ".FIT"
}

func decodeTelemetry(file File) decodedFile {
	decoder, err := fit.NewDecoder(file.Name, file.Data)
	if err != nil {
		return decodedFile{file: file, err: err}
	}

	normalizer := normalize.New(file.Source)
	batches := map[domain.Category][]domain.Record{}
	add := func(records []domain.Record) {
		for _, record := range records {
			category := record.RecordCategory()
			batches[category] = append(batches[category], record)
		}
	}

	for {
		msg, err := decoder.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return decodedFile{file: file, err: err, warnings: decoder.Diagnostics()}
		}
		add(normalizer.Apply(msg))
	}
	add(normalizer.Close())

	warnings := append(decoder.Diagnostics(), normalizer.Warnings()...)
	return decodedFile{file: file, batches: batches, warnings: warnings}
}

func recordTimeRange(records []domain.Record) (time.Time, time.Time) {
	var lo, hi time.Time
	for _, record := range records {
		ts := record.RecordTimestamp()
		if lo.IsZero() || ts.Before(lo) {
			lo = ts
		}
		if ts.After(hi) {
			hi = ts
		}
	}
	return lo, hi
}
