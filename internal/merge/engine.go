// Package merge upserts normalized records into a source database. A batch
// and its high-water-mark advance commit as one transaction: a crash or
// storage failure mid-merge leaves tables and mark exactly as they were.
package merge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/openfitlab/fitstore/internal/domain"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingSource   = errors.New("source is required")
	noOpLogger         = zap.NewNop()
)

// Result reports the outcome of one merge batch.
type Result struct {
	Inserted int
	Updated  int
	Skipped  int
	// Rejected lists per-record validation diagnostics. Rejected records
	// were skipped; the batch continued.
	Rejected []string
	// Mark is the high-water mark for the batch's category after commit.
	Mark time.Time
}

// EngineConfig carries the dependencies for an Engine.
type EngineConfig struct {
	Database *gorm.DB
	Source   domain.Source
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Engine is the sole writer for one source database. The embedded lock
// serializes merge batches; decoding may fan out, merging never does.
type Engine struct {
	db     *gorm.DB
	source domain.Source
	clock  func() time.Time
	logger *zap.Logger

	mu sync.Mutex
}

// NewEngine validates the configuration and returns an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Source == "" {
		return nil, errMissingSource
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{db: cfg.Database, source: cfg.Source, clock: clock, logger: logger}, nil
}

// Source returns the source this engine writes for.
func (e *Engine) Source() domain.Source {
	return e.source
}

// Merge upserts a batch of records for one category. Records are keyed by
// (source, external_id): absent keys insert, changed content updates,
// identical content skips. After every record is durably applied the
// category's high-water mark advances to the maximum committed timestamp,
// inside the same transaction. A storage failure rolls the whole batch back
// and returns a StorageError; the batch is retryable from the prior mark.
func (e *Engine) Merge(ctx context.Context, category domain.Category, records []domain.Record) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := Result{}
	accepted := make([]domain.Record, 0, len(records))
	var maxTimestamp time.Time

	for _, record := range records {
		if record.RecordSource() != e.source {
			result.Rejected = append(result.Rejected,
				fmt.Sprintf("record %s carries source %s, engine writes %s",
					record.RecordExternalID(), record.RecordSource(), e.source))
			continue
		}
		if record.RecordCategory() != category {
			result.Rejected = append(result.Rejected,
				fmt.Sprintf("record %s carries category %s, batch is %s",
					record.RecordExternalID(), record.RecordCategory(), category))
			continue
		}
		if err := record.Validate(); err != nil {
			result.Rejected = append(result.Rejected, err.Error())
			continue
		}
		accepted = append(accepted, record)
		if ts := record.RecordTimestamp(); ts.After(maxTimestamp) {
			maxTimestamp = ts
		}
	}

	for _, diagnostic := range result.Rejected {
		e.logger.Warn("record rejected",
			zap.String("source", e.source.String()),
			zap.String("category", category.String()),
			zap.String("reason", diagnostic))
	}

	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, record := range accepted {
			status, err := e.apply(tx, record)
			if err != nil {
				return err
			}
			switch status {
			case statusInserted:
				result.Inserted++
			case statusUpdated:
				result.Updated++
			case statusSkipped:
				result.Skipped++
			}
		}

		mark, err := e.advanceMark(tx, category, maxTimestamp)
		if err != nil {
			return err
		}
		result.Mark = mark
		return nil
	})
	if txErr != nil {
		e.logger.Error("merge batch aborted",
			zap.String("source", e.source.String()),
			zap.String("category", category.String()),
			zap.Error(txErr))
		return Result{Rejected: result.Rejected}, domain.NewStorageError("merge batch", txErr)
	}

	e.logger.Info("merge batch committed",
		zap.String("source", e.source.String()),
		zap.String("category", category.String()),
		zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped),
		zap.Int("rejected", len(result.Rejected)))
	return result, nil
}

type applyStatus int

const (
	statusInserted applyStatus = iota
	statusUpdated
	statusSkipped
)

const keyQuery = "source = ? AND external_id = ?"

func (e *Engine) apply(tx *gorm.DB, record domain.Record) (applyStatus, error) {
	switch incoming := record.(type) {
	case domain.Activity:
		var existing domain.Activity
		return upsert(tx, incoming, &existing, activitiesEqual)
	case domain.MonitoringSample:
		var existing domain.MonitoringSample
		return upsert(tx, incoming, &existing, samplesEqual)
	case domain.SleepPeriod:
		var existing domain.SleepPeriod
		return upsert(tx, incoming, &existing, sleepPeriodsEqual)
	case domain.WeightEntry:
		var existing domain.WeightEntry
		return upsert(tx, incoming, &existing, weightEntriesEqual)
	default:
		return statusSkipped, fmt.Errorf("unsupported record type %T", record)
	}
}

// upsert applies one record against its canonical table by natural key.
func upsert[R domain.Record](tx *gorm.DB, incoming R, existing *R, equal func(R, R) bool) (applyStatus, error) {
	err := tx.Where(keyQuery, incoming.RecordSource().String(), incoming.RecordExternalID().String()).
		Take(existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := tx.Create(&incoming).Error; err != nil {
			return statusSkipped, err
		}
		return statusInserted, nil
	}
	if err != nil {
		return statusSkipped, err
	}
	if equal(*existing, incoming) {
		return statusSkipped, nil
	}
	err = tx.Model(existing).
		Where(keyQuery, incoming.RecordSource().String(), incoming.RecordExternalID().String()).
		Select("*").Updates(incoming).Error
	if err != nil {
		return statusSkipped, err
	}
	return statusUpdated, nil
}

// advanceMark moves the category's high-water mark to batchMax, never
// backwards. Runs inside the batch transaction so the mark only advances
// when every record it covers committed.
func (e *Engine) advanceMark(tx *gorm.DB, category domain.Category, batchMax time.Time) (time.Time, error) {
	var mark domain.HighWaterMark
	err := tx.Where("source = ? AND category = ?", e.source.String(), category.String()).
		Take(&mark).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if batchMax.IsZero() {
			return time.Time{}, nil
		}
		mark = domain.HighWaterMark{
			Source:    e.source.String(),
			Category:  category.String(),
			Timestamp: batchMax.UTC(),
			UpdatedAt: e.clock().UTC(),
		}
		return mark.Timestamp, tx.Create(&mark).Error
	}
	if err != nil {
		return time.Time{}, err
	}
	if !batchMax.After(mark.Timestamp) {
		return mark.Timestamp, nil
	}
	mark.Timestamp = batchMax.UTC()
	mark.UpdatedAt = e.clock().UTC()
	err = tx.Model(&domain.HighWaterMark{}).
		Where("source = ? AND category = ?", e.source.String(), category.String()).
		Updates(map[string]any{"timestamp": mark.Timestamp, "updated_at": mark.UpdatedAt}).Error
	return mark.Timestamp, err
}

// Mark returns the current high-water mark for a category, zero when none.
func (e *Engine) Mark(ctx context.Context, category domain.Category) (time.Time, error) {
	var mark domain.HighWaterMark
	err := e.db.WithContext(ctx).
		Where("source = ? AND category = ?", e.source.String(), category.String()).
		Take(&mark).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, domain.NewStorageError("mark lookup", err)
	}
	return mark.Timestamp, nil
}

// SetAttribute stores per-database operational metadata.
func (e *Engine) SetAttribute(ctx context.Context, key, value string) error {
	attribute := domain.Attribute{Key: key, Value: value, UpdatedAt: e.clock().UTC()}
	err := e.db.WithContext(ctx).Save(&attribute).Error
	if err != nil {
		return domain.NewStorageError("attribute save", err)
	}
	return nil
}

// Attribute returns stored metadata by key, empty when absent.
func (e *Engine) Attribute(ctx context.Context, key string) (string, error) {
	var attribute domain.Attribute
	err := e.db.WithContext(ctx).Where("key = ?", key).Take(&attribute).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", domain.NewStorageError("attribute lookup", err)
	}
	return attribute.Value, nil
}

func activitiesEqual(a, b domain.Activity) bool {
	return a.Source == b.Source &&
		a.ExternalID == b.ExternalID &&
		a.StartTime.Equal(b.StartTime) &&
		a.DurationSeconds == b.DurationSeconds &&
		a.DistanceMeters == b.DistanceMeters &&
		a.AscentMeters == b.AscentMeters &&
		a.DescentMeters == b.DescentMeters &&
		a.Sport == b.Sport &&
		a.Calories == b.Calories &&
		a.AvgHeartRate == b.AvgHeartRate &&
		a.MaxHeartRate == b.MaxHeartRate &&
		a.StartLatitude == b.StartLatitude &&
		a.StartLongitude == b.StartLongitude &&
		a.Laps == b.Laps
}

func samplesEqual(a, b domain.MonitoringSample) bool {
	return a.Source == b.Source &&
		a.ExternalID == b.ExternalID &&
		a.Timestamp.Equal(b.Timestamp) &&
		a.HeartRate == b.HeartRate &&
		a.Steps == b.Steps &&
		a.IntensityMinutes == b.IntensityMinutes &&
		a.DurationSeconds == b.DurationSeconds
}

func sleepPeriodsEqual(a, b domain.SleepPeriod) bool {
	return a.Source == b.Source &&
		a.ExternalID == b.ExternalID &&
		a.Start.Equal(b.Start) &&
		a.End.Equal(b.End) &&
		a.Stage == b.Stage
}

func weightEntriesEqual(a, b domain.WeightEntry) bool {
	return a.Source == b.Source &&
		a.ExternalID == b.ExternalID &&
		a.Timestamp.Equal(b.Timestamp) &&
		a.WeightKg == b.WeightKg
}
