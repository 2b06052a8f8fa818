// Package summary maintains the derived rollup tables. Summary rows are a
// cache over the canonical tables: any recompute deletes the affected range
// and rebuilds it from canonical data, never accumulating in place.
package summary

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/openfitlab/fitstore/internal/domain"
)

// Period enumerates rollup granularities.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
)

// Periods lists all granularities in ascending coarseness.
var Periods = []Period{PeriodDay, PeriodWeek, PeriodMonth, PeriodYear}

// ErrInvalidPeriod indicates an unknown rollup granularity.
var ErrInvalidPeriod = errors.New("summary: invalid period")

// NewPeriod validates raw input and returns a Period.
func NewPeriod(rawInput string) (Period, error) {
	switch Period(rawInput) {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodYear:
		return Period(rawInput), nil
	default:
		return "", ErrInvalidPeriod
	}
}

// Record is one derived summary row for (period, period_start, source).
type Record struct {
	Period      string    `gorm:"column:period;size:16;not null;primaryKey"`
	PeriodStart time.Time `gorm:"column:period_start;not null;primaryKey"`
	Source      string    `gorm:"column:source;size:32;not null;primaryKey"`

	Steps            int64   `gorm:"column:steps;not null;default:0"`
	IntensityMinutes int64   `gorm:"column:intensity_minutes;not null;default:0"`
	HeartRateAvg     float64 `gorm:"column:hr_avg;not null;default:0"`
	HeartRateMin     int64   `gorm:"column:hr_min;not null;default:0"`
	HeartRateMax     int64   `gorm:"column:hr_max;not null;default:0"`

	ActivityCount           int64   `gorm:"column:activity_count;not null;default:0"`
	ActivityDurationSeconds float64 `gorm:"column:activity_duration_s;not null;default:0"`
	DistanceMeters          float64 `gorm:"column:distance_m;not null;default:0"`
	AscentMeters            float64 `gorm:"column:ascent_m;not null;default:0"`
	Calories                int64   `gorm:"column:calories;not null;default:0"`

	WeightAvgKg float64 `gorm:"column:weight_avg_kg;not null;default:0"`
	WeightMinKg float64 `gorm:"column:weight_min_kg;not null;default:0"`
	WeightMaxKg float64 `gorm:"column:weight_max_kg;not null;default:0"`

	SleepSeconds float64 `gorm:"column:sleep_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "summary_records"
}

// bucket accumulates one period's statistics while scanning canonical rows.
// Averages keep their weight bases so combining stays drift-free.
type bucket struct {
	record Record

	hrWeightedSum   float64
	hrWeightSeconds float64

	weightSum   float64
	weightCount int64
}

// Aggregator recomputes summary rows for one source database.
type Aggregator struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New returns an Aggregator over the given source database handle.
func New(db *gorm.DB, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{db: db, logger: logger}
}

// Recompute rebuilds summary rows of one granularity covering [from, to].
// The affected range is deleted and reinserted in a single transaction;
// running twice over unchanged canonical data yields identical rows.
func (a *Aggregator) Recompute(ctx context.Context, source domain.Source, period Period, from, to time.Time) error {
	if from.After(to) {
		from, to = to, from
	}
	rangeStart := PeriodStart(period, from)
	rangeEnd := nextPeriodStart(period, to)

	buckets := map[int64]*bucket{}
	get := func(ts time.Time) *bucket {
		start := PeriodStart(period, ts)
		key := start.Unix()
		b, ok := buckets[key]
		if !ok {
			b = &bucket{record: Record{
				Period:      string(period),
				PeriodStart: start,
				Source:      source.String(),
			}}
			buckets[key] = b
		}
		return b
	}

	if err := a.scanCanonical(ctx, rangeStart, rangeEnd, get); err != nil {
		return err
	}

	rows := make([]Record, 0, len(buckets))
	for _, b := range buckets {
		rows = append(rows, b.finish())
	}

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("period = ? AND source = ? AND period_start >= ? AND period_start < ?",
			string(period), source.String(), rangeStart, rangeEnd).
			Delete(&Record{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return domain.NewStorageError("summary recompute", err)
	}

	a.logger.Debug("summary recomputed",
		zap.String("source", source.String()),
		zap.String("period", string(period)),
		zap.Int("rows", len(rows)))
	return nil
}

// RecomputeAll rebuilds every granularity covering [from, to].
func (a *Aggregator) RecomputeAll(ctx context.Context, source domain.Source, from, to time.Time) error {
	for _, period := range Periods {
		if err := a.Recompute(ctx, source, period, from, to); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) scanCanonical(ctx context.Context, rangeStart, rangeEnd time.Time, get func(time.Time) *bucket) error {
	var samples []domain.MonitoringSample
	if err := a.db.WithContext(ctx).
		Where("timestamp >= ? AND timestamp < ?", rangeStart, rangeEnd).
		Find(&samples).Error; err != nil {
		return domain.NewStorageError("summary monitoring scan", err)
	}
	for _, sample := range samples {
		b := get(sample.Timestamp)
		b.record.Steps += sample.Steps
		b.record.IntensityMinutes += sample.IntensityMinutes
		if sample.HeartRate > 0 {
			weight := sample.DurationSeconds
			if weight <= 0 {
				weight = 60
			}
			b.hrWeightedSum += float64(sample.HeartRate) * weight
			b.hrWeightSeconds += weight
			if b.record.HeartRateMin == 0 || sample.HeartRate < b.record.HeartRateMin {
				b.record.HeartRateMin = sample.HeartRate
			}
			if sample.HeartRate > b.record.HeartRateMax {
				b.record.HeartRateMax = sample.HeartRate
			}
		}
	}

	var activities []domain.Activity
	if err := a.db.WithContext(ctx).
		Where("start_time >= ? AND start_time < ?", rangeStart, rangeEnd).
		Find(&activities).Error; err != nil {
		return domain.NewStorageError("summary activity scan", err)
	}
	for _, activity := range activities {
		b := get(activity.StartTime)
		b.record.ActivityCount++
		b.record.ActivityDurationSeconds += activity.DurationSeconds
		b.record.DistanceMeters += activity.DistanceMeters
		b.record.AscentMeters += activity.AscentMeters
		b.record.Calories += activity.Calories
	}

	var weights []domain.WeightEntry
	if err := a.db.WithContext(ctx).
		Where("timestamp >= ? AND timestamp < ?", rangeStart, rangeEnd).
		Find(&weights).Error; err != nil {
		return domain.NewStorageError("summary weight scan", err)
	}
	for _, entry := range weights {
		b := get(entry.Timestamp)
		b.weightSum += entry.WeightKg
		b.weightCount++
		if b.record.WeightMinKg == 0 || entry.WeightKg < b.record.WeightMinKg {
			b.record.WeightMinKg = entry.WeightKg
		}
		if entry.WeightKg > b.record.WeightMaxKg {
			b.record.WeightMaxKg = entry.WeightKg
		}
	}

	var periods []domain.SleepPeriod
	if err := a.db.WithContext(ctx).
		Where("start >= ? AND start < ?", rangeStart, rangeEnd).
		Find(&periods).Error; err != nil {
		return domain.NewStorageError("summary sleep scan", err)
	}
	for _, period := range periods {
		if period.Stage == "awake" || period.Stage == "unmeasurable" {
			continue
		}
		b := get(period.Start)
		b.record.SleepSeconds += period.End.Sub(period.Start).Seconds()
	}

	return nil
}

// finish resolves the bucket's weighted averages into the summary row.
func (b *bucket) finish() Record {
	if b.hrWeightSeconds > 0 {
		b.record.HeartRateAvg = b.hrWeightedSum / b.hrWeightSeconds
	}
	if b.weightCount > 0 {
		b.record.WeightAvgKg = b.weightSum / float64(b.weightCount)
	}
	return b.record
}

// PeriodStart returns the UTC start of the period bucket containing ts.
// Weeks start on Monday.
func PeriodStart(period Period, ts time.Time) time.Time {
	ts = ts.UTC()
	switch period {
	case PeriodWeek:
		day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case PeriodMonth:
		return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
	case PeriodYear:
		return time.Date(ts.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	}
}

func nextPeriodStart(period Period, ts time.Time) time.Time {
	start := PeriodStart(period, ts)
	switch period {
	case PeriodWeek:
		return start.AddDate(0, 0, 7)
	case PeriodMonth:
		return start.AddDate(0, 1, 0)
	case PeriodYear:
		return start.AddDate(1, 0, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}
