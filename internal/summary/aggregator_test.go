package summary_test

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/openfitlab/fitstore/internal/database"
	"github.com/openfitlab/fitstore/internal/domain"
	"github.com/openfitlab/fitstore/internal/summary"
)

var databaseSequence atomic.Int64

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:summary_%d?mode=memory&cache=shared", databaseSequence.Add(1))
	db, err := database.OpenDSN(dsn, "garmin", nil)
	if err != nil {
		t.Fatalf("unexpected database error: %v", err)
	}
	return db
}

func mustCreate(t *testing.T, db *gorm.DB, value any) {
	t.Helper()
	if err := db.Create(value).Error; err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
}

func loadSummary(t *testing.T, db *gorm.DB, period summary.Period, start time.Time) summary.Record {
	t.Helper()
	var record summary.Record
	err := db.Where("period = ? AND period_start = ?", string(period), start).Take(&record).Error
	if err != nil {
		t.Fatalf("unexpected summary lookup error: %v", err)
	}
	return record
}

func TestRecomputeWeightsHeartRateByDuration(t *testing.T) {
	db := openTestDatabase(t)
	ctx := context.Background()
	day := time.Date(2023, 6, 10, 0, 0, 0, 0, time.UTC)

	// Ten minutes at 100 bpm and thirty minutes at 140 bpm average to 130.
	mustCreate(t, db, &domain.MonitoringSample{
		Source: "garmin", ExternalID: "a",
		Timestamp: day.Add(8 * time.Hour), HeartRate: 100, DurationSeconds: 600,
	})
	mustCreate(t, db, &domain.MonitoringSample{
		Source: "garmin", ExternalID: "b",
		Timestamp: day.Add(9 * time.Hour), HeartRate: 140, DurationSeconds: 1800,
	})

	aggregator := summary.New(db, nil)
	if err := aggregator.Recompute(ctx, "garmin", summary.PeriodDay, day, day.Add(23*time.Hour)); err != nil {
		t.Fatalf("unexpected recompute error: %v", err)
	}

	record := loadSummary(t, db, summary.PeriodDay, day)
	if math.Abs(record.HeartRateAvg-130) > 1e-9 {
		t.Fatalf("expected weighted average 130, got %v", record.HeartRateAvg)
	}
	if record.HeartRateMin != 100 || record.HeartRateMax != 140 {
		t.Fatalf("unexpected heart rate extremes: min %d max %d", record.HeartRateMin, record.HeartRateMax)
	}
}

func TestRecomputeAggregatesAllCategories(t *testing.T) {
	db := openTestDatabase(t)
	ctx := context.Background()
	day := time.Date(2023, 6, 10, 0, 0, 0, 0, time.UTC)

	mustCreate(t, db, &domain.MonitoringSample{
		Source: "garmin", ExternalID: "m1",
		Timestamp: day.Add(8 * time.Hour), Steps: 4000, IntensityMinutes: 20, DurationSeconds: 60,
	})
	mustCreate(t, db, &domain.Activity{
		Source: "garmin", ExternalID: "act1",
		StartTime: day.Add(7 * time.Hour), DurationSeconds: 1800,
		DistanceMeters: 5000, AscentMeters: 120, Calories: 350, Sport: "running",
	})
	mustCreate(t, db, &domain.WeightEntry{
		Source: "garmin", ExternalID: "w1",
		Timestamp: day.Add(6 * time.Hour), WeightKg: 74,
	})
	mustCreate(t, db, &domain.WeightEntry{
		Source: "garmin", ExternalID: "w2",
		Timestamp: day.Add(20 * time.Hour), WeightKg: 76,
	})
	mustCreate(t, db, &domain.SleepPeriod{
		Source: "garmin", ExternalID: "s1",
		Start: day.Add(1 * time.Hour), End: day.Add(5 * time.Hour), Stage: "deep",
	})
	// Awake periods never count toward sleep totals.
	mustCreate(t, db, &domain.SleepPeriod{
		Source: "garmin", ExternalID: "s2",
		Start: day.Add(5 * time.Hour), End: day.Add(5*time.Hour + 30*time.Minute), Stage: "awake",
	})

	aggregator := summary.New(db, nil)
	if err := aggregator.Recompute(ctx, "garmin", summary.PeriodDay, day, day); err != nil {
		t.Fatalf("unexpected recompute error: %v", err)
	}

	record := loadSummary(t, db, summary.PeriodDay, day)
	if record.Steps != 4000 || record.IntensityMinutes != 20 {
		t.Fatalf("unexpected monitoring totals: %+v", record)
	}
	if record.ActivityCount != 1 || record.DistanceMeters != 5000 || record.Calories != 350 {
		t.Fatalf("unexpected activity totals: %+v", record)
	}
	if record.WeightAvgKg != 75 || record.WeightMinKg != 74 || record.WeightMaxKg != 76 {
		t.Fatalf("unexpected weight totals: %+v", record)
	}
	if record.SleepSeconds != 4*3600 {
		t.Fatalf("expected 4 hours of sleep, got %v seconds", record.SleepSeconds)
	}
}

func TestRecomputeReplacesStaleRows(t *testing.T) {
	db := openTestDatabase(t)
	ctx := context.Background()
	day := time.Date(2023, 6, 10, 0, 0, 0, 0, time.UTC)

	sample := domain.MonitoringSample{
		Source: "garmin", ExternalID: "m1",
		Timestamp: day.Add(8 * time.Hour), Steps: 1000, DurationSeconds: 60,
	}
	mustCreate(t, db, &sample)

	aggregator := summary.New(db, nil)
	if err := aggregator.Recompute(ctx, "garmin", summary.PeriodDay, day, day); err != nil {
		t.Fatalf("unexpected recompute error: %v", err)
	}

	if err := db.Model(&domain.MonitoringSample{}).
		Where("source = ? AND external_id = ?", "garmin", "m1").
		Update("steps", 2500).Error; err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if err := aggregator.Recompute(ctx, "garmin", summary.PeriodDay, day, day); err != nil {
		t.Fatalf("unexpected recompute error: %v", err)
	}

	record := loadSummary(t, db, summary.PeriodDay, day)
	if record.Steps != 2500 {
		t.Fatalf("expected recompute to replace stale total, got %d", record.Steps)
	}

	var count int64
	if err := db.Model(&summary.Record{}).Count(&count).Error; err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single summary row, got %d", count)
	}
}

func TestRecomputeAllCoversEveryPeriod(t *testing.T) {
	db := openTestDatabase(t)
	ctx := context.Background()
	at := time.Date(2023, 6, 10, 8, 0, 0, 0, time.UTC)

	mustCreate(t, db, &domain.MonitoringSample{
		Source: "garmin", ExternalID: "m1",
		Timestamp: at, Steps: 700, DurationSeconds: 60,
	})

	aggregator := summary.New(db, nil)
	if err := aggregator.RecomputeAll(ctx, "garmin", at, at); err != nil {
		t.Fatalf("unexpected recompute error: %v", err)
	}

	starts := map[summary.Period]time.Time{
		summary.PeriodDay:   time.Date(2023, 6, 10, 0, 0, 0, 0, time.UTC),
		summary.PeriodWeek:  time.Date(2023, 6, 5, 0, 0, 0, 0, time.UTC),
		summary.PeriodMonth: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
		summary.PeriodYear:  time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for period, start := range starts {
		record := loadSummary(t, db, period, start)
		if record.Steps != 700 {
			t.Fatalf("period %s: expected 700 steps, got %d", period, record.Steps)
		}
	}
}

func TestPeriodStartWeeksBeginOnMonday(t *testing.T) {
	cases := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "sunday folds back to prior monday",
			in:   time.Date(2023, 6, 11, 14, 0, 0, 0, time.UTC),
			want: time.Date(2023, 6, 5, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "monday is its own start",
			in:   time.Date(2023, 6, 5, 0, 0, 0, 0, time.UTC),
			want: time.Date(2023, 6, 5, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			got := summary.PeriodStart(summary.PeriodWeek, testCase.in)
			if !got.Equal(testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, got)
			}
		})
	}
}

func TestNewPeriodRejectsUnknownGranularity(t *testing.T) {
	if _, err := summary.NewPeriod("fortnight"); err == nil {
		t.Fatalf("expected error for unknown period")
	}
	period, err := summary.NewPeriod("week")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if period != summary.PeriodWeek {
		t.Fatalf("unexpected period %q", period)
	}
}
