package merge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/openfitlab/fitstore/internal/database"
	"github.com/openfitlab/fitstore/internal/domain"
)

var databaseSequence atomic.Int64

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:merge_%d?mode=memory&cache=shared", databaseSequence.Add(1))
	db, err := database.OpenDSN(dsn, "garmin", nil)
	if err != nil {
		t.Fatalf("unexpected database error: %v", err)
	}
	return db
}

func newTestEngine(t *testing.T, db *gorm.DB) *Engine {
	t.Helper()
	fixedNow := time.Date(2023, 7, 1, 12, 0, 0, 0, time.UTC)
	engine, err := NewEngine(EngineConfig{
		Database: db,
		Source:   "garmin",
		Clock:    func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}
	return engine
}

func sampleAt(ts time.Time, heartRate int64) domain.MonitoringSample {
	return domain.MonitoringSample{
		Source:          "garmin",
		ExternalID:      fmt.Sprintf("%d", ts.Unix()),
		Timestamp:       ts,
		HeartRate:       heartRate,
		Steps:           100,
		DurationSeconds: 60,
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	db := openTestDatabase(t)
	engine := newTestEngine(t, db)
	ctx := context.Background()

	base := time.Date(2023, 6, 10, 9, 0, 0, 0, time.UTC)
	batch := []domain.Record{
		sampleAt(base, 70),
		sampleAt(base.Add(time.Minute), 72),
	}

	first, err := engine.Merge(ctx, domain.CategoryMonitoring, batch)
	if err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	if first.Inserted != 2 || first.Updated != 0 || first.Skipped != 0 {
		t.Fatalf("unexpected first result: %+v", first)
	}
	if !first.Mark.Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected mark %v", first.Mark)
	}

	second, err := engine.Merge(ctx, domain.CategoryMonitoring, batch)
	if err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	if second.Inserted != 0 || second.Updated != 0 || second.Skipped != 2 {
		t.Fatalf("expected identical batch to skip, got %+v", second)
	}

	var count int64
	if err := db.Model(&domain.MonitoringSample{}).Count(&count).Error; err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 canonical rows, got %d", count)
	}
}

func TestMergeUpdatesChangedRecords(t *testing.T) {
	db := openTestDatabase(t)
	engine := newTestEngine(t, db)
	ctx := context.Background()

	base := time.Date(2023, 6, 10, 9, 0, 0, 0, time.UTC)
	if _, err := engine.Merge(ctx, domain.CategoryMonitoring, []domain.Record{sampleAt(base, 70)}); err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}

	revised := sampleAt(base, 75)
	result, err := engine.Merge(ctx, domain.CategoryMonitoring, []domain.Record{revised})
	if err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	if result.Updated != 1 || result.Inserted != 0 {
		t.Fatalf("expected one update, got %+v", result)
	}

	var stored domain.MonitoringSample
	err = db.Where("source = ? AND external_id = ?", "garmin", revised.ExternalID).Take(&stored).Error
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if stored.HeartRate != 75 {
		t.Fatalf("expected updated heart rate 75, got %d", stored.HeartRate)
	}
}

func TestMergeMarkNeverMovesBackwards(t *testing.T) {
	db := openTestDatabase(t)
	engine := newTestEngine(t, db)
	ctx := context.Background()

	late := time.Date(2023, 6, 12, 9, 0, 0, 0, time.UTC)
	early := time.Date(2023, 6, 10, 9, 0, 0, 0, time.UTC)

	if _, err := engine.Merge(ctx, domain.CategoryMonitoring, []domain.Record{sampleAt(late, 70)}); err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	result, err := engine.Merge(ctx, domain.CategoryMonitoring, []domain.Record{sampleAt(early, 65)})
	if err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	if !result.Mark.Equal(late) {
		t.Fatalf("expected mark to hold at %v, got %v", late, result.Mark)
	}

	mark, err := engine.Mark(ctx, domain.CategoryMonitoring)
	if err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	if !mark.Equal(late) {
		t.Fatalf("expected stored mark %v, got %v", late, mark)
	}
}

func TestMergeOutOfOrderBatchAdvancesToMaximum(t *testing.T) {
	db := openTestDatabase(t)
	engine := newTestEngine(t, db)
	ctx := context.Background()

	base := time.Date(2023, 6, 10, 9, 0, 0, 0, time.UTC)
	batch := []domain.Record{
		sampleAt(base.Add(2*time.Minute), 70),
		sampleAt(base, 68),
		sampleAt(base.Add(time.Minute), 69),
	}

	result, err := engine.Merge(ctx, domain.CategoryMonitoring, batch)
	if err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	if !result.Mark.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("expected mark at batch maximum, got %v", result.Mark)
	}
}

func TestMergeRejectsInvalidRecordsAndContinues(t *testing.T) {
	db := openTestDatabase(t)
	engine := newTestEngine(t, db)
	ctx := context.Background()

	base := time.Date(2023, 6, 10, 9, 0, 0, 0, time.UTC)
	batch := []domain.Record{
		sampleAt(base, 70),
		sampleAt(base.Add(time.Minute), 300), // heart rate out of range
	}

	result, err := engine.Merge(ctx, domain.CategoryMonitoring, batch)
	if err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	if result.Inserted != 1 {
		t.Fatalf("expected valid sibling inserted, got %+v", result)
	}
	if len(result.Rejected) != 1 {
		t.Fatalf("expected one rejection, got %v", result.Rejected)
	}
	if !result.Mark.Equal(base) {
		t.Fatalf("expected mark at accepted maximum %v, got %v", base, result.Mark)
	}
}

func TestMergeRejectsForeignSourceAndCategory(t *testing.T) {
	db := openTestDatabase(t)
	engine := newTestEngine(t, db)
	ctx := context.Background()

	base := time.Date(2023, 6, 10, 9, 0, 0, 0, time.UTC)
	foreign := sampleAt(base, 70)
	foreign.Source = "fitbit"

	result, err := engine.Merge(ctx, domain.CategoryMonitoring, []domain.Record{foreign})
	if err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	if len(result.Rejected) != 1 || result.Inserted != 0 {
		t.Fatalf("expected foreign-source rejection, got %+v", result)
	}

	result, err = engine.Merge(ctx, domain.CategoryActivity, []domain.Record{sampleAt(base, 70)})
	if err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	if len(result.Rejected) != 1 || result.Inserted != 0 {
		t.Fatalf("expected category-mismatch rejection, got %+v", result)
	}
}

func TestMergeStorageFailureLeavesTablesAndMarkUntouched(t *testing.T) {
	db := openTestDatabase(t)
	engine := newTestEngine(t, db)
	ctx := context.Background()

	base := time.Date(2023, 6, 10, 9, 0, 0, 0, time.UTC)
	if _, err := engine.Merge(ctx, domain.CategoryMonitoring, []domain.Record{sampleAt(base, 70)}); err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.Merge(canceled, domain.CategoryMonitoring, []domain.Record{
		sampleAt(base.Add(time.Hour), 80),
	})
	var storageErr *domain.StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected StorageError, got %v", err)
	}

	var count int64
	if err := db.Model(&domain.MonitoringSample{}).Count(&count).Error; err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected aborted batch to leave 1 row, got %d", count)
	}
	mark, err := engine.Mark(ctx, domain.CategoryMonitoring)
	if err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	if !mark.Equal(base) {
		t.Fatalf("expected mark unchanged at %v, got %v", base, mark)
	}
}

func TestMergeEmptyBatchLeavesMarkZero(t *testing.T) {
	db := openTestDatabase(t)
	engine := newTestEngine(t, db)
	ctx := context.Background()

	result, err := engine.Merge(ctx, domain.CategoryWeight, nil)
	if err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	if !result.Mark.IsZero() {
		t.Fatalf("expected zero mark for empty batch, got %v", result.Mark)
	}
	mark, err := engine.Mark(ctx, domain.CategoryWeight)
	if err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	if !mark.IsZero() {
		t.Fatalf("expected no stored mark, got %v", mark)
	}
}

func TestEngineAttributesRoundTrip(t *testing.T) {
	db := openTestDatabase(t)
	engine := newTestEngine(t, db)
	ctx := context.Background()

	if err := engine.SetAttribute(ctx, "last_import_run", "run-123"); err != nil {
		t.Fatalf("unexpected attribute error: %v", err)
	}
	value, err := engine.Attribute(ctx, "last_import_run")
	if err != nil {
		t.Fatalf("unexpected attribute error: %v", err)
	}
	if value != "run-123" {
		t.Fatalf("unexpected attribute value %q", value)
	}

	missing, err := engine.Attribute(ctx, "absent")
	if err != nil {
		t.Fatalf("unexpected attribute error: %v", err)
	}
	if missing != "" {
		t.Fatalf("expected empty value for absent key, got %q", missing)
	}
}
