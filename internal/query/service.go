// Package query is the read-only surface over canonical and summary tables,
// consumed by reporting and graphing collaborators. It never writes.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/openfitlab/fitstore/internal/domain"
	"github.com/openfitlab/fitstore/internal/summary"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries an operation.reason code for query failures.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "query.service.new"
	opActivities  = "query.activities"
	opActivity    = "query.activity"
	opMonitoring  = "query.monitoring"
	opSleep       = "query.sleep"
	opWeight      = "query.weight"
	opSummaries   = "query.summaries"
	opMarks       = "query.marks"
	reasonQuery   = "query_failed"
	reasonMissing = "missing_database"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// TimeRange bounds a query; zero endpoints are open.
type TimeRange struct {
	From time.Time
	To   time.Time
}

func (r TimeRange) apply(db *gorm.DB, column string) *gorm.DB {
	if !r.From.IsZero() {
		db = db.Where(column+" >= ?", r.From)
	}
	if !r.To.IsZero() {
		db = db.Where(column+" < ?", r.To)
	}
	return db
}

// ServiceConfig carries the dependencies for a Service.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service answers read-only queries against one source database.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissing, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, logger: logger}, nil
}

// Activities returns activities starting within the range, newest first.
func (s *Service) Activities(ctx context.Context, timeRange TimeRange) ([]domain.Activity, error) {
	var activities []domain.Activity
	db := timeRange.apply(s.db.WithContext(ctx), "start_time")
	if err := db.Order("start_time DESC").Find(&activities).Error; err != nil {
		s.logError(opActivities, err)
		return nil, newServiceError(opActivities, reasonQuery, err)
	}
	return activities, nil
}

// Activity returns one activity by its merge key, nil when absent.
func (s *Service) Activity(ctx context.Context, source domain.Source, externalID domain.ExternalID) (*domain.Activity, error) {
	var activity domain.Activity
	err := s.db.WithContext(ctx).
		Where("source = ? AND external_id = ?", source.String(), externalID.String()).
		Take(&activity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opActivity, err)
		return nil, newServiceError(opActivity, reasonQuery, err)
	}
	return &activity, nil
}

// MonitoringSamples returns samples within the range in timestamp order.
func (s *Service) MonitoringSamples(ctx context.Context, timeRange TimeRange) ([]domain.MonitoringSample, error) {
	var samples []domain.MonitoringSample
	db := timeRange.apply(s.db.WithContext(ctx), "timestamp")
	if err := db.Order("timestamp ASC").Find(&samples).Error; err != nil {
		s.logError(opMonitoring, err)
		return nil, newServiceError(opMonitoring, reasonQuery, err)
	}
	return samples, nil
}

// SleepPeriods returns sleep periods starting within the range.
func (s *Service) SleepPeriods(ctx context.Context, timeRange TimeRange) ([]domain.SleepPeriod, error) {
	var periods []domain.SleepPeriod
	db := timeRange.apply(s.db.WithContext(ctx), "start")
	if err := db.Order("start ASC").Find(&periods).Error; err != nil {
		s.logError(opSleep, err)
		return nil, newServiceError(opSleep, reasonQuery, err)
	}
	return periods, nil
}

// WeightEntries returns weight entries within the range.
func (s *Service) WeightEntries(ctx context.Context, timeRange TimeRange) ([]domain.WeightEntry, error) {
	var entries []domain.WeightEntry
	db := timeRange.apply(s.db.WithContext(ctx), "timestamp")
	if err := db.Order("timestamp ASC").Find(&entries).Error; err != nil {
		s.logError(opWeight, err)
		return nil, newServiceError(opWeight, reasonQuery, err)
	}
	return entries, nil
}

// Summaries returns summary rows of one granularity within the range.
func (s *Service) Summaries(ctx context.Context, period summary.Period, timeRange TimeRange) ([]summary.Record, error) {
	var records []summary.Record
	db := timeRange.apply(s.db.WithContext(ctx), "period_start").
		Where("period = ?", string(period))
	if err := db.Order("period_start ASC").Find(&records).Error; err != nil {
		s.logError(opSummaries, err)
		return nil, newServiceError(opSummaries, reasonQuery, err)
	}
	return records, nil
}

// Marks returns every high-water mark stored in the database.
func (s *Service) Marks(ctx context.Context) ([]domain.HighWaterMark, error) {
	var marks []domain.HighWaterMark
	if err := s.db.WithContext(ctx).Order("category ASC").Find(&marks).Error; err != nil {
		s.logError(opMarks, err)
		return nil, newServiceError(opMarks, reasonQuery, err)
	}
	return marks, nil
}

func (s *Service) logError(operation string, err error) {
	s.logger.Error("query service error",
		zap.String("operation", operation),
		zap.Error(err))
}
