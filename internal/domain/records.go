package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Source identifies a fitness-data provider.
type Source string

const (
	// SourceGarmin is the GPS-tracker platform.
	SourceGarmin Source = "garmin"
	// SourceFitbit is the wearable-tracker platform.
	SourceFitbit Source = "fitbit"
	// SourceHealthKit is the phone-health platform.
	SourceHealthKit Source = "healthkit"
)

// Category identifies a record type within a source.
type Category string

const (
	CategoryActivity   Category = "activity"
	CategoryMonitoring Category = "monitoring"
	CategorySleep      Category = "sleep"
	CategoryWeight     Category = "weight"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidSource indicates an empty or unknown source tag.
	ErrInvalidSource = errors.New("domain: invalid source")
	// ErrInvalidCategory indicates an empty or unknown category tag.
	ErrInvalidCategory = errors.New("domain: invalid category")
	// ErrInvalidExternalID indicates that an external identifier is empty or exceeds storage bounds.
	ErrInvalidExternalID = errors.New("domain: invalid external id")
)

var knownSources = map[Source]bool{
	SourceGarmin:    true,
	SourceFitbit:    true,
	SourceHealthKit: true,
}

var knownCategories = map[Category]bool{
	CategoryActivity:   true,
	CategoryMonitoring: true,
	CategorySleep:      true,
	CategoryWeight:     true,
}

// NewSource validates raw input and returns a Source.
func NewSource(rawInput string) (Source, error) {
	trimmed := Source(strings.ToLower(strings.TrimSpace(rawInput)))
	if !knownSources[trimmed] {
		return "", fmt.Errorf("%w: %q", ErrInvalidSource, rawInput)
	}
	return trimmed, nil
}

// String returns the underlying source tag.
func (s Source) String() string {
	return string(s)
}

// NewCategory validates raw input and returns a Category.
func NewCategory(rawInput string) (Category, error) {
	trimmed := Category(strings.ToLower(strings.TrimSpace(rawInput)))
	if !knownCategories[trimmed] {
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, rawInput)
	}
	return trimmed, nil
}

// String returns the underlying category tag.
func (c Category) String() string {
	return string(c)
}

// ExternalID is the provider-assigned natural key of a record.
type ExternalID string

// NewExternalID validates raw input and returns an ExternalID.
func NewExternalID(rawInput string) (ExternalID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidExternalID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidExternalID, maxIdentifierLength)
	}
	return ExternalID(trimmed), nil
}

// String returns the underlying identifier.
func (id ExternalID) String() string {
	return string(id)
}

// Record is the common surface of all canonical record variants. The merge
// engine relies on it for keying, validation, and mark advancement.
type Record interface {
	RecordSource() Source
	RecordCategory() Category
	RecordExternalID() ExternalID
	RecordTimestamp() time.Time
	Validate() error
}

// Activity is a canonical activity record composed from a session's messages.
type Activity struct {
	Source          string    `gorm:"column:source;size:32;not null;primaryKey"`
	ExternalID      string    `gorm:"column:external_id;size:190;not null;primaryKey"`
	StartTime       time.Time `gorm:"column:start_time;not null;index:idx_activities_start"`
	DurationSeconds float64   `gorm:"column:duration_s;not null"`
	DistanceMeters  float64   `gorm:"column:distance_m"`
	AscentMeters    float64   `gorm:"column:ascent_m"`
	DescentMeters   float64   `gorm:"column:descent_m"`
	Sport           string    `gorm:"column:sport;size:64"`
	Calories        int64     `gorm:"column:calories"`
	AvgHeartRate    int64     `gorm:"column:avg_heart_rate"`
	MaxHeartRate    int64     `gorm:"column:max_heart_rate"`
	StartLatitude   float64   `gorm:"column:start_lat"`
	StartLongitude  float64   `gorm:"column:start_lon"`
	Laps            int64     `gorm:"column:laps;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Activity) TableName() string {
	return "activities"
}

func (a Activity) RecordSource() Source         { return Source(a.Source) }
func (a Activity) RecordCategory() Category     { return CategoryActivity }
func (a Activity) RecordExternalID() ExternalID { return ExternalID(a.ExternalID) }
func (a Activity) RecordTimestamp() time.Time   { return a.StartTime }

// Validate reports whether the activity satisfies domain constraints.
func (a Activity) Validate() error {
	if _, err := NewSource(a.Source); err != nil {
		return newValidationError(CategoryActivity, a.ExternalID, err)
	}
	if _, err := NewExternalID(a.ExternalID); err != nil {
		return newValidationError(CategoryActivity, a.ExternalID, err)
	}
	if a.StartTime.IsZero() {
		return newValidationError(CategoryActivity, a.ExternalID, errors.New("missing start time"))
	}
	if a.DurationSeconds < 0 {
		return newValidationError(CategoryActivity, a.ExternalID, errors.New("negative duration"))
	}
	return nil
}

// MonitoringSample is a canonical all-day monitoring sample.
type MonitoringSample struct {
	Source           string    `gorm:"column:source;size:32;not null;primaryKey"`
	ExternalID       string    `gorm:"column:external_id;size:190;not null;primaryKey"`
	Timestamp        time.Time `gorm:"column:timestamp;not null;index:idx_monitoring_ts"`
	HeartRate        int64     `gorm:"column:heart_rate"`
	Steps            int64     `gorm:"column:steps"`
	IntensityMinutes int64     `gorm:"column:intensity_minutes"`
	DurationSeconds  float64   `gorm:"column:duration_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (MonitoringSample) TableName() string {
	return "monitoring_samples"
}

func (m MonitoringSample) RecordSource() Source         { return Source(m.Source) }
func (m MonitoringSample) RecordCategory() Category     { return CategoryMonitoring }
func (m MonitoringSample) RecordExternalID() ExternalID { return ExternalID(m.ExternalID) }
func (m MonitoringSample) RecordTimestamp() time.Time   { return m.Timestamp }

// Validate reports whether the sample satisfies domain constraints.
func (m MonitoringSample) Validate() error {
	if _, err := NewSource(m.Source); err != nil {
		return newValidationError(CategoryMonitoring, m.ExternalID, err)
	}
	if _, err := NewExternalID(m.ExternalID); err != nil {
		return newValidationError(CategoryMonitoring, m.ExternalID, err)
	}
	if m.Timestamp.IsZero() {
		return newValidationError(CategoryMonitoring, m.ExternalID, errors.New("missing timestamp"))
	}
	if m.HeartRate < 0 || m.HeartRate > 255 {
		return newValidationError(CategoryMonitoring, m.ExternalID, fmt.Errorf("heart rate %d out of range", m.HeartRate))
	}
	if m.Steps < 0 {
		return newValidationError(CategoryMonitoring, m.ExternalID, errors.New("negative steps"))
	}
	return nil
}

// SleepPeriod is one contiguous span spent in a single sleep stage.
type SleepPeriod struct {
	Source     string    `gorm:"column:source;size:32;not null;primaryKey"`
	ExternalID string    `gorm:"column:external_id;size:190;not null;primaryKey"`
	Start      time.Time `gorm:"column:start;not null;index:idx_sleep_start"`
	End        time.Time `gorm:"column:end;not null"`
	Stage      string    `gorm:"column:stage;size:32;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SleepPeriod) TableName() string {
	return "sleep_periods"
}

func (s SleepPeriod) RecordSource() Source         { return Source(s.Source) }
func (s SleepPeriod) RecordCategory() Category     { return CategorySleep }
func (s SleepPeriod) RecordExternalID() ExternalID { return ExternalID(s.ExternalID) }
func (s SleepPeriod) RecordTimestamp() time.Time   { return s.Start }

// Validate reports whether the period satisfies domain constraints.
func (s SleepPeriod) Validate() error {
	if _, err := NewSource(s.Source); err != nil {
		return newValidationError(CategorySleep, s.ExternalID, err)
	}
	if _, err := NewExternalID(s.ExternalID); err != nil {
		return newValidationError(CategorySleep, s.ExternalID, err)
	}
	if s.Start.IsZero() || s.End.IsZero() {
		return newValidationError(CategorySleep, s.ExternalID, errors.New("missing start or end"))
	}
	if s.End.Before(s.Start) {
		return newValidationError(CategorySleep, s.ExternalID, errors.New("end precedes start"))
	}
	if strings.TrimSpace(s.Stage) == "" {
		return newValidationError(CategorySleep, s.ExternalID, errors.New("missing stage"))
	}
	return nil
}

// WeightEntry is a canonical body-weight measurement.
type WeightEntry struct {
	Source     string    `gorm:"column:source;size:32;not null;primaryKey"`
	ExternalID string    `gorm:"column:external_id;size:190;not null;primaryKey"`
	Timestamp  time.Time `gorm:"column:timestamp;not null;index:idx_weight_ts"`
	WeightKg   float64   `gorm:"column:weight_kg;not null"`
}

// TableName provides the explicit table binding for GORM.
func (WeightEntry) TableName() string {
	return "weight_entries"
}

func (w WeightEntry) RecordSource() Source         { return Source(w.Source) }
func (w WeightEntry) RecordCategory() Category     { return CategoryWeight }
func (w WeightEntry) RecordExternalID() ExternalID { return ExternalID(w.ExternalID) }
func (w WeightEntry) RecordTimestamp() time.Time   { return w.Timestamp }

// Validate reports whether the entry satisfies domain constraints.
func (w WeightEntry) Validate() error {
	if _, err := NewSource(w.Source); err != nil {
		return newValidationError(CategoryWeight, w.ExternalID, err)
	}
	if _, err := NewExternalID(w.ExternalID); err != nil {
		return newValidationError(CategoryWeight, w.ExternalID, err)
	}
	if w.Timestamp.IsZero() {
		return newValidationError(CategoryWeight, w.ExternalID, errors.New("missing timestamp"))
	}
	if w.WeightKg <= 0 || w.WeightKg > 700 {
		return newValidationError(CategoryWeight, w.ExternalID, fmt.Errorf("weight %.2f out of range", w.WeightKg))
	}
	return nil
}

// HighWaterMark tracks the latest fully-merged timestamp per source and
// category. Advanced only inside the batch transaction that committed the
// records it covers; never decreases.
type HighWaterMark struct {
	Source    string    `gorm:"column:source;primaryKey;size:32;not null"`
	Category  string    `gorm:"column:category;primaryKey;size:32;not null"`
	Timestamp time.Time `gorm:"column:timestamp;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (HighWaterMark) TableName() string {
	return "high_water_marks"
}

// Attribute is generic per-database key/value metadata (units system,
// last rebuild time, and similar operational state).
type Attribute struct {
	Key       string    `gorm:"column:key;primaryKey;size:190;not null"`
	Value     string    `gorm:"column:value;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Attribute) TableName() string {
	return "attributes"
}
