package database

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/openfitlab/fitstore/internal/domain"
	"github.com/openfitlab/fitstore/internal/summary"
)

// SchemaVersion is the version of the persisted schema. A stored database
// carrying a different version fails open with a SchemaError; recovery is an
// explicit rebuild, never a silent misread.
const SchemaVersion int64 = 1

// schemaRecord pins the schema version inside each source database.
type schemaRecord struct {
	Name      string    `gorm:"column:name;primaryKey;size:64;not null"`
	Version   int64     `gorm:"column:version;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (schemaRecord) TableName() string {
	return "schema_info"
}

const schemaRecordName = "fitstore"

// Path returns the database file path for a source under the data directory.
func Path(dataDir string, source domain.Source) string {
	return filepath.Join(dataDir, fmt.Sprintf("%s.db", source))
}

// Open establishes the SQLite connection for one source database, performs
// schema migrations, and verifies the stored schema version.
func Open(dataDir string, source domain.Source, logger *zap.Logger) (*gorm.DB, error) {
	return OpenDSN(Path(dataDir, source), source, logger)
}

// OpenDSN is Open with an explicit DSN; tests use in-memory databases.
func OpenDSN(dsn string, source domain.Source, logger *zap.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// Single writer per database.
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	if err := checkSchemaVersion(db, source); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized",
			zap.String("source", source.String()),
			zap.String("dsn", dsn))
	}

	return db, nil
}

// Migrate creates or updates all canonical, mark, summary, and metadata
// tables for a source database.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Activity{},
		&domain.MonitoringSample{},
		&domain.SleepPeriod{},
		&domain.WeightEntry{},
		&domain.HighWaterMark{},
		&domain.Attribute{},
		&summary.Record{},
		&schemaRecord{},
		&migrationRecord{},
	)
}

func checkSchemaVersion(db *gorm.DB, source domain.Source) error {
	var record schemaRecord
	err := db.Where("name = ?", schemaRecordName).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record = schemaRecord{Name: schemaRecordName, Version: SchemaVersion, UpdatedAt: time.Now().UTC()}
		return db.Create(&record).Error
	}
	if err != nil {
		return err
	}
	if record.Version != SchemaVersion {
		return domain.NewSchemaError(source, record.Version, SchemaVersion)
	}
	return nil
}

// Reset drops every canonical, mark, and summary table and recreates the
// schema at the current version. Used by rebuild only.
func Reset(db *gorm.DB) error {
	tables := []any{
		&domain.Activity{},
		&domain.MonitoringSample{},
		&domain.SleepPeriod{},
		&domain.WeightEntry{},
		&domain.HighWaterMark{},
		&domain.Attribute{},
		&summary.Record{},
		&schemaRecord{},
		&migrationRecord{},
	}
	if err := db.Migrator().DropTable(tables...); err != nil {
		return err
	}
	return Migrate(db)
}
