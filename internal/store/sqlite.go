package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/andresmejia3/facegate/internal/types"
)

// DefaultSQLiteFile is used when no database URL or SQLite path is configured.
const DefaultSQLiteFile = "facegate.sqlite3"

type passengerRow struct {
	ID        string `gorm:"primaryKey;type:varchar(128)"`
	Label     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Faces     []faceRow `gorm:"foreignKey:PassengerID;constraint:OnDelete:CASCADE"`
}

func (passengerRow) TableName() string { return "passengers" }

type faceRow struct {
	ID          uint                 `gorm:"primaryKey;autoIncrement"`
	PassengerID string               `gorm:"type:varchar(128);index:idx_reference_faces_passenger"`
	Position    int                  `gorm:"not null"`
	Descriptor  types.FaceDescriptor `gorm:"type:text;serializer:json"`
	Image       []byte
}

func (faceRow) TableName() string { return "reference_faces" }

// SQLite keeps references in a local database file through gorm.
type SQLite struct {
	db *gorm.DB
}

// NewSQLite opens (or creates) the database at path and migrates the schema.
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = DefaultSQLiteFile
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path+"?_pragma=foreign_keys(1)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB from gorm: %w", err)
	}
	// SQLite allows a single writer.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	if err := s.db.AutoMigrate(&passengerRow{}, &faceRow{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLite) Save(ctx context.Context, set *types.ReferenceSet) error {
	if set.Empty() {
		return types.ErrEmptyCapture
	}

	var faces []faceRow
	if set.Deferred() {
		for i, img := range set.Images() {
			faces = append(faces, faceRow{PassengerID: set.PassengerID, Position: i, Image: img})
		}
	} else {
		for i, d := range set.Descriptors() {
			faces = append(faces, faceRow{PassengerID: set.PassengerID, Position: i, Descriptor: d})
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p := passengerRow{ID: set.PassengerID}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"updated_at"}),
		}).Omit("Faces").Create(&p).Error
		if err != nil {
			return fmt.Errorf("upsert passenger: %w", err)
		}
		if err := tx.Where("passenger_id = ?", set.PassengerID).Delete(&faceRow{}).Error; err != nil {
			return fmt.Errorf("clear references: %w", err)
		}
		if err := tx.Create(&faces).Error; err != nil {
			return fmt.Errorf("insert references: %w", err)
		}
		return nil
	})
}

func (s *SQLite) Load(ctx context.Context, passengerID string) (*types.ReferenceSet, error) {
	var p passengerRow
	err := s.db.WithContext(ctx).
		Preload("Faces", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		First(&p, "id = ?", passengerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(passengerID)
	}
	if err != nil {
		return nil, err
	}
	return rowToSet(p), nil
}

func rowToSet(p passengerRow) *types.ReferenceSet {
	var descs []types.FaceDescriptor
	var images [][]byte
	for _, f := range p.Faces {
		if len(f.Descriptor) > 0 {
			descs = append(descs, f.Descriptor)
		} else if len(f.Image) > 0 {
			images = append(images, f.Image)
		}
	}
	return buildSet(p.ID, descs, images)
}

func (s *SQLite) Delete(ctx context.Context, passengerID string) error {
	res := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("passenger_id = ?", passengerID).Delete(&faceRow{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", passengerID).Delete(&passengerRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return notFound(passengerID)
		}
		return nil
	})
	return res
}

func (s *SQLite) Label(ctx context.Context, passengerID, label string) error {
	res := s.db.WithContext(ctx).Model(&passengerRow{}).Where("id = ?", passengerID).Update("label", label)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound(passengerID)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context) ([]Passenger, error) {
	var rows []passengerRow
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}

	type countRow struct {
		PassengerID string
		Samples     int
		Embedded    int
	}
	var counts []countRow
	err := s.db.WithContext(ctx).Model(&faceRow{}).
		Select("passenger_id, COUNT(*) AS samples, COUNT(NULLIF(descriptor, 'null')) AS embedded").
		Group("passenger_id").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	byID := make(map[string]countRow, len(counts))
	for _, c := range counts {
		byID[c.PassengerID] = c
	}

	out := make([]Passenger, 0, len(rows))
	for _, r := range rows {
		c := byID[r.ID]
		out = append(out, Passenger{
			ID:        r.ID,
			Label:     r.Label,
			Samples:   c.Samples,
			Deferred:  c.Samples > 0 && c.Embedded == 0,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		})
	}
	return out, nil
}

func (s *SQLite) All(ctx context.Context) ([]*types.ReferenceSet, error) {
	var rows []passengerRow
	err := s.db.WithContext(ctx).
		Preload("Faces", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.ReferenceSet, 0, len(rows))
	for _, r := range rows {
		if len(r.Faces) == 0 {
			continue
		}
		out = append(out, rowToSet(r))
	}
	return out, nil
}

// Reset drops all application tables and recreates them.
func (s *SQLite) Reset(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Migrator().DropTable(&faceRow{}, &passengerRow{}); err != nil {
		return err
	}
	return s.migrate()
}

var _ Repository = (*SQLite)(nil)
