package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nellyag1/wavescape-portal222/session"
)

// SessionDocument is the relational row of a session. States duplicates the
// tag list from Document for ad-hoc queries.
type SessionDocument struct {
	Name      string `gorm:"primaryKey;size:255"`
	Version   int    `gorm:"not null;default:1"`
	States    string `gorm:"size:512;not null"`
	Document  string `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName pins the table created by the migrations.
func (SessionDocument) TableName() string { return "session_documents" }

// LoopDocument is the relational row of a wait-loop checkpoint.
type LoopDocument struct {
	InstanceID string    `gorm:"primaryKey;size:64"`
	SessionKey string    `gorm:"size:255;not null;index"`
	NextWakeAt time.Time `gorm:"not null;index"`
	Done       bool      `gorm:"not null;default:false"`
	Data       string    `gorm:"type:text;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName pins the table created by the migrations.
func (LoopDocument) TableName() string { return "wait_loops" }

// AutoMigrate creates the store tables through gorm. Deployments use the
// SQL migrations instead; this serves tests and embedded sqlite.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&SessionDocument{}, &LoopDocument{})
}

func pingGorm(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// DatabaseSessionStore is a gorm-based implementation of SessionStore.
// The *gorm.DB is owned by the caller (see internal/database).
type DatabaseSessionStore struct {
	db *gorm.DB
}

// NewDatabaseSessionStore creates a new database-backed session store
func NewDatabaseSessionStore(db *gorm.DB) (*DatabaseSessionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: db cannot be nil", ErrInvalidInput)
	}
	return &DatabaseSessionStore{db: db}, nil
}

// Close is a no-op; the pool manager closes the connection.
func (s *DatabaseSessionStore) Close() error { return nil }

// Ping checks if the store is healthy
func (s *DatabaseSessionStore) Ping(ctx context.Context) error {
	return pingGorm(ctx, s.db)
}

// Get retrieves a session by name
func (s *DatabaseSessionStore) Get(ctx context.Context, name string) (*session.Record, error) {
	var doc SessionDocument
	err := s.db.WithContext(ctx).Where("name = ?", name).Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSession([]byte(doc.Document))
}

// Save upserts a session row
func (s *DatabaseSessionStore) Save(ctx context.Context, record *session.Record) error {
	if record == nil {
		return ErrInvalidInput
	}
	data, err := encodeSession(record)
	if err != nil {
		return err
	}
	version := record.Version
	if version == 0 {
		version = session.CurrentVersion
	}
	doc := SessionDocument{
		Name:      record.Name,
		Version:   version,
		States:    strings.Join(record.States.Names(), ","),
		Document:  string(data),
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "states", "document", "updated_at"}),
	}).Create(&doc).Error
}

// Delete removes a session row
func (s *DatabaseSessionStore) Delete(ctx context.Context, name string) error {
	res := s.db.WithContext(ctx).Where("name = ?", name).Delete(&SessionDocument{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Keys returns all session names in ascending order
func (s *DatabaseSessionStore) Keys(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&SessionDocument{}).Order("name").Pluck("name", &names).Error
	return names, err
}

// DatabaseLoopStore is a gorm-based implementation of LoopStore.
type DatabaseLoopStore struct {
	db *gorm.DB
}

// NewDatabaseLoopStore creates a new database-backed loop store
func NewDatabaseLoopStore(db *gorm.DB) (*DatabaseLoopStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: db cannot be nil", ErrInvalidInput)
	}
	return &DatabaseLoopStore{db: db}, nil
}

// Close is a no-op; the pool manager closes the connection.
func (s *DatabaseLoopStore) Close() error { return nil }

// Ping checks if the store is healthy
func (s *DatabaseLoopStore) Ping(ctx context.Context) error {
	return pingGorm(ctx, s.db)
}

func toLoopRecord(doc *LoopDocument) *LoopRecord {
	return &LoopRecord{
		InstanceID: doc.InstanceID,
		SessionKey: doc.SessionKey,
		NextWakeAt: doc.NextWakeAt,
		Done:       doc.Done,
		Data:       []byte(doc.Data),
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
}

// Save upserts a checkpoint row
func (s *DatabaseLoopStore) Save(ctx context.Context, record *LoopRecord) error {
	if err := record.validate(); err != nil {
		return err
	}
	doc := LoopDocument{
		InstanceID: record.InstanceID,
		SessionKey: record.SessionKey,
		NextWakeAt: record.NextWakeAt.UTC(),
		Done:       record.Done,
		Data:       string(record.Data),
		CreatedAt:  record.CreatedAt,
		UpdatedAt:  record.UpdatedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instance_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"next_wake_at", "done", "data", "updated_at"}),
	}).Create(&doc).Error
}

// Get retrieves a checkpoint by instance id
func (s *DatabaseLoopStore) Get(ctx context.Context, instanceID string) (*LoopRecord, error) {
	var doc LoopDocument
	err := s.db.WithContext(ctx).Where("instance_id = ?", instanceID).Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toLoopRecord(&doc), nil
}

// Delete removes a checkpoint row
func (s *DatabaseLoopStore) Delete(ctx context.Context, instanceID string) error {
	res := s.db.WithContext(ctx).Where("instance_id = ?", instanceID).Delete(&LoopDocument{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDue returns unfinished checkpoints due at or before the given time
func (s *DatabaseLoopStore) ListDue(ctx context.Context, before time.Time, limit int) ([]*LoopRecord, error) {
	q := s.db.WithContext(ctx).
		Where("done = ? AND next_wake_at <= ?", false, before.UTC()).
		Order("next_wake_at, instance_id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return s.find(q)
}

// List returns every checkpoint
func (s *DatabaseLoopStore) List(ctx context.Context) ([]*LoopRecord, error) {
	return s.find(s.db.WithContext(ctx).Order("next_wake_at, instance_id"))
}

func (s *DatabaseLoopStore) find(q *gorm.DB) ([]*LoopRecord, error) {
	var docs []LoopDocument
	if err := q.Find(&docs).Error; err != nil {
		return nil, err
	}
	out := make([]*LoopRecord, 0, len(docs))
	for i := range docs {
		out = append(out, toLoopRecord(&docs[i]))
	}
	return out, nil
}
