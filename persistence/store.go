package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nellyag1/wavescape-portal222/session"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory   StoreType = "memory"
	StoreTypeFile     StoreType = "file"
	StoreTypeRedis    StoreType = "redis"
	StoreTypeDatabase StoreType = "database"
	StoreTypeMongo    StoreType = "mongo"
)

// Valid reports whether t names a known backend.
func (t StoreType) Valid() bool {
	switch t {
	case StoreTypeMemory, StoreTypeFile, StoreTypeRedis, StoreTypeDatabase, StoreTypeMongo:
		return true
	}
	return false
}

// StoreConfig is the base configuration for all store implementations
type StoreConfig struct {
	// Type is the backend for session records
	Type StoreType `json:"type" yaml:"type" env:"TYPE"`

	// LoopType is the backend for wait-loop checkpoints (default: same as Type)
	LoopType StoreType `json:"loop_type" yaml:"loop_type" env:"LOOP_TYPE"`

	// BaseDir is the base directory for file-based storage
	BaseDir string `json:"base_dir" yaml:"base_dir" env:"BASE_DIR"`

	// Redis configuration (only used when a type is "redis")
	Redis RedisStoreConfig `json:"redis" yaml:"redis" env:"REDIS"`

	// Mongo configuration (only used when a type is "mongo")
	Mongo MongoStoreConfig `json:"mongo" yaml:"mongo" env:"MONGO"`
}

// RedisStoreConfig contains Redis-specific configuration
type RedisStoreConfig struct {
	Addr     string `json:"addr" yaml:"addr" env:"ADDR"`
	Password string `json:"password" yaml:"password" env:"PASSWORD"`
	DB       int    `json:"db" yaml:"db" env:"DB"`
	PoolSize int    `json:"pool_size" yaml:"pool_size" env:"POOL_SIZE"`

	// TLS enables TLS towards managed Redis endpoints.
	TLS        bool   `json:"tls" yaml:"tls" env:"TLS"`
	ServerName string `json:"server_name" yaml:"server_name" env:"SERVER_NAME"`

	// KeyPrefix is the prefix for all Redis keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" env:"KEY_PREFIX"`
}

// MongoStoreConfig contains MongoDB-specific configuration
type MongoStoreConfig struct {
	URI                string        `json:"uri" yaml:"uri" env:"URI"`
	Database           string        `json:"database" yaml:"database" env:"DATABASE"`
	SessionsCollection string        `json:"sessions_collection" yaml:"sessions_collection" env:"SESSIONS_COLLECTION"`
	LoopsCollection    string        `json:"loops_collection" yaml:"loops_collection" env:"LOOPS_COLLECTION"`
	ConnectTimeout     time.Duration `json:"connect_timeout" yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:    StoreTypeMemory,
		BaseDir: "./data/persistence",
		Redis: RedisStoreConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "wavescape:",
		},
		Mongo: MongoStoreConfig{
			URI:                "mongodb://localhost:27017",
			Database:           "wavescape",
			SessionsCollection: "sessions",
			LoopsCollection:    "wait_loops",
			ConnectTimeout:     10 * time.Second,
		},
	}
}

// EffectiveLoopType returns the checkpoint backend.
func (c StoreConfig) EffectiveLoopType() StoreType {
	if c.LoopType != "" {
		return c.LoopType
	}
	return c.Type
}

// Validate checks the store configuration.
func (c StoreConfig) Validate() error {
	if !c.Type.Valid() {
		return fmt.Errorf("unsupported store type: %q", c.Type)
	}
	if !c.EffectiveLoopType().Valid() {
		return fmt.Errorf("unsupported loop store type: %q", c.LoopType)
	}
	uses := func(t StoreType) bool { return c.Type == t || c.EffectiveLoopType() == t }
	if uses(StoreTypeFile) && c.BaseDir == "" {
		return errors.New("store base_dir is required for file storage")
	}
	if uses(StoreTypeRedis) && c.Redis.Addr == "" {
		return errors.New("store redis addr is required for redis storage")
	}
	if uses(StoreTypeMongo) && (c.Mongo.URI == "" || c.Mongo.Database == "") {
		return errors.New("store mongo uri and database are required for mongo storage")
	}
	return nil
}

// Store is the base interface for all persistent stores
type Store interface {
	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}

// SessionStore persists session documents keyed by session name.
// Implementations are safe for concurrent use but do not order writes to
// the same key; callers serialize per key.
type SessionStore interface {
	Store

	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, name string) (*session.Record, error)

	// Save writes the record under record.Name, replacing any previous one.
	Save(ctx context.Context, record *session.Record) error

	// Delete removes the record or returns ErrNotFound.
	Delete(ctx context.Context, name string) error

	// Keys returns every stored session name in ascending order.
	Keys(ctx context.Context) ([]string, error)
}

// LoopRecord is the stored form of a wait-loop checkpoint. Data carries the
// loop's own serialized state; the other fields are indexes.
type LoopRecord struct {
	InstanceID string          `json:"instance_id"`
	SessionKey string          `json:"session_key"`
	NextWakeAt time.Time       `json:"next_wake_at"`
	Done       bool            `json:"done"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Clone returns a deep copy.
func (r *LoopRecord) Clone() *LoopRecord {
	out := *r
	out.Data = append(json.RawMessage(nil), r.Data...)
	return &out
}

// validate checks the fields every backend relies on.
func (r *LoopRecord) validate() error {
	if r == nil || r.InstanceID == "" {
		return ErrInvalidInput
	}
	return nil
}

// LoopStore persists wait-loop checkpoints.
type LoopStore interface {
	Store

	// Save writes the checkpoint, replacing any previous one.
	Save(ctx context.Context, record *LoopRecord) error

	// Get returns the checkpoint or ErrNotFound.
	Get(ctx context.Context, instanceID string) (*LoopRecord, error)

	// Delete removes the checkpoint or returns ErrNotFound.
	Delete(ctx context.Context, instanceID string) error

	// ListDue returns unfinished checkpoints with NextWakeAt <= before,
	// earliest first, at most limit entries (limit <= 0: no limit).
	ListDue(ctx context.Context, before time.Time, limit int) ([]*LoopRecord, error)

	// List returns every checkpoint ordered by NextWakeAt.
	List(ctx context.Context) ([]*LoopRecord, error)
}

// encodeSession serializes a record as its persisted document.
func encodeSession(record *session.Record) ([]byte, error) {
	if err := record.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if record.Version == 0 {
		versioned := *record
		versioned.Version = session.CurrentVersion
		record = &versioned
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	return data, nil
}

// decodeSession parses a persisted document. Unknown fields written by
// newer versions are ignored.
func decodeSession(data []byte) (*session.Record, error) {
	var record session.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return &record, nil
}
