package persistence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"gorm.io/gorm"
)

// Dependencies carries shared clients. Nil clients are dialed from the
// configuration when a backend needs them.
type Dependencies struct {
	DB    *gorm.DB
	Redis *redis.Client
	Mongo *mongo.Client
}

// NewSessionStore creates a SessionStore based on the configuration
func NewSessionStore(ctx context.Context, config StoreConfig, deps Dependencies) (SessionStore, error) {
	switch config.Type {
	case StoreTypeMemory:
		return NewMemorySessionStore(), nil
	case StoreTypeFile:
		return NewFileSessionStore(config)
	case StoreTypeRedis:
		return NewRedisSessionStore(deps.Redis, config.Redis)
	case StoreTypeDatabase:
		if deps.DB == nil {
			return nil, fmt.Errorf("database session store requires a database connection")
		}
		return NewDatabaseSessionStore(deps.DB)
	case StoreTypeMongo:
		return NewMongoSessionStore(ctx, deps.Mongo, config.Mongo)
	default:
		return nil, fmt.Errorf("unsupported session store type: %s", config.Type)
	}
}

// NewLoopStore creates a LoopStore based on the configuration
func NewLoopStore(ctx context.Context, config StoreConfig, deps Dependencies) (LoopStore, error) {
	switch t := config.EffectiveLoopType(); t {
	case StoreTypeMemory:
		return NewMemoryLoopStore(), nil
	case StoreTypeFile:
		return NewFileLoopStore(config)
	case StoreTypeRedis:
		return NewRedisLoopStore(deps.Redis, config.Redis)
	case StoreTypeDatabase:
		if deps.DB == nil {
			return nil, fmt.Errorf("database loop store requires a database connection")
		}
		return NewDatabaseLoopStore(deps.DB)
	case StoreTypeMongo:
		return NewMongoLoopStore(ctx, deps.Mongo, config.Mongo)
	default:
		return nil, fmt.Errorf("unsupported loop store type: %s", t)
	}
}
