package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nellyag1/wavescape-portal222/session"
)

var base = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A single connection keeps the in-memory database alive and shared.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, AutoMigrate(db))
	return db
}

func sessionStores(t *testing.T) map[string]SessionStore {
	t.Helper()
	cfg := DefaultStoreConfig()
	cfg.BaseDir = t.TempDir()

	fileStore, err := NewFileSessionStore(cfg)
	require.NoError(t, err)
	redisStore, err := NewRedisSessionStore(setupTestRedis(t), cfg.Redis)
	require.NoError(t, err)
	dbStore, err := NewDatabaseSessionStore(setupTestDB(t))
	require.NoError(t, err)

	stores := map[string]SessionStore{
		"memory":   NewMemorySessionStore(),
		"file":     fileStore,
		"redis":    redisStore,
		"database": dbStore,
	}
	if client, mcfg, ok := setupTestMongo(t); ok {
		mongoStore, err := NewMongoSessionStore(context.Background(), client, mcfg)
		require.NoError(t, err)
		stores["mongo"] = mongoStore
	}
	return stores
}

func loopStores(t *testing.T) map[string]LoopStore {
	t.Helper()
	cfg := DefaultStoreConfig()
	cfg.BaseDir = t.TempDir()

	fileStore, err := NewFileLoopStore(cfg)
	require.NoError(t, err)
	redisStore, err := NewRedisLoopStore(setupTestRedis(t), cfg.Redis)
	require.NoError(t, err)
	dbStore, err := NewDatabaseLoopStore(setupTestDB(t))
	require.NoError(t, err)

	stores := map[string]LoopStore{
		"memory":   NewMemoryLoopStore(),
		"file":     fileStore,
		"redis":    redisStore,
		"database": dbStore,
	}
	if client, mcfg, ok := setupTestMongo(t); ok {
		mongoStore, err := NewMongoLoopStore(context.Background(), client, mcfg)
		require.NoError(t, err)
		stores["mongo"] = mongoStore
	}
	return stores
}

func TestSessionStores(t *testing.T) {
	for name, store := range sessionStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			t.Run("Ping", func(t *testing.T) {
				assert.NoError(t, store.Ping(ctx))
			})

			t.Run("GetMissing", func(t *testing.T) {
				_, err := store.Get(ctx, "nobody")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("SaveAndGet", func(t *testing.T) {
				r := session.New("Acme Corp/2026", "user-1", base)
				r.Configuration = `{"grid":"fine"}`
				r.States = session.NewStateSet(session.StateReadyToRun, session.StateWavescapeRunning)
				r.Wavescape = session.ActivityInfo{TaskID: "T1", OrchestratorID: "O1"}
				r.AppendIteration("Second")
				require.NoError(t, store.Save(ctx, r))

				got, err := store.Get(ctx, r.Name)
				require.NoError(t, err)
				assert.Equal(t, r.Name, got.Name)
				assert.Equal(t, r.States, got.States)
				assert.Equal(t, r.Configuration, got.Configuration)
				assert.Equal(t, r.Wavescape, got.Wavescape)
				assert.Equal(t, []string{"Initial", "Second"}, got.IterationNames)
				assert.Equal(t, session.CurrentVersion, got.Version)
				assert.True(t, r.CreatedAt.Equal(got.CreatedAt))
			})

			t.Run("SaveOverwrites", func(t *testing.T) {
				r := session.New("overwrite", "u", base)
				require.NoError(t, store.Save(ctx, r))
				r = session.ForceStopped(r, base.Add(time.Minute))
				require.NoError(t, store.Save(ctx, r))

				got, err := store.Get(ctx, "overwrite")
				require.NoError(t, err)
				assert.Equal(t, session.NewStateSet(session.StateStopped), got.States)
			})

			t.Run("RejectsInvalid", func(t *testing.T) {
				assert.ErrorIs(t, store.Save(ctx, nil), ErrInvalidInput)
				assert.ErrorIs(t, store.Save(ctx, &session.Record{Name: "empty"}), ErrInvalidInput)
			})

			t.Run("KeysAndDelete", func(t *testing.T) {
				keys, err := store.Keys(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"Acme Corp/2026", "overwrite"}, keys)

				require.NoError(t, store.Delete(ctx, "overwrite"))
				assert.ErrorIs(t, store.Delete(ctx, "overwrite"), ErrNotFound)

				keys, err = store.Keys(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"Acme Corp/2026"}, keys)
			})
		})
	}
}

func loopRecord(id string, wake time.Time, done bool) *LoopRecord {
	data, _ := json.Marshal(map[string]any{"id": id, "cycle": 1})
	return &LoopRecord{
		InstanceID: id,
		SessionKey: "Acme",
		NextWakeAt: wake,
		Done:       done,
		Data:       data,
	}
}

func TestLoopStores(t *testing.T) {
	for name, store := range loopStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			assert.NoError(t, store.Ping(ctx))

			_, err := store.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, store.Save(ctx, &LoopRecord{}), ErrInvalidInput)

			for i := 0; i < 5; i++ {
				rec := loopRecord(fmt.Sprintf("loop-%d", i), base.Add(time.Duration(i)*time.Minute), false)
				require.NoError(t, store.Save(ctx, rec))
			}
			require.NoError(t, store.Save(ctx, loopRecord("done-1", base, true)))

			got, err := store.Get(ctx, "loop-2")
			require.NoError(t, err)
			assert.JSONEq(t, `{"id":"loop-2","cycle":1}`, string(got.Data))
			assert.True(t, got.NextWakeAt.Equal(base.Add(2*time.Minute)))
			assert.False(t, got.CreatedAt.IsZero())

			due, err := store.ListDue(ctx, base.Add(2*time.Minute), 0)
			require.NoError(t, err)
			require.Len(t, due, 3)
			assert.Equal(t, "loop-0", due[0].InstanceID)
			assert.Equal(t, "loop-2", due[2].InstanceID)

			limited, err := store.ListDue(ctx, base.Add(time.Hour), 2)
			require.NoError(t, err)
			assert.Len(t, limited, 2)

			// Finishing a loop removes it from the due set.
			finished := loopRecord("loop-0", base, true)
			require.NoError(t, store.Save(ctx, finished))
			due, err = store.ListDue(ctx, base.Add(2*time.Minute), 0)
			require.NoError(t, err)
			assert.Len(t, due, 2)

			// Rescheduling moves it forward.
			moved := loopRecord("loop-1", base.Add(10*time.Minute), false)
			require.NoError(t, store.Save(ctx, moved))
			due, err = store.ListDue(ctx, base.Add(2*time.Minute), 0)
			require.NoError(t, err)
			require.Len(t, due, 1)
			assert.Equal(t, "loop-2", due[0].InstanceID)

			all, err := store.List(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 6)

			require.NoError(t, store.Delete(ctx, "loop-3"))
			assert.ErrorIs(t, store.Delete(ctx, "loop-3"), ErrNotFound)
			all, err = store.List(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 5)
		})
	}
}

func TestMemorySessionStore_ReturnsCopies(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	r := session.New("Acme", "u", base)
	require.NoError(t, store.Save(ctx, r))
	r.Configuration = "mutated after save"

	got, err := store.Get(ctx, "Acme")
	require.NoError(t, err)
	assert.Empty(t, got.Configuration)

	require.NoError(t, store.Close())
	assert.ErrorIs(t, store.Ping(ctx), ErrStoreClosed)
	_, err = store.Get(ctx, "Acme")
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestFileSessionStore_SurvivesReopen(t *testing.T) {
	cfg := DefaultStoreConfig()
	cfg.BaseDir = t.TempDir()
	ctx := context.Background()

	first, err := NewFileSessionStore(cfg)
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx, session.New("Acme", "u", base)))
	require.NoError(t, first.Close())

	second, err := NewFileSessionStore(cfg)
	require.NoError(t, err)
	got, err := second.Get(ctx, "Acme")
	require.NoError(t, err)
	assert.Equal(t, "u", got.CreatedBy)
}

func TestToMongoSession(t *testing.T) {
	r := session.New("Acme", "u", base)
	r.States = session.NewStateSet(session.StateIdle, session.StateConfigurationCompleted)

	doc, err := toMongoSession(r)
	require.NoError(t, err)
	assert.Equal(t, "Acme", doc.Name)
	assert.Equal(t, []string{"IDLE", "CONFIGURATION_COMPLETED"}, doc.States)

	back, err := decodeSession([]byte(doc.Document))
	require.NoError(t, err)
	assert.Equal(t, r.States, back.States)

	loop := toMongoLoop(loopRecord("x", base, false))
	assert.Equal(t, "x", loop.record().InstanceID)
}

func TestStoreConfig_Validate(t *testing.T) {
	cfg := DefaultStoreConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, StoreTypeMemory, cfg.EffectiveLoopType())

	cfg.LoopType = StoreTypeRedis
	assert.Equal(t, StoreTypeRedis, cfg.EffectiveLoopType())

	cfg.Redis.Addr = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultStoreConfig()
	cfg.Type = "etcd"
	assert.Error(t, cfg.Validate())
}

func TestFactory(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultStoreConfig()
	cfg.BaseDir = t.TempDir()

	t.Run("memory", func(t *testing.T) {
		s, err := NewSessionStore(ctx, cfg, Dependencies{})
		require.NoError(t, err)
		assert.IsType(t, &MemorySessionStore{}, s)
		l, err := NewLoopStore(ctx, cfg, Dependencies{})
		require.NoError(t, err)
		assert.IsType(t, &MemoryLoopStore{}, l)
	})

	t.Run("file sessions with redis loops", func(t *testing.T) {
		c := cfg
		c.Type = StoreTypeFile
		c.LoopType = StoreTypeRedis
		s, err := NewSessionStore(ctx, c, Dependencies{})
		require.NoError(t, err)
		assert.IsType(t, &FileSessionStore{}, s)
		l, err := NewLoopStore(ctx, c, Dependencies{Redis: setupTestRedis(t)})
		require.NoError(t, err)
		assert.IsType(t, &RedisLoopStore{}, l)
	})

	t.Run("database", func(t *testing.T) {
		c := cfg
		c.Type = StoreTypeDatabase
		_, err := NewSessionStore(ctx, c, Dependencies{})
		assert.Error(t, err)
		s, err := NewSessionStore(ctx, c, Dependencies{DB: setupTestDB(t)})
		require.NoError(t, err)
		assert.IsType(t, &DatabaseSessionStore{}, s)
	})

	t.Run("unsupported", func(t *testing.T) {
		c := cfg
		c.Type = "etcd"
		_, err := NewSessionStore(ctx, c, Dependencies{})
		assert.Error(t, err)
	})
}
