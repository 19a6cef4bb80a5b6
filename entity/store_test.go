package entity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nellyag1/wavescape-portal222/internal/metrics"
	"github.com/nellyag1/wavescape-portal222/persistence"
	"github.com/nellyag1/wavescape-portal222/session"
	"github.com/nellyag1/wavescape-portal222/types"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	collector := metrics.NewCollectorWithRegistry("entity_test", prometheus.NewRegistry(), zap.NewNop())
	s := NewStore(persistence.NewMemorySessionStore(), zap.NewNop(), WithMetrics(collector))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_GetMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
	assert.False(t, types.IsRetryable(err))
}

func TestStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, session.New("Acme", "u1", t0)))

	err := s.Create(ctx, session.New("Acme", "u2", t0))
	assert.True(t, types.IsCode(err, types.ErrAlreadyExists))

	got, err := s.Get(ctx, "Acme")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.CreatedBy)
}

func TestStore_SaveOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := session.New("Acme", "u1", t0)
	require.NoError(t, s.Save(ctx, r))
	require.NoError(t, s.Save(ctx, session.ForceStopped(r, t0)))

	got, err := s.Get(ctx, "Acme")
	require.NoError(t, err)
	assert.Equal(t, session.NewStateSet(session.StateStopped), got.States)

	assert.True(t, types.IsCode(s.Save(ctx, nil), types.ErrValidation))
}

func TestStore_UpdateIsSerializedPerKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, session.New("Acme", "u", t0)))

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "Acme", func(cur *session.Record) (*session.Record, error) {
				next := cur.Clone()
				next.AppendIteration(fmt.Sprintf("iter-%d", i))
				return next, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "Acme")
	require.NoError(t, err)
	assert.Len(t, got.IterationNames, writers+1, "no update may be lost")
}

func TestStore_UpdateSemantics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, session.New("Acme", "u", t0)))

	t.Run("missing key", func(t *testing.T) {
		_, err := s.Update(ctx, "ghost", func(cur *session.Record) (*session.Record, error) {
			t.Error("fn must not run for a missing key")
			return nil, nil
		})
		assert.True(t, types.IsCode(err, types.ErrNotFound))
	})

	t.Run("fn error returns current record and writes nothing", func(t *testing.T) {
		boom := errors.New("boom")
		cur, err := s.Update(ctx, "Acme", func(cur *session.Record) (*session.Record, error) {
			return session.ForceStopped(cur, t0), boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, session.NewStateSet(session.StateIdle), cur.States)

		got, err := s.Get(ctx, "Acme")
		require.NoError(t, err)
		assert.Equal(t, session.NewStateSet(session.StateIdle), got.States)
	})

	t.Run("unchanged record skips the write", func(t *testing.T) {
		cur, err := s.Update(ctx, "Acme", func(cur *session.Record) (*session.Record, error) {
			return cur, nil
		})
		require.NoError(t, err)
		assert.Equal(t, "Acme", cur.Name)
	})

	t.Run("renaming is rejected", func(t *testing.T) {
		_, err := s.Update(ctx, "Acme", func(cur *session.Record) (*session.Record, error) {
			next := cur.Clone()
			next.Name = "Other"
			return next, nil
		})
		assert.True(t, types.IsCode(err, types.ErrInternalError))
	})

	t.Run("applied change is returned and stored", func(t *testing.T) {
		out, err := s.Update(ctx, "Acme", func(cur *session.Record) (*session.Record, error) {
			return session.Configure(cur, `{"a":1}`, t0), nil
		})
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, out.Configuration)

		got, err := s.Get(ctx, "Acme")
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, got.Configuration)
	})
}

func TestStore_KeysAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"b", "a", "c"} {
		require.NoError(t, s.Create(ctx, session.New(name, "u", t0)))
	}

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].Name)
	assert.NoError(t, s.Ping(ctx))
}
