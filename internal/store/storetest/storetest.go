/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package storetest holds the behaviour every presence.Store backend must
// share, as a suite the backend tests run against their own store.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/lobbybox/internal/presence"
)

// Base is a millisecond-aligned instant, since backends keep times at that
// resolution.
var Base = time.UnixMilli(1_760_000_000_000)

func participant(t *testing.T, name string, joined time.Time) presence.Participant {
	t.Helper()

	id, err := presence.NewID()
	require.NoError(t, err)

	return presence.Participant{
		ID:          id,
		DisplayName: name,
		Appearance:  presence.Appearance{Icon: "User", Color: "from-red-500 to-red-600"},
		JoinedAt:    joined,
		LastSeen:    joined,
	}
}

func find(t *testing.T, s presence.Store, id string) (presence.Participant, bool) {
	t.Helper()

	records, err := s.List(context.Background())
	require.NoError(t, err)

	for _, p := range records {
		if p.ID == id {
			return p, true
		}
	}
	return presence.Participant{}, false
}

// Run checks the Store contract. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) presence.Store) {
	ctx := context.Background()

	t.Run("create and list", func(t *testing.T) {
		s := newStore(t)
		p := participant(t, "Droit", Base)

		require.NoError(t, s.Create(ctx, p))

		got, ok := find(t, s, p.ID)
		require.True(t, ok)
		assert.Equal(t, p.DisplayName, got.DisplayName)
		assert.Equal(t, p.Appearance, got.Appearance)
		assert.True(t, p.JoinedAt.Equal(got.JoinedAt))
		assert.True(t, p.LastSeen.Equal(got.LastSeen))
	})

	t.Run("create existing id conflicts", func(t *testing.T) {
		s := newStore(t)
		p := participant(t, "Nurs", Base)

		require.NoError(t, s.Create(ctx, p))
		assert.ErrorIs(t, s.Create(ctx, p), presence.ErrWriteConflict)
	})

	t.Run("touch moves last seen forward only", func(t *testing.T) {
		s := newStore(t)
		p := participant(t, "Gestion", Base)
		require.NoError(t, s.Create(ctx, p))

		require.NoError(t, s.Touch(ctx, p.ID, Base.Add(15*time.Second)))
		got, _ := find(t, s, p.ID)
		assert.True(t, Base.Add(15*time.Second).Equal(got.LastSeen))
		assert.True(t, Base.Equal(got.JoinedAt), "join time must not change")

		require.NoError(t, s.Touch(ctx, p.ID, Base.Add(5*time.Second)))
		got, _ = find(t, s, p.ID)
		assert.True(t, Base.Add(15*time.Second).Equal(got.LastSeen))
	})

	t.Run("touch missing record", func(t *testing.T) {
		s := newStore(t)

		assert.ErrorIs(t, s.Touch(ctx, "missing", Base), presence.ErrNotFound)

		records, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, records, "touch must never create a record")
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := newStore(t)
		p := participant(t, "Communication", Base)
		require.NoError(t, s.Create(ctx, p))

		require.NoError(t, s.Delete(ctx, p.ID))
		require.NoError(t, s.Delete(ctx, p.ID))
		require.NoError(t, s.Delete(ctx, "never-existed"))

		_, ok := find(t, s, p.ID)
		assert.False(t, ok)
	})

	t.Run("expire", func(t *testing.T) {
		s := newStore(t)
		stale := participant(t, "Droit", Base)
		fresh := participant(t, "Nurs", Base.Add(30*time.Second))
		require.NoError(t, s.Create(ctx, stale))
		require.NoError(t, s.Create(ctx, fresh))

		cutoff := Base.Add(10 * time.Second)

		ok, err := s.Expire(ctx, stale.ID, cutoff)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Expire(ctx, stale.ID, cutoff)
		require.NoError(t, err)
		assert.False(t, ok, "second expire of the same record")

		ok, err = s.Expire(ctx, fresh.ID, cutoff)
		require.NoError(t, err)
		assert.False(t, ok, "fresh record must survive")

		_, ok = find(t, s, fresh.ID)
		assert.True(t, ok)
	})

	t.Run("expire skips refreshed record", func(t *testing.T) {
		s := newStore(t)
		p := participant(t, "Informatique", Base)
		require.NoError(t, s.Create(ctx, p))
		require.NoError(t, s.Touch(ctx, p.ID, Base.Add(time.Minute)))

		ok, err := s.Expire(ctx, p.ID, Base.Add(10*time.Second))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("concurrent sweeps", func(t *testing.T) {
		s := newStore(t)

		var keep []string
		for i := range 6 {
			p := participant(t, "p", Base.Add(time.Duration(i)*10*time.Second))
			require.NoError(t, s.Create(ctx, p))
			if i >= 3 {
				keep = append(keep, p.ID)
			}
		}

		now := Base.Add(75 * time.Second)
		threshold := 45 * time.Second

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			removed []string
			errs    []error
		)
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ids, err := presence.Sweep(ctx, s, now, threshold)
				mu.Lock()
				defer mu.Unlock()
				removed = append(removed, ids...)
				errs = append(errs, err)
			}()
		}
		wg.Wait()

		for _, err := range errs {
			assert.NoError(t, err)
		}
		assert.Len(t, removed, 3, "each stale record is removed exactly once")

		records, err := s.List(ctx)
		require.NoError(t, err)
		var ids []string
		for _, p := range records {
			ids = append(ids, p.ID)
		}
		assert.ElementsMatch(t, keep, ids)
	})

	t.Run("feed reports changes", func(t *testing.T) {
		s := newStore(t)
		feed, ok := s.(presence.Feed)
		if !ok {
			t.Skip("store has no change feed")
		}

		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		changes, err := feed.Subscribe(subCtx)
		require.NoError(t, err)

		p := participant(t, "Théologie", Base)
		require.NoError(t, s.Create(ctx, p))
		expectChange(t, changes)

		require.NoError(t, s.Delete(ctx, p.ID))
		expectChange(t, changes)

		cancel()
		assert.Eventually(t, func() bool {
			select {
			case _, open := <-changes:
				return !open
			default:
				return false
			}
		}, 5*time.Second, 10*time.Millisecond, "feed must close when its context ends")
	})
}

func expectChange(t *testing.T, changes <-chan presence.Change) {
	t.Helper()

	select {
	case _, ok := <-changes:
		require.True(t, ok, "feed closed unexpectedly")
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}
}
