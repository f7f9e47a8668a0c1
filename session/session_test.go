package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tolelom/tolarcade/cadence"
	"github.com/tolelom/tolarcade/core"
	"github.com/tolelom/tolarcade/internal/testutil"
	"github.com/tolelom/tolarcade/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

type storeFactory func(t *testing.T, clock *fakeClock) Store

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, c *fakeClock) Store { return NewMemoryStore(c.Now) },
		"kv-mem": func(t *testing.T, c *fakeClock) Store { return NewKVStore(testutil.NewMemDB(), c.Now) },
		"kv-leveldb": func(t *testing.T, c *fakeClock) Store {
			db, err := storage.NewLevelDB(filepath.Join(t.TempDir(), "sessions"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			return NewKVStore(db, c.Now)
		},
	}
}

func nextBeat(s *Session) (cadence.Heartbeat, error) {
	idx := uint64(1)
	if last := s.LastHeartbeat(); last != nil {
		idx = last.Index + 1
	}
	return cadence.Heartbeat{Index: idx, Timestamp: int64(idx) * 1000}, nil
}

func TestNew(t *testing.T) {
	now := time.Unix(100, 0)
	a, err := New("owner", now, time.Minute)
	require.NoError(t, err)
	b, err := New("owner", now, time.Minute)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.Seed, b.Seed)
	seed, err := a.SeedBytes()
	require.NoError(t, err)
	assert.Len(t, seed, SeedSize)
	assert.False(t, a.Expired(now.Add(59*time.Second)))
	assert.True(t, a.Expired(now.Add(time.Minute)))
}

func TestStores(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			t.Run("get set delete", func(t *testing.T) {
				clock := newClock()
				st := factory(t, clock)
				s, err := New("alice", clock.Now(), time.Minute)
				require.NoError(t, err)
				require.NoError(t, st.Set(s))

				got, err := st.Get(s.ID)
				require.NoError(t, err)
				assert.Equal(t, s.Owner, got.Owner)
				assert.Equal(t, s.Seed, got.Seed)

				require.NoError(t, st.Delete(s.ID))
				_, err = st.Get(s.ID)
				assert.True(t, errors.Is(err, core.ErrSessionNotFound))
				assert.True(t, errors.Is(st.Delete(s.ID), core.ErrSessionNotFound), "second consumption must fail")
			})

			t.Run("expiry", func(t *testing.T) {
				clock := newClock()
				st := factory(t, clock)
				s, err := New("alice", clock.Now(), time.Minute)
				require.NoError(t, err)
				require.NoError(t, st.Set(s))

				clock.Advance(time.Minute)
				_, err = st.Get(s.ID)
				assert.True(t, errors.Is(err, core.ErrSessionExpired))
				_, err = st.AppendHeartbeat(s.ID, nextBeat)
				assert.True(t, errors.Is(err, core.ErrSessionExpired))

				n, err := st.Sweep(clock.Now())
				require.NoError(t, err)
				assert.Equal(t, 1, n)
				_, err = st.Get(s.ID)
				assert.True(t, errors.Is(err, core.ErrSessionNotFound))
			})

			t.Run("build error leaves log unchanged", func(t *testing.T) {
				clock := newClock()
				st := factory(t, clock)
				s, err := New("alice", clock.Now(), time.Minute)
				require.NoError(t, err)
				require.NoError(t, st.Set(s))

				_, err = st.AppendHeartbeat(s.ID, func(*Session) (cadence.Heartbeat, error) {
					return cadence.Heartbeat{}, fmt.Errorf("nope")
				})
				require.Error(t, err)
				got, err := st.Get(s.ID)
				require.NoError(t, err)
				assert.Empty(t, got.Heartbeats)
			})

			t.Run("concurrent appends are serialized", func(t *testing.T) {
				clock := newClock()
				st := factory(t, clock)
				s, err := New("alice", clock.Now(), time.Hour)
				require.NoError(t, err)
				require.NoError(t, st.Set(s))

				const n = 50
				var wg sync.WaitGroup
				for i := 0; i < n; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := st.AppendHeartbeat(s.ID, nextBeat)
						assert.NoError(t, err)
					}()
				}
				wg.Wait()

				got, err := st.Get(s.ID)
				require.NoError(t, err)
				require.Len(t, got.Heartbeats, n)
				for i, hb := range got.Heartbeats {
					assert.Equal(t, uint64(i+1), hb.Index)
				}
			})
		})
	}
}

func TestKVStore_SweepReclaimsUndecodable(t *testing.T) {
	clock := newClock()
	db := testutil.NewMemDB()
	st := NewKVStore(db, clock.Now)

	require.NoError(t, db.Set([]byte(prefixSession+"!bad"), []byte("{not json")))
	stale, err := New("alice", clock.Now(), time.Minute)
	require.NoError(t, err)
	require.NoError(t, st.Set(stale))
	clock.Advance(2 * time.Minute)
	live, err := New("bob", clock.Now(), time.Minute)
	require.NoError(t, err)
	require.NoError(t, st.Set(live))

	n, err := st.Sweep(clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = db.Get([]byte(prefixSession + "!bad"))
	assert.True(t, errors.Is(err, core.ErrNotFound))
	_, err = st.Get(stale.ID)
	assert.True(t, errors.Is(err, core.ErrSessionNotFound))
	_, err = st.Get(live.ID)
	assert.NoError(t, err)

	n, err = st.Sweep(clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	st := NewMemoryStore(nil)
	s, err := New("alice", time.Now(), time.Hour)
	require.NoError(t, err)
	require.NoError(t, st.Set(s))
	_, err = st.AppendHeartbeat(s.ID, nextBeat)
	require.NoError(t, err)

	got, err := st.Get(s.ID)
	require.NoError(t, err)
	got.Heartbeats[0].Index = 99

	again, err := st.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), again.Heartbeats[0].Index)
}

func TestReaper_Run(t *testing.T) {
	clock := newClock()
	st := NewMemoryStore(clock.Now)
	s, err := New("alice", clock.Now(), time.Second)
	require.NoError(t, err)
	require.NoError(t, st.Set(s))

	r := NewReaper(st, 5*time.Millisecond, zap.NewNop())
	r.now = func() time.Time { return clock.Now().Add(time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	assert.Eventually(t, func() bool { return st.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
