package session

import (
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"

	"github.com/tolelom/tolarcade/cadence"
	"github.com/tolelom/tolarcade/core"
	"github.com/tolelom/tolarcade/storage"
)

const (
	prefixSession = "sess:"
	lockStripes   = 64
)

// KVStore persists sessions as JSON in a storage.DB (LevelDB in production),
// so sessions survive an attester restart. Writes to one id are serialized by
// a striped lock; different ids rarely share a stripe.
type KVStore struct {
	db    storage.DB
	now   func() time.Time
	locks [lockStripes]sync.Mutex
}

// NewKVStore wraps db.
func NewKVStore(db storage.DB, now func() time.Time) *KVStore {
	if now == nil {
		now = time.Now
	}
	return &KVStore{db: db, now: now}
}

func (k *KVStore) lock(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &k.locks[h.Sum32()%lockStripes]
}

func (k *KVStore) load(id string) (*Session, error) {
	data, err := k.db.Get([]byte(prefixSession + id))
	if errors.Is(err, core.ErrNotFound) {
		return nil, errorsmod.Wrapf(core.ErrSessionNotFound, "session %q", id)
	}
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errorsmod.Wrapf(err, "decode session %q", id)
	}
	return &s, nil
}

func (k *KVStore) loadLive(id string) (*Session, error) {
	s, err := k.load(id)
	if err != nil {
		return nil, err
	}
	if s.Expired(k.now()) {
		return nil, errorsmod.Wrapf(core.ErrSessionExpired, "session %q expired at %s", id, s.ExpiresAt.Format(time.RFC3339))
	}
	return s, nil
}

func (k *KVStore) store(s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return k.db.Set([]byte(prefixSession+s.ID), data)
}

func (k *KVStore) Get(id string) (*Session, error) {
	mu := k.lock(id)
	mu.Lock()
	defer mu.Unlock()
	return k.loadLive(id)
}

func (k *KVStore) Set(s *Session) error {
	mu := k.lock(s.ID)
	mu.Lock()
	defer mu.Unlock()
	return k.store(s)
}

func (k *KVStore) AppendHeartbeat(id string, build BuildFunc) (cadence.Heartbeat, error) {
	mu := k.lock(id)
	mu.Lock()
	defer mu.Unlock()

	s, err := k.loadLive(id)
	if err != nil {
		return cadence.Heartbeat{}, err
	}
	hb, err := build(s.clone())
	if err != nil {
		return cadence.Heartbeat{}, err
	}
	s.Heartbeats = append(s.Heartbeats, hb)
	if err := k.store(s); err != nil {
		return cadence.Heartbeat{}, err
	}
	return hb, nil
}

func (k *KVStore) Delete(id string) error {
	mu := k.lock(id)
	mu.Lock()
	defer mu.Unlock()
	if _, err := k.load(id); err != nil {
		return err
	}
	return k.db.Delete([]byte(prefixSession + id))
}

func (k *KVStore) Sweep(now time.Time) (int, error) {
	var expired []string
	it := k.db.NewIterator([]byte(prefixSession))
	for it.Next() {
		var s Session
		if err := json.Unmarshal(it.Value(), &s); err != nil || s.Expired(now) {
			expired = append(expired, string(it.Key()[len(prefixSession):]))
		}
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, id := range expired {
		removed, err := k.sweepOne(id, now)
		if err != nil {
			return n, err
		}
		if removed {
			n++
		}
	}
	return n, nil
}

// sweepOne deletes id if it is expired or no longer decodes. An unreadable
// record can never be served, so it is reclaimed like an expired one.
func (k *KVStore) sweepOne(id string, now time.Time) (bool, error) {
	mu := k.lock(id)
	mu.Lock()
	defer mu.Unlock()

	key := []byte(prefixSession + id)
	data, err := k.db.Get(key)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var s Session
	if json.Unmarshal(data, &s) == nil && !s.Expired(now) {
		return false, nil
	}
	if err := k.db.Delete(key); err != nil {
		return false, err
	}
	return true, nil
}
