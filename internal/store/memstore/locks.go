package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockShardCount = 64

// keyLocks hands out one lock per key. Callers acquire a whole key set in sorted
// order, so two transactions can never wait on each other in a cycle.
type keyLocks struct {
	shards [lockShardCount]lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	token chan struct{}
	refs  int
}

func newKeyLocks() *keyLocks {
	locks := &keyLocks{}
	for index := range locks.shards {
		locks.shards[index].locks = make(map[string]*keyLock)
	}
	return locks
}

func (locks *keyLocks) shard(key string) *lockShard {
	return &locks.shards[xxhash.Sum64String(key)%lockShardCount]
}

func (locks *keyLocks) ref(key string) *keyLock {
	shard := locks.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	lock, ok := shard.locks[key]
	if !ok {
		lock = &keyLock{token: make(chan struct{}, 1)}
		shard.locks[key] = lock
	}
	lock.refs++
	return lock
}

func (locks *keyLocks) unref(key string) {
	shard := locks.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	lock := shard.locks[key]
	lock.refs--
	if lock.refs == 0 {
		delete(shard.locks, key)
	}
}

// acquire locks every key or none. It gives up when ctx is done.
func (locks *keyLocks) acquire(ctx context.Context, keys []string) (func(), error) {
	ordered := uniqueSorted(keys)
	held := make([]string, 0, len(ordered))
	acquired := make([]*keyLock, 0, len(ordered))
	release := func() {
		for index := len(held) - 1; index >= 0; index-- {
			<-acquired[index].token
			locks.unref(held[index])
		}
	}
	for _, key := range ordered {
		lock := locks.ref(key)
		select {
		case lock.token <- struct{}{}:
			held = append(held, key)
			acquired = append(acquired, lock)
		case <-ctx.Done():
			locks.unref(key)
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func uniqueSorted(keys []string) []string {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	unique := make([]string, 0, len(sorted))
	for _, key := range sorted {
		if len(unique) > 0 && unique[len(unique)-1] == key {
			continue
		}
		unique = append(unique, key)
	}
	return unique
}
