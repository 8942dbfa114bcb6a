package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// Manager assigns rows to partition buckets so that hot partitions are spread
// across the cluster. The bucket for a given key is stable across restarts.
type Manager struct {
	userBuckets int
	hasherPool  sync.Pool
}

func NewManager(userBuckets int) *Manager {
	if userBuckets <= 0 {
		userBuckets = 64
	}

	m := &Manager{userBuckets: userBuckets}

	// Pool of hash functions to avoid allocation overhead
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return m
}

// UserBucket returns the consistent bucket for a user id (0 to userBuckets-1).
func (m *Manager) UserBucket(userID string) int {
	return int(m.hashKey(userID) % uint64(m.userBuckets))
}

// TimeBucket returns the start of the window containing now, in Unix seconds.
func (m *Manager) TimeBucket(now time.Time, windowSeconds int64) int64 {
	return now.Unix() / windowSeconds * windowSeconds
}

func (m *Manager) UserBuckets() int {
	return m.userBuckets
}

func (m *Manager) hashKey(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
