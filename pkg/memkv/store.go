package memkv

import (
	"container/heap"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures a Store.
type Options struct {
	Shards   int    // number of shards (default 256)
	MaxBytes uint64 // hard cap on total value bytes (0 = unlimited)

	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = 256
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Store is a sharded KV with TTL.
type Store struct {
	opts    Options
	shards  []shard
	expq    expQueue
	expMu   sync.Mutex
	wake    chan struct{}
	closeCh chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	mKeys    atomic.Uint64
	mBytes   atomic.Uint64
	mSets    atomic.Uint64
	mGets    atomic.Uint64
	mHits    atomic.Uint64
	mMisses  atomic.Uint64
	mDels    atomic.Uint64
	mExpired atomic.Uint64
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*entry
}

type entry struct {
	val      []byte
	expireAt int64 // unix nano; 0 = no expiry
}

func (e *entry) expired(now int64) bool { return e.expireAt != 0 && e.expireAt <= now }

// New creates a store and starts its expirer goroutine. Call Close to stop it.
func New(opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{
		opts:    opts,
		shards:  make([]shard, opts.Shards),
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i].m = make(map[string]*entry)
	}
	s.wg.Add(1)
	go s.expirer()
	return s
}

// Close stops the expirer. The store stays readable.
func (s *Store) Close() {
	s.once.Do(func() { close(s.closeCh) })
	s.wg.Wait()
}

func (s *Store) shardFor(key string) *shard {
	// FNV-1a 64
	var h uint64 = 1469598103934665603
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return &s.shards[int(h%uint64(len(s.shards)))]
}

func (s *Store) now() int64 { return s.opts.Now().UnixNano() }

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// reserve accounts a positive byte delta, honoring MaxBytes.
func (s *Store) reserve(delta uint64) bool {
	if s.opts.MaxBytes == 0 {
		s.mBytes.Add(delta)
		return true
	}
	for {
		cur := s.mBytes.Load()
		if cur+delta > s.opts.MaxBytes {
			return false
		}
		if s.mBytes.CompareAndSwap(cur, cur+delta) {
			return true
		}
	}
}

func (s *Store) release(n int) {
	if n <= 0 {
		return
	}
	for {
		cur := s.mBytes.Load()
		next := uint64(0)
		if uint64(n) < cur {
			next = cur - uint64(n)
		}
		if s.mBytes.CompareAndSwap(cur, next) {
			return
		}
	}
}

// dropLocked removes key from sh; sh.mu must be held.
func (s *Store) dropLocked(sh *shard, key string, e *entry, expired bool) {
	delete(sh.m, key)
	s.mKeys.Add(^uint64(0))
	s.release(len(e.val))
	if expired {
		s.mExpired.Add(1)
	}
}

// Set stores val under key. ttl <= 0 means no expiry. It returns false only
// when the write would exceed MaxBytes.
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
	_, ok := s.set(key, val, ttl, false)
	return ok
}

// SetNX stores val only when key is absent (or expired). It reports whether
// the value was written.
func (s *Store) SetNX(key string, val []byte, ttl time.Duration) bool {
	created, ok := s.set(key, val, ttl, true)
	return ok && created
}

func (s *Store) set(key string, val []byte, ttl time.Duration, onlyNew bool) (created, ok bool) {
	now := s.now()
	expAt := int64(0)
	if ttl > 0 {
		expAt = now + int64(ttl)
	}
	v := clone(val)

	sh := s.shardFor(key)
	sh.mu.Lock()
	prev, existed := sh.m[key]
	if existed && prev.expired(now) {
		s.dropLocked(sh, key, prev, true)
		existed = false
	}
	if existed && onlyNew {
		sh.mu.Unlock()
		return false, true
	}
	oldLen := 0
	if existed {
		oldLen = len(prev.val)
	}
	if delta := len(v) - oldLen; delta > 0 {
		if !s.reserve(uint64(delta)) {
			sh.mu.Unlock()
			return false, false
		}
	} else {
		s.release(-delta)
	}
	sh.m[key] = &entry{val: v, expireAt: expAt}
	if !existed {
		s.mKeys.Add(1)
	}
	s.mSets.Add(1)
	sh.mu.Unlock()

	if expAt != 0 {
		s.enqueueExpire(key, expAt)
	}
	return !existed, true
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mGets.Add(1)
	now := s.now()
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	if ok && !e.expired(now) {
		v := clone(e.val)
		sh.mu.RUnlock()
		s.mHits.Add(1)
		return v, true
	}
	sh.mu.RUnlock()
	if ok {
		s.expireKey(key)
	}
	s.mMisses.Add(1)
	return nil, false
}

// Exists reports whether key holds a live value.
func (s *Store) Exists(key string) bool {
	_, ok := s.TTL(key)
	return ok
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.m[key]
	if ok {
		s.dropLocked(sh, key, e, false)
	}
	sh.mu.Unlock()
	if ok {
		s.mDels.Add(1)
	}
	return ok
}

// Expire resets the TTL of an existing key. ttl <= 0 deletes it.
func (s *Store) Expire(key string, ttl time.Duration) bool {
	if ttl <= 0 {
		return s.Delete(key)
	}
	now := s.now()
	exp := now + int64(ttl)
	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.m[key]
	if !ok {
		sh.mu.Unlock()
		return false
	}
	if e.expired(now) {
		s.dropLocked(sh, key, e, true)
		sh.mu.Unlock()
		return false
	}
	e.expireAt = exp
	sh.mu.Unlock()
	s.enqueueExpire(key, exp)
	return true
}

// TTL returns the remaining lifetime. A key without expiry reports (0, true).
func (s *Store) TTL(key string) (time.Duration, bool) {
	now := s.now()
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	if !ok {
		sh.mu.RUnlock()
		return 0, false
	}
	exp := e.expireAt
	sh.mu.RUnlock()
	if exp == 0 {
		return 0, true
	}
	if exp <= now {
		s.expireKey(key)
		return 0, false
	}
	return time.Duration(exp - now), true
}

// Keys returns the live keys with the given prefix, sorted.
func (s *Store) Keys(prefix string) []string {
	now := s.now()
	var out []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, e := range sh.m {
			if e.expired(now) || !strings.HasPrefix(k, prefix) {
				continue
			}
			out = append(out, k)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Sweep removes every expired entry now and returns how many were removed.
// The expirer does this continuously; Sweep is useful with an injected clock.
func (s *Store) Sweep() int {
	now := s.now()
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, e := range sh.m {
			if e.expired(now) {
				s.dropLocked(sh, k, e, true)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

// Flush removes every key.
func (s *Store) Flush() {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, e := range sh.m {
			s.dropLocked(sh, k, e, false)
		}
		sh.mu.Unlock()
	}
}

func (s *Store) expireKey(key string) {
	now := s.now()
	sh := s.shardFor(key)
	sh.mu.Lock()
	if e, ok := sh.m[key]; ok && e.expired(now) {
		s.dropLocked(sh, key, e, true)
	}
	sh.mu.Unlock()
}

// Stats is a metrics snapshot.
type Stats struct {
	Keys    uint64
	Bytes   uint64
	Sets    uint64
	Gets    uint64
	Hits    uint64
	Misses  uint64
	Dels    uint64
	Expired uint64
}

// Metrics returns a snapshot of the counters.
func (s *Store) Metrics() Stats {
	return Stats{
		Keys:    s.mKeys.Load(),
		Bytes:   s.mBytes.Load(),
		Sets:    s.mSets.Load(),
		Gets:    s.mGets.Load(),
		Hits:    s.mHits.Load(),
		Misses:  s.mMisses.Load(),
		Dels:    s.mDels.Load(),
		Expired: s.mExpired.Load(),
	}
}

// ---- expiry queue ----

type expItem struct {
	when int64
	key  string
}

type expQueue []expItem

func (q expQueue) Len() int           { return len(q) }
func (q expQueue) Less(i, j int) bool { return q[i].when < q[j].when }
func (q expQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *expQueue) Push(x any)        { *q = append(*q, x.(expItem)) }
func (q *expQueue) Pop() any {
	old := *q
	it := old[len(old)-1]
	*q = old[:len(old)-1]
	return it
}

func (s *Store) enqueueExpire(key string, when int64) {
	s.expMu.Lock()
	heap.Push(&s.expq, expItem{when: when, key: key})
	s.expMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) expirer() {
	defer s.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.expMu.Lock()
		wait := time.Hour
		for s.expq.Len() > 0 {
			it := s.expq[0]
			now := s.now()
			if it.when > now {
				wait = time.Duration(it.when - now)
				break
			}
			heap.Pop(&s.expq)
			s.expMu.Unlock()
			s.expireKey(it.key)
			s.expMu.Lock()
		}
		s.expMu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-s.closeCh:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}
