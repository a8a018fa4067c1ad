package cache

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/imgd/imgd/errdefs"
)

func newTestManager(t *testing.T, capacity int64) *Manager {
	t.Helper()
	client, err := NewMemoryClient(capacity)
	assert.NilError(t, err)
	m, err := NewManager(client, Options{
		SlotSize:         1024,
		MaxChunks:        32,
		WaitBudget:       10 * time.Second,
		SearchCandidates: 100,
	})
	assert.NilError(t, err)
	return m
}

func randBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func TestClientAddIsAtomic(t *testing.T) {
	client, err := NewMemoryClient(1 << 20)
	assert.NilError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := client.Add("k", []byte{1}, 0)
			if err == nil && won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Check(t, is.Equal(wins.Load(), int32(1)), "exactly one Add may win")
}

func TestClientTTL(t *testing.T) {
	client, err := NewMemoryClient(1 << 20)
	assert.NilError(t, err)
	mc := client.(*memClient)

	now := time.Now()
	mc.now = func() time.Time { return now }

	assert.NilError(t, client.Set("k", []byte("v"), time.Minute))
	_, ok := client.Get("k")
	assert.Check(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = client.Get("k")
	assert.Check(t, !ok, "expired entry must miss")

	// Add can reclaim an expired key
	won, err := client.Add("k", []byte("w"), time.Minute)
	assert.NilError(t, err)
	assert.Check(t, won)
}

func TestClientEvictsLRU(t *testing.T) {
	client, err := NewMemoryClient(3000)
	assert.NilError(t, err)

	assert.NilError(t, client.Set("a", randBytes(1000), 0))
	assert.NilError(t, client.Set("b", randBytes(1000), 0))
	// touch "a" so "b" is the eviction victim
	_, ok := client.Get("a")
	assert.Check(t, ok)

	assert.NilError(t, client.Set("c", randBytes(1000), 0))
	_, okA := client.Get("a")
	_, okB := client.Get("b")
	_, okC := client.Get("c")
	assert.Check(t, okA, "recently used entry survived")
	assert.Check(t, !okB, "least recently used entry evicted")
	assert.Check(t, okC)

	capacity, used := client.Stats()
	assert.Check(t, is.Equal(capacity, int64(3000)))
	assert.Check(t, used <= capacity)
}

func TestChunkedRoundTrip(t *testing.T) {
	m := newTestManager(t, 1<<20)

	for _, size := range []int{0, 1, 1000, 1016, 1017, 5000, 31*1024 + 500} {
		key := "IMG:1,w=100"
		val := randBytes(size)
		assert.NilError(t, m.Put(key, val, SearchFields{SourceID: 1}, 0))
		got, ok := m.Get(key)
		assert.Check(t, ok, "size %d", size)
		assert.Check(t, bytes.Equal(got, val), "size %d round trip", size)
	}
}

func TestChunkedTooLargeIsSkippedNotError(t *testing.T) {
	m := newTestManager(t, 1<<20)
	huge := randBytes(33 * 1024) // over slotSize*maxChunks
	assert.NilError(t, m.Put("IMG:1", huge, SearchFields{SourceID: 1}, 0))
	_, ok := m.Get("IMG:1")
	assert.Check(t, !ok)
}

func TestChunkedOrphanTailCleanup(t *testing.T) {
	m := newTestManager(t, 1<<20)
	val := randBytes(5000) // 5 chunks at slot size 1024
	assert.NilError(t, m.Put("IMG:9", val, SearchFields{SourceID: 9}, 0))

	// simulate the LRU evicting one tail chunk
	assert.NilError(t, m.client.Delete(tailKey("IMG:9", 3)))

	_, ok := m.Get("IMG:9")
	assert.Check(t, !ok, "partial entry must read as a miss")

	// the head and remaining tails must have been deleted too
	_, ok = m.client.Get("IMG:9")
	assert.Check(t, !ok, "orphan head must be cleaned up")
	_, ok = m.client.Get(tailKey("IMG:9", 2))
	assert.Check(t, !ok, "orphan tail must be cleaned up")
}

func TestSearchBaseOrderingAndBounds(t *testing.T) {
	m := newTestManager(t, 1<<20)

	put := func(key string, w, h int64, size int) {
		assert.NilError(t, m.Put(key, randBytes(size), SearchFields{
			SourceID: 7, AttrHash: 99, Width: w, Height: h,
		}, 0))
	}
	put("IMG:7,w=200", 200, 150, 3000)
	put("IMG:7,w=400", 400, 300, 9000)
	put("IMG:7,w=100", 100, 75, 1000)

	// wrong group is invisible
	assert.NilError(t, m.Put("IMG:7,f=png", randBytes(500), SearchFields{
		SourceID: 7, AttrHash: 55, Width: 800, Height: 600,
	}, 0))

	got, err := m.SearchBase(7, 99, 150, 100)
	assert.NilError(t, err)
	assert.Assert(t, is.Len(got, 2))
	// ascending stored size: the 200px derivative before the 400px one
	assert.Check(t, is.Equal(got[0].Key, "IMG:7,w=200"))
	assert.Check(t, is.Equal(got[1].Key, "IMG:7,w=400"))
}

func TestSearchBaseUnsizedMatchesAnyBound(t *testing.T) {
	m := newTestManager(t, 1<<20)
	assert.NilError(t, m.Put("IMG:3", randBytes(100), SearchFields{
		SourceID: 3, AttrHash: 1, Width: 0, Height: 0,
	}, 0))
	got, err := m.SearchBase(3, 1, 10000, 10000)
	assert.NilError(t, err)
	assert.Check(t, is.Len(got, 1), "original-size entries satisfy any size bound")
}

func TestInvalidateSource(t *testing.T) {
	m := newTestManager(t, 1<<20)

	assert.NilError(t, m.Put("IMG:5,w=100", randBytes(200), SearchFields{SourceID: 5, AttrHash: 1, Width: 100}, 0))
	assert.NilError(t, m.Put("IMG:5,w=200", randBytes(200), SearchFields{SourceID: 5, AttrHash: 1, Width: 200}, 0))
	assert.NilError(t, m.PutControl("IMGMETA:5,w=100", []byte("meta"), 0))
	assert.NilError(t, m.Put("IMG:6,w=100", randBytes(200), SearchFields{SourceID: 6, AttrHash: 1, Width: 100}, 0))

	assert.NilError(t, m.InvalidateSource(5))

	_, ok := m.Get("IMG:5,w=100")
	assert.Check(t, !ok)
	_, ok = m.Get("IMG:5,w=200")
	assert.Check(t, !ok)
	_, ok = m.GetControl("IMGMETA:5,w=100")
	assert.Check(t, !ok)

	// other sources untouched
	_, ok = m.Get("IMG:6,w=100")
	assert.Check(t, ok)

	entries, err := m.EntriesForSource(5)
	assert.NilError(t, err)
	assert.Check(t, is.Len(entries, 0))
}

func TestGenerationLockSingleWinner(t *testing.T) {
	m := newTestManager(t, 1<<20)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.TryGenerationLock("IMG:1,w=100") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Check(t, is.Equal(wins.Load(), int32(1)))

	m.ReleaseGenerationLock("IMG:1,w=100")
	assert.Check(t, m.TryGenerationLock("IMG:1,w=100"), "lock is reusable after release")
}

func TestWaitForEntryPublishes(t *testing.T) {
	m := newTestManager(t, 1<<20)
	fp := "IMG:1,w=100"
	assert.Check(t, m.TryGenerationLock(fp))

	go func() {
		time.Sleep(1200 * time.Millisecond)
		m.Put(fp, []byte("pixels"), SearchFields{SourceID: 1}, 0)
		m.ReleaseGenerationLock(fp)
	}()

	b, err := m.WaitForEntry(context.Background(), fp)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(b), "pixels"))
}

func TestWaitForEntryGeneratorVanished(t *testing.T) {
	m := newTestManager(t, 1<<20)
	fp := "IMG:1,w=100"
	assert.Check(t, m.TryGenerationLock(fp))

	go func() {
		time.Sleep(1200 * time.Millisecond)
		m.ReleaseGenerationLock(fp) // gave up without publishing
	}()

	b, err := m.WaitForEntry(context.Background(), fp)
	assert.NilError(t, err)
	assert.Check(t, b == nil, "a vanished generator reads as a miss, not an error")
}

func TestWaitForEntryBudgetExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the minimum 10s budget")
	}
	m := newTestManager(t, 1<<20)
	fp := "IMG:1,w=100"
	assert.Check(t, m.TryGenerationLock(fp))

	_, err := m.WaitForEntry(context.Background(), fp)
	assert.Check(t, errdefs.IsUnavailable(err), "budget expiry is a retryable 503: %v", err)
}

func TestMarkers(t *testing.T) {
	m := newTestManager(t, 1<<20)

	assert.Check(t, m.SetMarker("pyramid:5:jpg", 5, 0), "first setter wins")
	assert.Check(t, !m.SetMarker("pyramid:5:jpg", 5, 0), "second setter loses")
	assert.Check(t, m.HasMarker("pyramid:5:jpg"))

	m.ClearMarker("pyramid:5:jpg")
	assert.Check(t, !m.HasMarker("pyramid:5:jpg"))

	// cleared markers can be re-elected
	assert.Check(t, m.SetMarker("pyramid:5:jpg", 5, 0))
}

func TestInvalidateSourceClearsMarkers(t *testing.T) {
	m := newTestManager(t, 1<<20)

	assert.NilError(t, m.Put("IMG:7,w=100", randBytes(64), SearchFields{SourceID: 7, Width: 100}, 0))
	assert.Check(t, m.SetMarker("pyramid:7:jpg", 7, 0))
	assert.Check(t, m.SetMarker("tilebase:IMG:7,w=100", 7, 0))
	assert.Check(t, m.SetMarker("pyramid:8:jpg", 8, 0), "another source's marker")

	assert.NilError(t, m.InvalidateSource(7))

	_, ok := m.Get("IMG:7,w=100")
	assert.Check(t, !ok)
	assert.Check(t, !m.HasMarker("pyramid:7:jpg"), "invalidation must clear the pyramid marker so a changed source can re-elect its build")
	assert.Check(t, !m.HasMarker("tilebase:IMG:7,w=100"))
	assert.Check(t, m.HasMarker("pyramid:8:jpg"), "other sources keep their markers")

	// the slate is clean: the same marker can be taken again
	assert.Check(t, m.SetMarker("pyramid:7:jpg", 7, 0))
}

func TestFlushDuringConcurrentReads(t *testing.T) {
	m := newTestManager(t, 1<<20)
	for i := int64(1); i <= 8; i++ {
		assert.NilError(t, m.Put("IMG:seed", randBytes(32), SearchFields{SourceID: i, Width: 10}, 0))
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				m.SearchBase(n, 0, 0, 0)
				m.Put("IMG:r", randBytes(16), SearchFields{SourceID: n}, 0)
				m.EntriesForSource(n)
			}
		}(int64(i + 1))
	}
	for i := 0; i < 50; i++ {
		assert.NilError(t, m.Flush())
	}
	close(done)
	wg.Wait()
}

func TestWithGlobalLockSerialises(t *testing.T) {
	m := newTestManager(t, 1<<20)

	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithGlobalLock(context.Background(), func() error {
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				time.Sleep(20 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.Check(t, err == nil)
		}()
	}
	wg.Wait()
	assert.Check(t, is.Equal(maxInside.Load(), int32(1)), "global lock must serialise")
}

func TestFlush(t *testing.T) {
	m := newTestManager(t, 1<<20)
	assert.NilError(t, m.Put("IMG:1", randBytes(100), SearchFields{SourceID: 1}, 0))
	assert.NilError(t, m.Flush())
	_, ok := m.Get("IMG:1")
	assert.Check(t, !ok)
	entries, err := m.EntriesForSource(1)
	assert.NilError(t, err)
	assert.Check(t, is.Len(entries, 0))
}
