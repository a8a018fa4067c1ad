package cache

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/imgd/imgd/errdefs"
)

// key namespaces for control records; derivative keys carry their own
// prefixes (see the imagespec package)
const (
	lockPrefix    = "LOCK:"
	markerPrefix  = "MARK:"
	globalLockKey = "GLOBAL_LOCK"
)

const (
	globalLockTTL = 60 * time.Second
	// how often a waiter re-reads the primary key while another
	// worker generates it
	waitPollInterval = time.Second
)

// SearchFields are the indexed integers stored with a derivative.
type SearchFields struct {
	SourceID int64
	AttrHash int64
	Width    int64
	Height   int64
	Extra    int64
	// Metadata rides along with the index entry; the image manager
	// stores the derivative's encoded spec here so a base-image search
	// can run suitability checks without re-fetching bytes.
	Metadata []byte
}

// Options configures a Manager.
type Options struct {
	SlotSize         int
	MaxChunks        int
	WaitBudget       time.Duration
	SearchCandidates int
}

// Manager is the derivative cache. All image bytes go through the
// chunking layer and are mirrored into the search index; small control
// records (metadata, locks, markers) use the client directly.
type Manager struct {
	client      Client
	chunk       chunker
	index       *searchIndex
	waitBudget  time.Duration
	searchLimit int
}

// NewManager builds a Manager over the given client.
func NewManager(client Client, opts Options) (*Manager, error) {
	if opts.SlotSize <= chunkHeaderLen {
		return nil, errors.Errorf("cache slot size too small: %d", opts.SlotSize)
	}
	if opts.MaxChunks < 1 {
		return nil, errors.Errorf("cache max chunks must be at least 1: %d", opts.MaxChunks)
	}
	if opts.SearchCandidates <= 0 {
		opts.SearchCandidates = 100
	}
	ix, err := newSearchIndex()
	if err != nil {
		return nil, err
	}
	budget := opts.WaitBudget
	if budget < 10*time.Second {
		budget = 10 * time.Second
	}
	if budget > 120*time.Second {
		budget = 120 * time.Second
	}
	return &Manager{
		client:      client,
		chunk:       chunker{client: client, slotSize: opts.SlotSize, maxChunks: opts.MaxChunks},
		index:       ix,
		waitBudget:  budget,
		searchLimit: opts.SearchCandidates,
	}, nil
}

// MaxValueSize is the largest value Put accepts.
func (m *Manager) MaxValueSize() int { return m.chunk.maxValue() }

// Capacity returns the total capacity of the underlying store in bytes.
func (m *Manager) Capacity() int64 {
	capacity, _ := m.client.Stats()
	return capacity
}

// Get returns the cached bytes for a derivative key.
func (m *Manager) Get(key string) ([]byte, bool) {
	return m.chunk.get(key)
}

// Put stores derivative bytes and their control record. A value too
// large to cache is not an error: the caller already has the bytes and
// simply serves them uncached.
func (m *Manager) Put(key string, value []byte, fields SearchFields, ttl time.Duration) error {
	if len(value) > m.chunk.maxValue() {
		return nil
	}
	if err := m.chunk.set(key, value, ttl); err != nil {
		return err
	}
	return m.index.put(&Entry{
		Key:       key,
		ValueSize: int64(len(value)),
		SourceID:  fields.SourceID,
		AttrHash:  fields.AttrHash,
		Width:     fields.Width,
		Height:    fields.Height,
		Extra:     fields.Extra,
		Metadata:  fields.Metadata,
	})
}

// Delete removes one derivative and its control record.
func (m *Manager) Delete(key string) error {
	var hint int
	if e, _ := m.index.get(key); e != nil {
		hint = 1 + int(e.ValueSize)/m.chunk.slotSize
	}
	m.chunk.delete(key, hint)
	return m.index.delete(key)
}

// PutControl stores a small unchunked control value (derivative
// metadata records and similar).
func (m *Manager) PutControl(key string, value []byte, ttl time.Duration) error {
	return m.client.Set(key, value, ttl)
}

// GetControl reads a control value.
func (m *Manager) GetControl(key string) ([]byte, bool) {
	return m.client.Get(key)
}

// DeleteControl removes a control value.
func (m *Manager) DeleteControl(key string) error {
	return m.client.Delete(key)
}

// SearchBase returns candidate base-image entries for the given source
// and attribute group, at least minW x minH pixels, tightest first.
func (m *Manager) SearchBase(sourceID, attrHash, minW, minH int64) ([]*Entry, error) {
	return m.index.search(sourceID, attrHash, minW, minH, m.searchLimit)
}

// EntriesForSource lists the control records of every cached
// derivative of one source image.
func (m *Manager) EntriesForSource(sourceID int64) ([]*Entry, error) {
	return m.index.bySource(sourceID)
}

// InvalidateSource removes every cached derivative of the source,
// along with metadata records, generation locks and markers. Dropping
// the markers matters: a changed source must be able to re-elect its
// pyramid build and tile base.
func (m *Manager) InvalidateSource(sourceID int64) error {
	entries, err := m.index.bySource(sourceID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Key, markerPrefix) {
			m.client.Delete(e.Key)
			if err := m.index.delete(e.Key); err != nil {
				return err
			}
			continue
		}
		meta := "IMGMETA:" + trimFingerprint(e.Key)
		lock := lockPrefix + e.Key
		m.client.DeleteMulti([]string{meta, lock})
		if err := m.Delete(e.Key); err != nil {
			return err
		}
	}
	return nil
}

func trimFingerprint(key string) string {
	const p = "IMG:"
	if len(key) > len(p) && key[:len(p)] == p {
		return key[len(p):]
	}
	return key
}

// Flush empties the cache and its index.
func (m *Manager) Flush() error {
	if err := m.client.Flush(); err != nil {
		return err
	}
	return m.index.flush()
}

// --- stampede control ---

// TryGenerationLock attempts to become the generator for the given
// fingerprint. Only the first caller wins; everyone else should
// WaitForEntry. The lock TTL always exceeds the wait budget so a
// waiter can never outlive the lock that gates it.
func (m *Manager) TryGenerationLock(fp string) bool {
	won, err := m.client.Add(lockPrefix+fp, []byte{1}, m.waitBudget+30*time.Second)
	if err != nil {
		// cache trouble: proceed as the generator rather than fail the request
		log.L.WithError(err).WithField("key", fp).Warn("generation lock unavailable, generating without it")
		return true
	}
	return won
}

// ReleaseGenerationLock releases the lock taken by TryGenerationLock.
func (m *Manager) ReleaseGenerationLock(fp string) {
	if err := m.client.Delete(lockPrefix + fp); err != nil {
		log.L.WithError(err).WithField("key", fp).Warn("failed to release generation lock")
	}
}

// WaitForEntry polls the cache at 1Hz for the derivative another
// worker is generating. It returns the bytes once published, or an
// errdefs.Unavailable when the wait budget expires — the HTTP layer
// maps that to a retryable 503.
func (m *Manager) WaitForEntry(ctx context.Context, fp string) ([]byte, error) {
	deadline := time.Now().Add(m.waitBudget)
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		if b, ok := m.Get(fp); ok {
			return b, nil
		}
		if _, locked := m.client.Get(lockPrefix + fp); !locked {
			// generator vanished without publishing; one more read to
			// close the race, then report a miss
			if b, ok := m.Get(fp); ok {
				return b, nil
			}
			return nil, nil
		}
		if time.Now().After(deadline) {
			return nil, errdefs.Unavailable(errors.New("the server is too busy to generate this image, try again shortly"))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// --- markers ---

// SetMarker atomically publishes a named marker; only the first caller
// wins. Markers gate one-shot work such as pyramid builds. A marker
// with a non-zero sourceID is recorded in the search index so
// InvalidateSource can find and clear it.
func (m *Manager) SetMarker(name string, sourceID int64, ttl time.Duration) bool {
	won, err := m.client.Add(markerPrefix+name, []byte{1}, ttl)
	if err != nil || !won {
		return false
	}
	if sourceID > 0 {
		if err := m.index.put(&Entry{Key: markerPrefix + name, SourceID: sourceID}); err != nil {
			log.L.WithError(err).WithField("marker", name).Warn("cannot index marker")
		}
	}
	return true
}

// HasMarker reports whether the named marker exists.
func (m *Manager) HasMarker(name string) bool {
	_, ok := m.client.Get(markerPrefix + name)
	return ok
}

// ClearMarker removes the named marker and its index record.
func (m *Manager) ClearMarker(name string) {
	m.client.Delete(markerPrefix + name)
	m.index.delete(markerPrefix + name)
}

// --- global lock ---

// WithGlobalLock runs fn while holding the cross-process global lock.
// The lock serialises rare schema-style operations; it is never taken
// on the request path. Callers that cannot reach the cache at all fall
// through and run fn unlocked.
func (m *Manager) WithGlobalLock(ctx context.Context, fn func() error) error {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(globalLockTTL),
	), ctx)
	acquired := false
	err := backoff.Retry(func() error {
		won, err := m.client.Add(globalLockKey, []byte{1}, globalLockTTL)
		if err != nil {
			// cache unreachable: give up on locking, not on the work
			return backoff.Permanent(err)
		}
		if !won {
			return errors.New("global lock busy")
		}
		acquired = true
		return nil
	}, bo)
	if err != nil && acquired {
		acquired = false
	}
	if acquired {
		defer m.client.Delete(globalLockKey)
	} else {
		log.L.WithError(err).Debug("proceeding without the global lock")
	}
	return fn()
}
