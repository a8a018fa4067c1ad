package stats

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"

	"github.com/imgd/imgd/daemon/datastore"
)

func TestEventsAggregatedPerImage(t *testing.T) {
	store, err := datastore.NewMemStore()
	assert.NilError(t, err)

	s := NewSink(store)
	s.Run(context.Background())

	s.LogRequest(7, 0.1)
	s.LogView(7, 1000, true, 0.1)
	s.LogView(7, 2000, false, 0.3)
	s.LogRequest(9, 0.2)
	s.LogDownload(9, 5000, 0.2)

	s.Close()

	rows := store.ImageStatsRows()
	byID := map[int64]datastore.ImageStats{}
	for _, r := range rows {
		acc := byID[r.ImageID]
		acc.ImageID = r.ImageID
		acc.Requests += r.Requests
		acc.Views += r.Views
		acc.Downloads += r.Downloads
		acc.Bytes += r.Bytes
		acc.FromCache += r.FromCache
		byID[r.ImageID] = acc
	}

	assert.Check(t, is.Equal(byID[7].Requests, int64(1)))
	assert.Check(t, is.Equal(byID[7].Views, int64(2)))
	assert.Check(t, is.Equal(byID[7].Bytes, int64(3000)))
	assert.Check(t, is.Equal(byID[7].FromCache, int64(1)))
	assert.Check(t, is.Equal(byID[9].Downloads, int64(1)))
	assert.Check(t, is.Equal(byID[9].Bytes, int64(5000)))
}

func TestLoggingNeverBlocks(t *testing.T) {
	store, err := datastore.NewMemStore()
	assert.NilError(t, err)

	// the drain loop is never started: the channel fills and overflow
	// must be dropped, not block the caller
	s := NewSink(store)
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBuffer*2; i++ {
			s.LogRequest(1, 0.01)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("logging blocked on a full sink")
	}
}

func TestContextCancelFlushes(t *testing.T) {
	store, err := datastore.NewMemStore()
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s := NewSink(store)
	s.Run(ctx)

	s.LogView(3, 42, false, 0.05)

	// give the loop a moment to ingest before cancelling
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if len(s.ch) == 0 {
			return poll.Success()
		}
		return poll.Continue("event not ingested yet")
	}, poll.WithTimeout(2*time.Second), poll.WithDelay(10*time.Millisecond))

	cancel()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if len(store.ImageStatsRows()) > 0 {
			return poll.Success()
		}
		return poll.Continue("no rows flushed yet")
	}, poll.WithTimeout(2*time.Second), poll.WithDelay(10*time.Millisecond))

	rows := store.ImageStatsRows()
	assert.Check(t, is.Equal(rows[0].ImageID, int64(3)))
	assert.Check(t, is.Equal(rows[0].Bytes, int64(42)))
}
