package tasks

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"strings"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/imgd/imgd/errdefs"
)

var (
	bucketTasks  = []byte("tasks")
	bucketQueue  = []byte("queue")
	bucketDedupe = []byte("dedupe")
)

const waitPollInterval = 250 * time.Millisecond

// Store persists tasks in a bbolt database. All mutations run inside
// single-writer transactions, which is what makes the pending→active
// transition a compare-and-swap.
type Store struct {
	db  *bolt.DB
	reg *Registry

	now func() time.Time
}

// OpenStore opens (creating if needed) the task database at path.
func OpenStore(path string, reg *Registry) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening task database %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketQueue, bucketDedupe} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initialising task database")
	}
	return &Store{db: db, reg: reg, now: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Submit enqueues a task. If an equivalent (function, params) record
// already exists and has not been swept, the existing task is returned
// together with a Conflict error; callers that only care that the work
// will happen can treat that as success.
func (s *Store) Submit(_ context.Context, name, function string, rawParams json.RawMessage, pri Priority, keepFor time.Duration) (*Task, error) {
	params, err := s.reg.CanonicalParams(function, rawParams)
	if err != nil {
		return nil, err
	}
	if pri < PriorityHigh || pri > PriorityLow {
		return nil, errdefs.InvalidParameter(errors.Errorf("invalid task priority %d", pri))
	}
	key := digest(function, params)

	var out *Task
	err = s.db.Update(func(tx *bolt.Tx) error {
		dedupe := tx.Bucket(bucketDedupe)
		if existing := dedupe.Get([]byte(key)); existing != nil {
			t, err := readTask(tx, string(existing))
			if err == nil {
				out = t
				return errdefs.Conflict(errors.Errorf("task %q already submitted as %s", function, t.ID))
			}
			// stale dedupe entry; fall through and replace it
		}

		queue := tx.Bucket(bucketQueue)
		seq, err := queue.NextSequence()
		if err != nil {
			return err
		}
		qk := make([]byte, 9)
		qk[0] = byte(pri)
		binary.BigEndian.PutUint64(qk[1:], seq)

		t := &Task{
			ID:          uuid.NewString(),
			Name:        name,
			Function:    function,
			Params:      params,
			Priority:    pri,
			Status:      StatusPending,
			SubmittedAt: s.now(),
			KeepFor:     keepFor,
			QueueKey:    qk,
		}
		if err := writeTask(tx, t); err != nil {
			return err
		}
		if err := queue.Put(qk, []byte(t.ID)); err != nil {
			return err
		}
		if err := dedupe.Put([]byte(key), []byte(t.ID)); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil && !errdefs.IsConflict(err) {
		return nil, err
	}
	return out, err
}

// Get returns a task by id.
func (s *Store) Get(_ context.Context, id string) (*Task, error) {
	var t *Task
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		t, err = readTask(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Claim atomically moves up to max pending tasks to active under the
// given lock id, in priority-then-FIFO order.
func (s *Store) Claim(_ context.Context, max int, lockID string) ([]*Task, error) {
	if max <= 0 {
		return nil, nil
	}
	var claimed []*Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		queue := tx.Bucket(bucketQueue)
		c := queue.Cursor()
		var drop [][]byte
		for k, v := c.First(); k != nil && len(claimed) < max; k, v = c.Next() {
			t, err := readTask(tx, string(v))
			if err != nil {
				// queue entry pointing at a purged task
				drop = append(drop, append([]byte(nil), k...))
				continue
			}
			if t.Status != StatusPending {
				drop = append(drop, append([]byte(nil), k...))
				continue
			}
			t.Status = StatusActive
			t.LockID = lockID
			t.StartedAt = s.now()
			if err := writeTask(tx, t); err != nil {
				return err
			}
			drop = append(drop, append([]byte(nil), k...))
			claimed = append(claimed, t)
		}
		for _, k := range drop {
			if err := queue.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete stores the outcome of an active task.
func (s *Store) Complete(_ context.Context, id string, result any, taskErr error) error {
	var resultJSON json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return errors.Wrap(err, "encoding task result")
		}
		resultJSON = b
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		t, err := readTask(tx, id)
		if err != nil {
			return err
		}
		t.Status = StatusComplete
		t.Result = resultJSON
		t.Error = NewTaskError(taskErr)
		t.CompletedAt = s.now()
		if t.KeepFor > 0 {
			t.KeepUntil = t.CompletedAt.Add(t.KeepFor)
		} else {
			t.KeepUntil = t.CompletedAt
		}
		return writeTask(tx, t)
	})
}

// ResetInstance requeues active tasks whose lock id starts with
// prefix. Run at startup to recover tasks orphaned by a crashed
// predecessor.
func (s *Store) ResetInstance(ctx context.Context, prefix string) (int, error) {
	reset := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		queue := tx.Bucket(bucketQueue)
		c := tx.Bucket(bucketTasks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if t.Status != StatusActive || !strings.HasPrefix(t.LockID, prefix) {
				continue
			}
			t.Status = StatusPending
			t.LockID = ""
			t.StartedAt = time.Time{}
			if err := writeTask(tx, &t); err != nil {
				return err
			}
			if err := queue.Put(t.QueueKey, []byte(t.ID)); err != nil {
				return err
			}
			reset++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if reset > 0 {
		log.G(ctx).WithField("count", reset).WithField("prefix", prefix).Info("requeued tasks from crashed instance")
	}
	return reset, nil
}

// Sweep deletes completed tasks past their keep_until, freeing their
// dedupe slot. Returns the number removed.
func (s *Store) Sweep(_ context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		dedupe := tx.Bucket(bucketDedupe)
		c := tasks.Cursor()
		var drop []string
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if t.Status == StatusComplete && t.KeepUntil.Before(now) {
				drop = append(drop, t.ID)
			}
		}
		for _, id := range drop {
			t, err := readTask(tx, id)
			if err != nil {
				continue
			}
			if err := tasks.Delete([]byte(id)); err != nil {
				return err
			}
			if err := dedupe.Delete([]byte(digest(t.Function, t.Params))); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Purge cancels a pending task before dispatch. Active and completed
// tasks cannot be purged.
func (s *Store) Purge(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		t, err := readTask(tx, id)
		if err != nil {
			return err
		}
		if t.Status != StatusPending {
			return errdefs.Conflict(errors.Errorf("task %s is %s and cannot be cancelled", id, t.Status))
		}
		if err := tx.Bucket(bucketTasks).Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketQueue).Delete(t.QueueKey); err != nil {
			return err
		}
		return tx.Bucket(bucketDedupe).Delete([]byte(digest(t.Function, t.Params)))
	})
}

// List returns tasks in the given status; an empty status lists all.
func (s *Store) List(_ context.Context, status Status) ([]*Task, error) {
	var out []*Task
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if status == "" || t.Status == status {
				cp := t
				out = append(out, &cp)
			}
		}
		return nil
	})
	return out, err
}

// WaitFor polls until the task completes, the timeout passes, or ctx
// is cancelled. On completion the stored typed error, if any, is
// returned alongside the task.
func (s *Store) WaitFor(ctx context.Context, id string, timeout time.Duration) (*Task, error) {
	deadline := s.now().Add(timeout)
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		t, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status == StatusComplete {
			return t, t.Error.Err()
		}
		if s.now().After(deadline) {
			return t, errdefs.Unavailable(errors.Errorf("task %s did not complete within %s", id, timeout))
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

func readTask(tx *bolt.Tx, id string) (*Task, error) {
	v := tx.Bucket(bucketTasks).Get([]byte(id))
	if v == nil {
		return nil, errdefs.NotFound(errors.Errorf("no task with id %s", id))
	}
	var t Task
	if err := json.Unmarshal(v, &t); err != nil {
		return nil, errors.Wrapf(err, "corrupt task record %s", id)
	}
	return &t, nil
}

func writeTask(tx *bolt.Tx, t *Task) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketTasks).Put([]byte(t.ID), b)
}
