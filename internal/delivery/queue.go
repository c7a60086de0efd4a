// Package delivery keeps notification deliveries that failed so they can be
// retried when connectivity returns.
//
// Entries are only ever appended or removed as a whole; the attempt counter
// is rewritten as a full-entry replace that never recreates a removed entry.
// Two code paths (the failure handler and the drain) can therefore touch the
// queue at the same time without losing updates.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dar-k-dev/p-progress/internal/logging"
	"github.com/dar-k-dev/p-progress/internal/metrics"
	"github.com/dar-k-dev/p-progress/internal/store"
)

var log = logging.L("delivery")

// Request kinds.
const (
	KindNotification = "notification"
	KindHTTP         = "http"
)

// Request is the delivery that failed.
type Request struct {
	Kind    string          `json:"kind"`
	Target  string          `json:"target,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Entry is one persisted pending delivery.
type Entry struct {
	ID         string    `json:"id"`
	Request    Request   `json:"request"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Attempts   int       `json:"attempts"`
}

// DeliverFunc attempts a redelivery. A nil error means the delivery is
// confirmed and the entry may be removed.
type DeliverFunc func(ctx context.Context, e Entry) error

// Queue is the persisted retry queue.
type Queue struct {
	store *store.Store
	now   func() time.Time
}

// NewQueue returns a queue backed by s.
func NewQueue(s *store.Store) *Queue {
	return &Queue{store: s, now: time.Now}
}

func key(id string) string {
	return store.PrefixPending + id
}

// Enqueue appends req. Entry ids are time-ordered so drains run oldest first.
func (q *Queue) Enqueue(req Request) (Entry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Entry{}, fmt.Errorf("generate delivery id: %w", err)
	}
	e := Entry{
		ID:         id.String(),
		Request:    req,
		EnqueuedAt: q.now().UTC(),
	}
	if _, err := q.store.PutIfAbsent(key(e.ID), e); err != nil {
		return Entry{}, fmt.Errorf("enqueue delivery: %w", err)
	}
	q.refreshGauge()
	log.Info("delivery queued", logging.KeyDeliveryID, e.ID, "kind", req.Kind)
	return e, nil
}

// List returns all pending entries, oldest first.
func (q *Queue) List() ([]Entry, error) {
	var entries []Entry
	err := q.store.Scan(store.PrefixPending, func(_ string, value []byte) error {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("decode pending delivery: %w", err)
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// Len returns the number of pending entries.
func (q *Queue) Len() (int, error) {
	return q.store.Count(store.PrefixPending)
}

// Remove deletes an entry. Removing an unknown id is a no-op.
func (q *Queue) Remove(id string) error {
	if _, err := q.store.DeleteIfExists(key(id)); err != nil {
		return err
	}
	q.refreshGauge()
	return nil
}

// DrainOptions tunes a drain.
type DrainOptions struct {
	// MaxAttempts abandons entries that have failed this many times.
	// Zero keeps them forever.
	MaxAttempts int
}

// DrainResult summarizes a drain.
type DrainResult struct {
	Delivered int
	Failed    int
	Abandoned int
}

// Drain attempts every pending entry once. Delivered entries are removed;
// failed ones stay for the next drain with their attempt count bumped.
func (q *Queue) Drain(ctx context.Context, deliver DeliverFunc, opts DrainOptions) (DrainResult, error) {
	var res DrainResult

	entries, err := q.List()
	if err != nil {
		return res, err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if err := deliver(ctx, e); err != nil {
			res.Failed++
			metrics.RecordDelivery("failed")
			e.Attempts++
			if opts.MaxAttempts > 0 && e.Attempts >= opts.MaxAttempts {
				if rmErr := q.Remove(e.ID); rmErr != nil {
					return res, rmErr
				}
				res.Abandoned++
				log.Warn("delivery abandoned", logging.KeyDeliveryID, e.ID, "attempts", e.Attempts, logging.KeyError, err)
				continue
			}
			if _, rerr := q.store.ReplaceIfExists(key(e.ID), e); rerr != nil {
				return res, rerr
			}
			log.Debug("redelivery failed", logging.KeyDeliveryID, e.ID, "attempts", e.Attempts, logging.KeyError, err)
			continue
		}

		if err := q.Remove(e.ID); err != nil {
			return res, err
		}
		res.Delivered++
		metrics.RecordDelivery("delivered")
	}

	q.refreshGauge()
	return res, nil
}

func (q *Queue) refreshGauge() {
	if n, err := q.Len(); err == nil {
		metrics.SetPending(n)
	}
}
