// Package buffer implements redis backed write buffers that batch records
// before they are written to ClickHouse.
//
// Items are appended to a redis list. A flush reads a snapshot from the head
// of the list, lets a Processor decide which items were persisted and then
// removes exactly those items. Anything the processor leaves behind, or any
// batch whose processing fails, stays in the list for the next flush.
package buffer

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"tracklane/api/metrics"
)

const (
	keyPrefix = "tl:buffer"

	flushLockTTL        = 2 * time.Minute
	flushTimeout        = flushLockTTL - 30*time.Second
	backgroundFlushTime = time.Minute
)

// QueueItem is a decoded buffer entry. Index is its position in the snapshot
// it was read from and is meaningless outside of that flush.
type QueueItem[T any] struct {
	Event T
	Index int
}

// Processor supplies the batch size and the merge algorithm of a buffer.
type Processor[T any] interface {
	// BatchSize is the number of items that triggers a flush and the
	// maximum number of items read per flush.
	BatchSize(ctx context.Context) int
	// ProcessQueue persists what it can from items and returns the items it
	// persisted, carrying their snapshot index. Returning an error keeps the
	// whole snapshot in the buffer.
	ProcessQueue(ctx context.Context, items []QueueItem[T]) ([]QueueItem[T], error)
}

// OnCompleted is called with the persisted values after they have been
// removed from the buffer.
type OnCompleted[T any] func(ctx context.Context, values []T)

type Buffer[T any] struct {
	table       string
	key         string
	store       Store
	processor   Processor[T]
	onCompleted OnCompleted[T]

	wg sync.WaitGroup
}

func NewBuffer[T any](table string, store Store, processor Processor[T], onCompleted OnCompleted[T]) *Buffer[T] {
	return &Buffer[T]{
		table:       table,
		key:         keyPrefix + ":" + table,
		store:       store,
		processor:   processor,
		onCompleted: onCompleted,
	}
}

// Key is the redis key of the underlying list.
func (b *Buffer[T]) Key() string {
	return b.key
}

// Insert appends value to the buffer and starts a flush in the background
// once the buffer holds a full batch. Only the append can fail the call.
func (b *Buffer[T]) Insert(ctx context.Context, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "error encoding %s buffer item", b.table)
	}
	if err := b.store.Append(ctx, b.key, data); err != nil {
		return err
	}

	length, err := b.store.Length(ctx, b.key)
	if err != nil {
		// the item is stored, the next scheduled flush picks it up
		log.WithError(err).Warnf("[%s] Failed to read buffer length after insert", b.key)
		return nil
	}
	if length >= int64(b.processor.BatchSize(ctx)) {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			flushCtx, cancel := context.WithTimeout(context.Background(), backgroundFlushTime)
			defer cancel()
			if _, err := b.Flush(flushCtx); err != nil {
				log.WithError(err).Errorf("[%s] Background flush failed", b.key)
			}
		}()
	}
	return nil
}

// Wait blocks until all background flushes started by Insert have returned.
func (b *Buffer[T]) Wait() {
	b.wg.Wait()
}

// Flush processes one snapshot of the buffer and returns the snapshot indices
// that were removed. A flush that finds another flush running on the same
// buffer returns without doing anything.
func (b *Buffer[T]) Flush(ctx context.Context) ([]int, error) {
	unlock, ok, err := b.store.TryLock(ctx, b.key, flushLockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Debugf("[%s] Flush already in progress, skipping", b.key)
		return nil, nil
	}
	defer unlock()

	// the batch must be written and compacted before the lock expires
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()

	start := time.Now()
	items, malformed, err := b.getQueue(ctx, b.processor.BatchSize(ctx))
	if err != nil {
		log.WithError(err).Errorf("[%s] Failed to read queue while flushing", b.key)
		return nil, err
	}
	if len(items) == 0 && len(malformed) == 0 {
		return nil, nil
	}
	if len(malformed) > 0 {
		log.Warnf("[%s] Dropping %d items that could not be decoded", b.key, len(malformed))
		metrics.RecordDroppedItems(b.table, len(malformed))
	}

	var processed []QueueItem[T]
	if len(items) > 0 {
		processed, err = b.processor.ProcessQueue(ctx, items)
		if err != nil {
			log.WithError(err).Errorf("[%s] Failed to process queue while flushing %d items", b.key, len(items))
			metrics.RecordFailedFlush(b.table)
			b.quarantine(ctx, items, err)
			return nil, err
		}
	}

	// undecodable items go out with the first successful flush that sees them
	indices := make([]int, 0, len(processed)+len(malformed))
	indices = append(indices, malformed...)
	values := make([]T, 0, len(processed))
	for _, item := range processed {
		indices = append(indices, item.Index)
		values = append(values, item.Event)
	}

	if err := b.store.ReplaceAndCompact(ctx, b.key, indices, Tombstone); err != nil {
		log.WithError(err).Errorf("[%s] Failed to remove %d flushed items", b.key, len(indices))
		return nil, err
	}
	metrics.RecordFlush(b.table, len(processed), time.Since(start))

	if b.onCompleted != nil && len(values) > 0 {
		b.onCompleted(ctx, values)
	}
	return indices, nil
}

// Find returns the first buffered value matching predicate.
func (b *Buffer[T]) Find(ctx context.Context, predicate func(T) bool) (T, bool, error) {
	var zero T
	items, _, err := b.getQueue(ctx, 0)
	if err != nil {
		return zero, false, err
	}
	for _, item := range items {
		if predicate(item.Event) {
			return item.Event, true, nil
		}
	}
	return zero, false, nil
}

// FindMany returns all buffered values matching predicate, in buffer order.
func (b *Buffer[T]) FindMany(ctx context.Context, predicate func(T) bool) ([]T, error) {
	items, _, err := b.getQueue(ctx, 0)
	if err != nil {
		return nil, err
	}
	var matches []T
	for _, item := range items {
		if predicate(item.Event) {
			matches = append(matches, item.Event)
		}
	}
	return matches, nil
}

// getQueue reads up to limit items. Items that cannot be decoded are left
// out of the result and their indices are returned separately, so the
// indices of decoded items still match their list positions.
func (b *Buffer[T]) getQueue(ctx context.Context, limit int) ([]QueueItem[T], []int, error) {
	raw, err := b.store.ReadRange(ctx, b.key, limit)
	if err != nil {
		return nil, nil, err
	}
	items := make([]QueueItem[T], 0, len(raw))
	var malformed []int
	for i, value := range raw {
		var event T
		if err := json.Unmarshal([]byte(value), &event); err != nil {
			malformed = append(malformed, i)
			continue
		}
		items = append(items, QueueItem[T]{Event: event, Index: i})
	}
	return items, malformed, nil
}

func (b *Buffer[T]) quarantine(ctx context.Context, items []QueueItem[T], cause error) {
	values := make([]T, len(items))
	for i, item := range items {
		values[i] = item.Event
	}
	data, err := json.Marshal(values)
	if err != nil {
		log.WithError(err).Errorf("[%s] Failed to encode failed batch", b.key)
		return
	}
	if err := b.store.Quarantine(ctx, b.key, cause.Error(), data); err != nil {
		log.WithError(err).Errorf("[%s] Failed to store failed batch", b.key)
	}
}
