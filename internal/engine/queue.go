// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package engine

import (
	"slices"
	"sync"

	"github.com/tomtom215/vigil/internal/telemetry"
)

// sampleQueue is a bounded FIFO of normalized vectors. When full, pushing
// drops the oldest entry.
type sampleQueue struct {
	mu    sync.Mutex
	buf   []telemetry.FeatureVector
	head  int
	count int
}

func newSampleQueue(capacity int) *sampleQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &sampleQueue{buf: make([]telemetry.FeatureVector, capacity)}
}

// push appends v and reports whether an older vector was dropped to make
// room.
func (q *sampleQueue) push(v telemetry.FeatureVector) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := false
	if q.count == len(q.buf) {
		q.buf[q.head] = telemetry.FeatureVector{}
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		dropped = true
	}
	q.buf[(q.head+q.count)%len(q.buf)] = v
	q.count++
	return dropped
}

// drain removes and returns every queued vector in sequence order.
func (q *sampleQueue) drain() []telemetry.FeatureVector {
	q.mu.Lock()
	if q.count == 0 {
		q.mu.Unlock()
		return nil
	}
	out := make([]telemetry.FeatureVector, 0, q.count)
	for i := 0; i < q.count; i++ {
		idx := (q.head + i) % len(q.buf)
		out = append(out, q.buf[idx])
		q.buf[idx] = telemetry.FeatureVector{}
	}
	q.head, q.count = 0, 0
	q.mu.Unlock()

	// Concurrent ingest calls for one session can enqueue out of order.
	slices.SortStableFunc(out, func(a, b telemetry.FeatureVector) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return out
}

func (q *sampleQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}
