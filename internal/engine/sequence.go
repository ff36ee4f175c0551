// SPDX-License-Identifier: Apache-2.0

package engine

import "sync/atomic"

// SequenceAllocator hands out process-wide strictly increasing sequence
// numbers, starting at 1. The counter is shared by every run so sequences are
// globally unique, and it resets on process restart — callers that need a
// restart-safe cursor must use the durable record id instead.
type SequenceAllocator struct {
	last atomic.Int64
}

func (s *SequenceAllocator) Next() int64 {
	return s.last.Add(1)
}

// Current returns the most recently allocated sequence without advancing it.
func (s *SequenceAllocator) Current() int64 {
	return s.last.Load()
}
