// Copyright 2026 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package framebuf provides the receive buffer used to accumulate record bytes that arrive in
// fragments smaller or larger than one record.
//
// A [Buffer] is split into an active region, holding bytes received but not yet consumed, followed
// by an available region where the next read lands:
//
//	+----------+----------------+-------------------+
//	| consumed |     active     |     available     |
//	+----------+----------------+-------------------+
//	0        start             end              len(data)
package framebuf

import (
	"errors"
	"fmt"
)

// ErrLimitExceeded is returned when growing the buffer would exceed its size limit.
var ErrLimitExceeded = errors.New("frame buffer size limit exceeded")

// Buffer is a growable and compactable byte buffer. The zero value is an empty buffer without a
// size limit. A Buffer is not safe for concurrent use.
type Buffer struct {
	data  []byte
	start int
	end   int
	limit int
}

// New creates a Buffer with initialSize bytes of storage that never grows beyond limit bytes.
// A limit of zero means no limit.
func New(initialSize, limit int) *Buffer {
	if limit > 0 && initialSize > limit {
		initialSize = limit
	}
	return &Buffer{data: make([]byte, initialSize), limit: limit}
}

// ActiveLen returns the number of bytes received and not yet consumed.
func (b *Buffer) ActiveLen() int { return b.end - b.start }

// ActiveBytes returns the received bytes not yet consumed. The slice aliases the buffer and is
// only valid until the next call that mutates the buffer.
func (b *Buffer) ActiveBytes() []byte { return b.data[b.start:b.end] }

// AvailableLen returns the free space after the active region.
func (b *Buffer) AvailableLen() int { return len(b.data) - b.end }

// AvailableBytes returns the free space after the active region, to be filled and then committed.
func (b *Buffer) AvailableBytes() []byte { return b.data[b.end:] }

// Capacity returns the size of the underlying storage.
func (b *Buffer) Capacity() int { return len(b.data) }

// Commit moves n bytes from the available region into the active region.
func (b *Buffer) Commit(n int) {
	if n < 0 || n > b.AvailableLen() {
		panic(fmt.Sprintf("framebuf: commit of %d bytes with %d available", n, b.AvailableLen()))
	}
	b.end += n
}

// Discard consumes n bytes from the start of the active region.
func (b *Buffer) Discard(n int) {
	if n < 0 || n > b.ActiveLen() {
		panic(fmt.Sprintf("framebuf: discard of %d bytes with %d active", n, b.ActiveLen()))
	}
	b.start += n
	if b.start == b.end {
		// Nothing left, so the next fill can start at the beginning.
		b.start, b.end = 0, 0
	}
}

// EnsureAvailableSpace makes room for at least n bytes in the available region. It first
// compacts the active region to the front of the storage and only grows the storage if that is not
// enough. It fails with [ErrLimitExceeded] if the active region plus n does not fit the limit.
func (b *Buffer) EnsureAvailableSpace(n int) error {
	if n <= b.AvailableLen() {
		return nil
	}
	active := b.ActiveLen()
	needed := active + n
	if needed <= len(b.data) {
		b.compact()
		return nil
	}
	if b.limit > 0 && needed > b.limit {
		return fmt.Errorf("%w: need %d bytes, limit is %d", ErrLimitExceeded, needed, b.limit)
	}
	newSize := 2 * len(b.data)
	if newSize < needed {
		newSize = needed
	}
	if b.limit > 0 && newSize > b.limit {
		newSize = b.limit
	}
	data := make([]byte, newSize)
	copy(data, b.data[b.start:b.end])
	b.data = data
	b.start, b.end = 0, active
	return nil
}

func (b *Buffer) compact() {
	if b.start == 0 {
		return
	}
	n := copy(b.data, b.data[b.start:b.end])
	b.start, b.end = 0, n
}

// Clear drops all active bytes but keeps the storage.
func (b *Buffer) Clear() {
	b.start, b.end = 0, 0
}

// Release drops all active bytes and the storage. The buffer can be reused afterwards and
// allocates on the next EnsureAvailableSpace.
func (b *Buffer) Release() {
	b.data = nil
	b.start, b.end = 0, 0
}
