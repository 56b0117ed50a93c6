// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package relay

// batchWindow accumulates encoded messages for one connection until a flush
// timer fires or a threshold trips. Callers hold the owning connection's
// lock; the window itself is not synchronized.
type batchWindow struct {
	maxBytes int
	maxCount int

	msgs  [][]byte
	bytes int
}

func newBatchWindow(maxBytes, maxCount int) *batchWindow {
	return &batchWindow{maxBytes: maxBytes, maxCount: maxCount}
}

// add appends an encoded message and reports whether a threshold was
// reached, meaning the caller should drain now instead of waiting for the
// timer.
func (w *batchWindow) add(encoded []byte) bool {
	w.msgs = append(w.msgs, encoded)
	w.bytes += len(encoded)
	return w.bytes >= w.maxBytes || len(w.msgs) >= w.maxCount
}

// drain returns the pending messages and resets the window.
func (w *batchWindow) drain() [][]byte {
	if len(w.msgs) == 0 {
		return nil
	}
	out := w.msgs
	w.msgs = nil
	w.bytes = 0
	return out
}

// pending reports the buffered message count.
func (w *batchWindow) pending() int {
	return len(w.msgs)
}
