package http2

import "sync"

// flowWindow is a signed, blocking flow-control window shared between the
// single conn-loop goroutine (which replenishes it on WINDOW_UPDATE and
// SETTINGS_INITIAL_WINDOW_SIZE) and a body-writing goroutine (which spends
// it while pacing DATA out). RFC 7540 §6.9 windows are signed 32-bit: a
// SETTINGS change applied after bytes were already sent can legally drive
// one negative, and a spender must be able to wait rather than fail when
// it hits zero.
type flowWindow struct {
	mu     sync.Mutex
	cond   *sync.Cond
	size   int32
	closed bool
}

func newFlowWindow(initial int32) *flowWindow {
	w := &flowWindow{size: initial}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// get returns the current window size without blocking.
func (w *flowWindow) get() int32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// set overwrites the window outright, used when re-arming a reused Stream.
func (w *flowWindow) set(size int32) {
	w.mu.Lock()
	w.size = size
	w.closed = false
	w.cond.Broadcast()
	w.mu.Unlock()
}

// add applies delta (positive or negative) and wakes anyone blocked in
// take. A WINDOW_UPDATE always grows the window; a SETTINGS_INITIAL_WINDOW_SIZE
// change can shrink it.
func (w *flowWindow) add(delta int32) {
	w.mu.Lock()
	w.size += delta
	w.cond.Broadcast()
	w.mu.Unlock()
}

// addChecked applies delta unless doing so would push the window past
// limit, in which case it leaves size untouched and returns false.
func (w *flowWindow) addChecked(delta int32, limit int32) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if int64(w.size)+int64(delta) > int64(limit) {
		return false
	}

	w.size += delta
	w.cond.Broadcast()
	return true
}

// take blocks until the window has positive credit or is torn down, then
// reserves and returns min(want, size). It returns 0 only once teardown
// has been called, signaling the caller to give up rather than spend.
func (w *flowWindow) take(want int32) int32 {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.size <= 0 && !w.closed {
		w.cond.Wait()
	}

	if w.closed && w.size <= 0 {
		return 0
	}

	got := want
	if got > w.size {
		got = w.size
	}
	w.size -= got

	return got
}

// teardown wakes every blocked take and makes future ones return
// immediately with 0 credit once the window is drained. It is idempotent,
// so a stream torn down by more than one path (timeout racing RST_STREAM)
// is safe to tear down twice.
func (w *flowWindow) teardown() {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
}
