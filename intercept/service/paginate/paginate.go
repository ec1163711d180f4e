// Package paginate windows an ordered record stream by 1-based start position and page size.
package paginate

import "iter"

// Window tracks pagination state for a single listing call.
// Callers invoke Advance for every candidate record, skip it unless Started,
// emit it, then stop iterating once Ended.
type Window struct {
	processed   int
	startRecord int
	finalRecord int
	hasEnd      bool
	started     bool
	ended       bool
}

// NewWindow creates a window. start <= 0 begins at the first record,
// count <= 0 places no upper bound on the page.
func NewWindow(start, count int) *Window {
	w := &Window{}
	if start > 0 {
		w.startRecord = start
	} else {
		w.started = true
	}
	if count > 0 {
		w.hasEnd = true
		if w.started {
			w.finalRecord = count
		} else {
			w.finalRecord = start + count - 1
		}
	}
	return w
}

// Advance records that one more candidate was processed.
func (w *Window) Advance() {
	w.processed++
	if !w.started {
		w.started = w.processed >= w.startRecord
	}
	if w.hasEnd && !w.ended {
		w.ended = w.processed >= w.finalRecord
	}
}

// Started reports whether the current record is inside the page.
func (w *Window) Started() bool {
	return w.started
}

// Ended reports whether the page is complete.
func (w *Window) Ended() bool {
	return w.ended
}

// Apply yields the records of seq that fall inside the window and stops
// pulling from seq as soon as the page is complete.
func Apply[T any](seq iter.Seq[T], start, count int) iter.Seq[T] {
	return func(yield func(T) bool) {
		w := NewWindow(start, count)
		for v := range seq {
			w.Advance()
			if !w.Started() {
				continue
			} else if !yield(v) {
				return
			} else if w.Ended() {
				return
			}
		}
	}
}

// Apply2 is Apply for two-value sequences. Pairs with a non-nil error are
// passed through without counting toward the window.
func Apply2[T any](seq iter.Seq2[T, error], start, count int) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		w := NewWindow(start, count)
		for v, err := range seq {
			if err != nil {
				if !yield(v, err) {
					return
				}
				continue
			}
			w.Advance()
			if !w.Started() {
				continue
			} else if !yield(v, nil) {
				return
			} else if w.Ended() {
				return
			}
		}
	}
}
