package engine

import "time"

// FailureWindow holds the failure timestamps of one address that are still
// inside the detection interval. An empty window is a valid, inert state.
type FailureWindow struct {
	events []time.Time
}

func NewFailureWindow() *FailureWindow {
	return &FailureWindow{events: make([]time.Time, 0, 8)}
}

func (w *FailureWindow) Add(ts time.Time) {
	w.events = append(w.events, ts)
}

// Evict drops every entry at or before cutoff. Entries are not assumed to be
// sorted, a late line may carry an older timestamp than the ones before it.
func (w *FailureWindow) Evict(cutoff time.Time) {
	kept := w.events[:0]
	for _, ts := range w.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	for i := len(kept); i < len(w.events); i++ {
		w.events[i] = time.Time{}
	}
	w.events = kept
}

func (w *FailureWindow) Count() int {
	return len(w.events)
}
