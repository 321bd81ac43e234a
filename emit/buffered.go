package emit

import "sync"

// BufferedEmitter stores events in memory, organized by thread, and
// supports filtered history queries. It backs UI surfaces that render
// what a conversation did (step timeline, memory growth) and tests
// that assert on emitted events.
//
// All events are held until cleared; long-lived processes should
// Clear finished threads.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter selects events from a thread's history. Zero-value
// fields do not filter; set fields combine with AND.
type HistoryFilter struct {
	StepID  string
	Msg     string
	MinStep *int
	MaxStep *int
}

// NewBufferedEmitter creates an empty buffered emitter. Safe for
// concurrent use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit appends the event to its thread's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.ThreadID] = append(b.events[event.ThreadID], event)
}

// History returns a copy of all events for a thread, in emission
// order. Returns an empty slice for unknown threads.
func (b *BufferedEmitter) History(threadID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[threadID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// HistoryWithFilter returns the thread's events matching the filter,
// in emission order.
func (b *BufferedEmitter) HistoryWithFilter(threadID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := []Event{}
	for _, event := range b.events[threadID] {
		if matchesFilter(event, filter) {
			out = append(out, event)
		}
	}
	return out
}

func matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.StepID != "" && event.StepID != filter.StepID {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	if filter.MinStep != nil && event.Step < *filter.MinStep {
		return false
	}
	if filter.MaxStep != nil && event.Step > *filter.MaxStep {
		return false
	}
	return true
}

// Clear removes the history for threadID, or every thread when
// threadID is empty.
func (b *BufferedEmitter) Clear(threadID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if threadID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, threadID)
}
