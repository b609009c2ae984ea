package leap

import (
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// DiagnosticEvent is one entry in a Bridge's rolling diagnostic history —
// state transitions, bootstrap outcomes, reconnect attempts — useful for a
// support dump without wiring up a full metrics pipeline (a Non-goal).
type DiagnosticEvent struct {
	At      time.Time
	Message string
}

// diagnosticsRing is a small fixed-capacity history of DiagnosticEvents,
// backed by the same lock-free ring buffer the teacher uses to collect Lua
// script output. Overwrite-on-full is the desired behavior here too: a
// diagnostic dump should show the most recent events, not block the engine
// waiting for a reader to catch up.
type diagnosticsRing struct {
	mu     sync.Mutex
	buffer mpmc.RichOverlappedRingBuffer[DiagnosticEvent]
}

func newDiagnosticsRing(size uint32) *diagnosticsRing {
	if size == 0 {
		size = 256
	}
	return &diagnosticsRing{buffer: mpmc.NewOverlappedRingBuffer[DiagnosticEvent](size)}
}

func (d *diagnosticsRing) record(message string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// EnqueueM overwrites the oldest entry once full; the return values
	// (overwrite count, error) are not interesting for a best-effort log.
	_, _ = d.buffer.EnqueueM(DiagnosticEvent{At: at, Message: message})
}

// snapshot returns every currently buffered event, oldest first, without
// losing them: Dequeue is destructive, so entries are re-enqueued after
// being read. Diagnostics() is a cold/inspection path, never called from
// the read loop, so the drain-and-refill cost is acceptable.
func (d *diagnosticsRing) snapshot() []DiagnosticEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	var events []DiagnosticEvent
	for !d.buffer.IsEmpty() {
		ev, err := d.buffer.Dequeue()
		if err != nil {
			break
		}
		events = append(events, ev)
	}
	for _, ev := range events {
		_, _ = d.buffer.EnqueueM(ev)
	}
	return events
}
