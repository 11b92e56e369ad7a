package bus

import (
	"sync/atomic"

	"github.com/opencode-studio/studio/internal/events"
)

// Emitter stamps a process-wide monotonic sequence number onto every envelope
// before publishing. Clones share the counter, so envelopes emitted through
// any clone carry globally ordered sequence numbers.
type Emitter struct {
	bus *Broadcaster
	seq *atomic.Uint64
}

// NewEmitter creates an ordered emitter over the broadcaster.
func NewEmitter(b *Broadcaster) *Emitter {
	return &Emitter{bus: b, seq: &atomic.Uint64{}}
}

// Clone returns an emitter sharing this emitter's sequence counter.
func (e *Emitter) Clone() *Emitter {
	return &Emitter{bus: e.bus, seq: e.seq}
}

// Emit wraps the event in a sequenced envelope and publishes it. Returns the
// number of subscribers reached.
func (e *Emitter) Emit(event events.Event) int {
	env := events.NewEnvelope(event)
	env.Seq = e.seq.Add(1)
	return e.bus.Publish(env)
}

// Seq returns the last assigned sequence number.
func (e *Emitter) Seq() uint64 {
	return e.seq.Load()
}
