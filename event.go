package statehost

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Asteryond/statehost/kind"
	"github.com/Asteryond/statehost/muid"
)

// Event kinds classify queued items without reflection. Go type switches do
// not see through struct embedding, so the hosts consult kind bits instead
// when deciding whether a popped item is a plain event, a timer, or a
// termination envelope.
var (
	// nilKind is id 0, which kind.Make never allocates: the kind of a
	// zero-value event before a host stamps it.
	nilKind kind.Kind = 0
	// EventKind is the base kind of everything a host can queue.
	EventKind = kind.Make()
	// MachineEventKind tags events bound to a target machine.
	MachineEventKind = kind.Make(EventKind)
	// TimerEventKind tags machine events scheduled for an absolute instant.
	TimerEventKind = kind.Make(MachineEventKind)
	// terminateKind tags the envelope removing one machine, or every machine
	// when it carries no target.
	terminateKind = kind.Make(MachineEventKind)
	// haltKind tags the envelope that shuts a whole host down.
	haltKind = kind.Make(EventKind)
)

// Event is the completion core shared by everything a host dispatches. The
// zero value is ready to use. Done marks the event complete; Wait blocks
// until it is. Both are safe from any goroutine, Done is idempotent, and
// Wait returns immediately once the event is done.
type Event struct {
	mu   sync.Mutex
	ch   chan struct{}
	done bool
	kind kind.Kind
	id   muid.MUID
}

// Kind returns the event's kind bits; zero until a host stamps the event or,
// for a timer, until it is armed.
func (e *Event) Kind() kind.Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kind
}

// ID returns the event's id; zero until a host stamps the event.
func (e *Event) ID() muid.MUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.id
}

// Done marks the event complete and releases every waiter.
func (e *Event) Done() {
	e.mu.Lock()
	if !e.done {
		e.done = true
		if e.ch != nil {
			close(e.ch)
		}
	}
	e.mu.Unlock()
}

// IsDone reports whether Done has been called.
func (e *Event) IsDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Wait blocks until the event is done.
func (e *Event) Wait() {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return
	}
	if e.ch == nil {
		e.ch = make(chan struct{})
	}
	ch := e.ch
	e.mu.Unlock()
	<-ch
}

// stamp assigns kind and id unless the event already carries them.
func (e *Event) stamp(k kind.Kind) {
	e.mu.Lock()
	if e.kind == nilKind {
		e.kind = k
	}
	if e.id.IsZero() {
		e.id = muid.Make()
	}
	e.mu.Unlock()
}

func (e *Event) base() *Event { return e }

// MachineEvent binds an Event to the machine it targets; the host sets the
// binding at enqueue time. User event variants are structs embedding
// MachineEvent, and a variant's concrete pointer type is its dispatch key.
type MachineEvent struct {
	Event
	target *Machine
}

// Target returns the machine this event was last bound to, or nil before the
// event is first pushed.
func (e *MachineEvent) Target() *Machine { return e.target }

func (e *MachineEvent) ref() *MachineEvent { return e }

// AnyEvent is satisfied by any type embedding MachineEvent. It is the static
// event type seen by entry, exit and default-transition handlers.
type AnyEvent interface {
	base() *Event
	ref() *MachineEvent
}

// RepeatForever makes a timer fire until it is removed or its machine
// terminates.
const RepeatForever = ^uint32(0)

// TimerEvent is a MachineEvent scheduled for an absolute instant. Arm it
// before pushing. A repeats budget of 0 fires once, n fires n+1 times, and
// RepeatForever fires indefinitely. A non-zero interval advances the expiry
// between repeats; with a zero interval a repeat is due again immediately.
type TimerEvent struct {
	MachineEvent
	expiry   time.Time
	interval time.Duration
	repeats  uint32
	enabled  atomic.Bool
}

// NewTimer returns a timer armed to expire after the given delay from now.
func NewTimer(after time.Duration, repeats uint32) *TimerEvent {
	t := &TimerEvent{}
	t.Arm(after, repeats)
	return t
}

// Arm schedules the timer to expire after d from now.
func (t *TimerEvent) Arm(d time.Duration, repeats uint32) {
	t.ArmAt(time.Now().Add(d), repeats)
}

// ArmAt schedules the timer for an absolute instant.
func (t *TimerEvent) ArmAt(at time.Time, repeats uint32) {
	t.mu.Lock()
	t.kind = TimerEventKind
	t.mu.Unlock()
	t.expiry = at
	t.repeats = repeats
	t.enabled.Store(true)
}

// SetInterval sets the re-arm period applied between repeats.
func (t *TimerEvent) SetInterval(d time.Duration) { t.interval = d }

// Expiry returns the instant the timer is due. Between repeats the host
// advances it by the interval.
func (t *TimerEvent) Expiry() time.Time { return t.expiry }

// Enabled reports whether the timer may still fire. Removal and machine
// termination disable timers in place; the host reaps disabled nodes as it
// reaches them.
func (t *TimerEvent) Enabled() bool { return t.enabled.Load() }

// Repeats returns the remaining repeat budget.
func (t *TimerEvent) Repeats() uint32 { return t.repeats }

func (t *TimerEvent) timer() *TimerEvent { return t }

// AnyTimer is satisfied by any type embedding TimerEvent.
type AnyTimer interface {
	AnyEvent
	timer() *TimerEvent
}

// terminateEvent removes one machine from its host, or every machine when
// target is nil. The host marks it done once removal has completed, so
// callers may wait on it; the engine itself never does.
type terminateEvent struct{ MachineEvent }

func newTerminateEvent(m *Machine) *terminateEvent {
	ev := &terminateEvent{}
	ev.kind = terminateKind
	ev.id = muid.Make()
	ev.target = m
	return ev
}

// haltEvent shuts a host's worker down after draining its machines.
type haltEvent struct{ Event }

func newHaltEvent() *haltEvent {
	ev := &haltEvent{}
	ev.kind = haltKind
	ev.id = muid.Make()
	return ev
}
