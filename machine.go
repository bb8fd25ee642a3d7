package statehost

import (
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/Asteryond/statehost/pkg/metrics"
)

// Instance is satisfied by any type embedding Machine.
type Instance interface {
	machine() *Machine
}

// lifecycleHooks are the overridable machine callbacks. Machine provides the
// defaults; a concrete type shadows them by defining its own.
type lifecycleHooks interface {
	OnEntry()
	OnExit()
	OnEventDefault(ev AnyEvent)
}

// Machine is the reflective FSM base. Embed it in a concrete machine struct,
// give the struct a state field and convention-named handlers (see the
// package documentation), and admit it to a Processor with PushSM. The
// machine then holds a back-reference to its host so handlers can re-post
// work with PushEvent and PushTimer.
type Machine struct {
	host atomic.Pointer[Processor]
	self Instance
	info *classInfo
	// state is the addressable state field of the concrete struct; the zero
	// Value for event-only machines.
	state reflect.Value
	// key is the registry handle assigned on admission.
	key  uint64
	dead atomic.Bool
}

func (m *Machine) machine() *Machine { return m }

// Host returns the processor currently hosting the machine, or nil.
func (m *Machine) Host() *Processor { return m.host.Load() }

// PushEvent posts ev to this machine via its host. It reports false when the
// machine is not hosted or the host no longer admits work.
func (m *Machine) PushEvent(ev AnyEvent) bool {
	host := m.host.Load()
	if host == nil || m.self == nil {
		return false
	}
	return host.PushEvent(ev, m.self)
}

// PushTimer schedules t against this machine via its host.
func (m *Machine) PushTimer(t AnyTimer) bool {
	host := m.host.Load()
	if host == nil || m.self == nil {
		return false
	}
	return host.PushTimer(t, m.self)
}

// Terminate asks the host to remove this machine. Events already dequeued
// finish; nothing targeting the machine runs afterwards.
func (m *Machine) Terminate() {
	if host := m.host.Load(); host != nil && m.self != nil {
		host.TerminateSM(m.self)
	}
}

// OnEntry runs on the worker right after admission, before the first state's
// entry handler.
func (m *Machine) OnEntry() {}

// OnExit runs on the worker as the machine is removed.
func (m *Machine) OnExit() {}

// OnEventDefault receives events that no transition, state default or
// class-level handler claimed.
func (m *Machine) OnEventDefault(ev AnyEvent) {
	if host := m.host.Load(); host != nil {
		host.logger.Debug().
			Str("processor", host.name).
			Str("machine", m.Name()).
			Type("event", ev).
			Msg("event not handled")
	}
}

// Name returns the machine's diagnostic name: its concrete type plus, for
// stated machines, the current state.
func (m *Machine) Name() string {
	if m.info == nil {
		return "unbound"
	}
	name := m.info.typ.Elem().Name()
	if idx, ok := m.stateIndexNow(); ok {
		name += "/" + m.info.states[idx].name
	}
	return name
}

// bind attaches the concrete instance and its (cached) class info. Called by
// the host before admission; construction errors surface here.
func (m *Machine) bind(self Instance) error {
	info, err := classInfoFor(reflect.TypeOf(self))
	if err != nil {
		return err
	}
	m.self = self
	m.info = info
	if info.hasStates {
		m.state = reflect.ValueOf(self).Elem().FieldByIndex(info.stateIndex)
	}
	return nil
}

// stateRaw reads the state field as an integer.
func (m *Machine) stateRaw() int64 {
	if m.state.CanInt() {
		return m.state.Int()
	}
	return int64(m.state.Uint())
}

// stateIndexNow returns the current state as a table index, when in range.
func (m *Machine) stateIndexNow() (int, bool) {
	if m.info == nil || !m.info.hasStates {
		return 0, false
	}
	raw := m.stateRaw()
	if raw < 0 || raw >= int64(len(m.info.states)) {
		return 0, false
	}
	return int(raw), true
}

// hooks resolves the overridable callbacks against the concrete type.
func (m *Machine) hooks() lifecycleHooks {
	return m.self.(lifecycleHooks)
}

// dispatch routes ev through the machine's handler table. Runs on the host
// worker only.
func (m *Machine) dispatch(ev AnyEvent) {
	info := m.info
	evType := reflect.TypeOf(ev)
	recv := reflect.ValueOf(m.self)
	if info.hasStates {
		cur, ok := m.stateIndexNow()
		if !ok {
			m.logStateOutOfRange()
			return
		}
		s := &info.states[cur]
		if h, ok := s.transitions[evType]; ok {
			m.runTransition(s, h, cur, recv, ev)
			return
		}
		if s.deflt.IsValid() {
			s.deflt.Call([]reflect.Value{recv, eventValue(ev)})
			return
		}
	}
	if h, ok := info.handlers[evType]; ok {
		h.Call([]reflect.Value{recv, reflect.ValueOf(ev)})
		return
	}
	if host := m.host.Load(); host != nil {
		metrics.EventsUnhandled.WithLabelValues(host.name).Inc()
	}
	m.hooks().OnEventDefault(ev)
}

// runTransition performs exit, the transition handler, and the entry of the
// resulting state. A self-loop re-runs the current state's entry.
func (m *Machine) runTransition(s *stateInfo, handler reflect.Value, cur int, recv reflect.Value, ev AnyEvent) {
	if s.exit.IsValid() {
		m.callGuarded(s.exit, "exit", s.name, []reflect.Value{recv, eventValue(ev)})
	}
	handler.Call([]reflect.Value{recv, reflect.ValueOf(ev)})
	next, ok := m.stateIndexNow()
	if !ok {
		m.logStateOutOfRange()
		return
	}
	target := &m.info.states[next]
	if target.entry.IsValid() {
		prev := reflect.ValueOf(cur).Convert(m.info.stateType)
		m.callGuarded(target.entry, "entry", target.name, []reflect.Value{recv, eventValue(ev), prev})
	}
}

// enterFirstState runs the entry handler for whatever the state field holds
// after construction. Only the Processor drives this; a Runner's first state
// gets no entry call.
func (m *Machine) enterFirstState() {
	if !m.info.hasStates {
		return
	}
	cur, ok := m.stateIndexNow()
	if !ok {
		m.logStateOutOfRange()
		return
	}
	s := &m.info.states[cur]
	if !s.entry.IsValid() {
		return
	}
	recv := reflect.ValueOf(m.self)
	prev := reflect.ValueOf(cur).Convert(m.info.stateType)
	m.callGuarded(s.entry, "entry", s.name, []reflect.Value{recv, eventValue(nil), prev})
}

// callGuarded invokes an entry or exit handler and asserts it left the state
// variable alone. Mutating state from entry/exit is a programming error the
// engine refuses to continue past.
func (m *Machine) callGuarded(fn reflect.Value, role, state string, args []reflect.Value) {
	before := m.stateRaw()
	fn.Call(args)
	if m.stateRaw() != before {
		panic(fmt.Sprintf("statehost: %s handler of state %s on %s mutated the state variable", role, state, m.info.typ))
	}
}

func (m *Machine) logStateOutOfRange() {
	if host := m.host.Load(); host != nil {
		host.logger.Error().
			Str("processor", host.name).
			Str("machine", m.info.typ.String()).
			Int64("state", m.stateRaw()).
			Msg("state variable out of range; event dropped")
	}
}

// eventValue adapts ev for a handler parameter of the AnyEvent interface
// type, covering the nil event passed to first-state entries.
func eventValue(ev AnyEvent) reflect.Value {
	if ev == nil {
		return reflect.Zero(anyEventType)
	}
	return reflect.ValueOf(ev)
}
