// Package statehost is a finite-state-machine hosting runtime. It runs many
// concurrent state machines on a small number of worker goroutines,
// delivering external events and scheduled timer events to them in a
// well-defined order.
//
// # Overview
//
// Two dispatch models are provided:
//
//   - A Processor hosts many reflective machines on a single worker. A
//     machine is a user struct embedding [Machine]; its state graph is
//     discovered once per concrete type from handler-method naming
//     conventions (or declarative bindings) and cached process-wide.
//   - A Runner owns exactly one machine whose state graph is supplied as
//     data (a [Definition]) and whose actions are bound by name against an
//     implementation object.
//
// All handler code for the machines of one host runs on that host's worker
// and is therefore serialized; handlers on different hosts run in parallel.
// Producers on any goroutine push events and timers; every event carries a
// completion signal ([Event.Done] / [Event.Wait]) producers can join on.
//
// # Usage
//
// Define a machine with a state field and convention-named handlers:
//
//	type DoorState int
//
//	const (
//	    Closed DoorState = iota
//	    Open
//	)
//
//	func (s DoorState) String() string { ... }
//
//	type Door struct {
//	    statehost.Machine
//	    State DoorState
//	}
//
//	type KnockEvent struct{ statehost.MachineEvent }
//
//	func (d *Door) Closed_OnKnock(e *KnockEvent) { d.State = Open }
//
// Host it on a processor:
//
//	p := statehost.New(statehost.Config{Name: "doors"})
//	door := &Door{}
//	_ = p.PushSM(door)
//	ev := &KnockEvent{}
//	p.PushEvent(ev, door)
//	ev.Wait()
package statehost
