package statehost

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Asteryond/statehost/kind"
	"github.com/Asteryond/statehost/muid"
	"github.com/Asteryond/statehost/pkg/metrics"
)

// Config configures a Processor.
type Config struct {
	// Name labels the processor in logs and metrics. Defaults to a fresh
	// muid-derived name.
	Name string
	// Logger is the diagnostic sink. The zero logger is silent.
	Logger zerolog.Logger
}

// Processor hosts many reflective machines on one worker goroutine. All
// handler code of its machines runs on that worker and is serialized; the
// push operations are safe from any goroutine. A FIFO job queue carries
// admissions, events and termination envelopes; a separate expiry-ordered
// timer queue is merged into the same loop.
type Processor struct {
	name   string
	logger zerolog.Logger

	jobs *fifo[any]

	// timerMu is the host lock: it guards the timer queue and the
	// timersChanged re-check flag. Never held while user code runs.
	timerMu       sync.Mutex
	timers        []AnyTimer
	timersChanged bool

	// machines and nextKey are owned by the worker.
	machines map[uint64]*Machine
	nextKey  uint64
	hosted   atomic.Int64

	pauseMu   sync.Mutex
	pauseCond *sync.Cond
	paused    bool
	pausing   bool

	admitting atomic.Bool
	done      chan struct{}
	err       error // written by the worker before done closes
}

// Snapshot is a point-in-time diagnostic view of a processor.
type Snapshot struct {
	Name     string
	QueueLen int
	Timers   int
	Machines int
	Paused   bool
}

// New starts a processor worker and returns once it is live.
func New(cfg Config) *Processor {
	p := &Processor{
		name:     cfg.Name,
		logger:   cfg.Logger,
		jobs:     newFifo[any](),
		machines: map[uint64]*Machine{},
		done:     make(chan struct{}),
	}
	if p.name == "" {
		p.name = "processor_" + muid.MakeString()
	}
	p.pauseCond = sync.NewCond(&p.pauseMu)
	p.admitting.Store(true)
	ready := make(chan struct{})
	go p.run(ready)
	<-ready
	p.logger.Debug().Str("processor", p.name).Msg("worker started")
	return p
}

// PushSM admits fsm to this processor. The worker registers it, runs its
// OnEntry hook and enters its first state. Dispatch-table construction
// errors surface here.
func (p *Processor) PushSM(fsm Instance) error {
	if fsm == nil {
		return fmt.Errorf("%w: nil machine", ErrBadMachine)
	}
	m := fsm.machine()
	if err := m.bind(fsm); err != nil {
		return err
	}
	if !p.admitting.Load() {
		return ErrDisposed
	}
	if !m.host.CompareAndSwap(nil, p) {
		return ErrAlreadyHosted
	}
	m.dead.Store(false)
	p.jobs.Push(any(fsm))
	metrics.QueueDepth.WithLabelValues(p.name).Set(float64(p.jobs.Len()))
	return nil
}

// PushEvent binds ev to fsm and queues it. Pushing the same event object
// again while it is still the queue tail collapses the push; the event is
// still dispatched once, so true is returned either way. False means the
// processor no longer admits work.
func (p *Processor) PushEvent(ev AnyEvent, fsm Instance) bool {
	if ev == nil || fsm == nil || !p.admitting.Load() {
		return false
	}
	ev.ref().target = fsm.machine()
	ev.base().stamp(MachineEventKind)
	if !p.jobs.PushUnlessTail(any(ev), func(tail any) bool { return tail == any(ev) }) {
		p.logger.Debug().
			Str("processor", p.name).
			Stringer("event", ev.base().ID()).
			Msg("consecutive duplicate push collapsed")
		return true
	}
	metrics.QueueDepth.WithLabelValues(p.name).Set(float64(p.jobs.Len()))
	return true
}

// PushTimer schedules t for fsm. The timer queue is kept ordered by expiry,
// earliest first.
func (p *Processor) PushTimer(t AnyTimer, fsm Instance) bool {
	if t == nil || fsm == nil || !p.admitting.Load() {
		return false
	}
	tv := t.timer()
	tv.target = fsm.machine()
	tv.stamp(TimerEventKind)
	tv.enabled.Store(true)
	p.insertTimer(t)
	p.jobs.nudge()
	return true
}

// RemoveTimer disables t in place; it never fires again. The worker reaps
// the node when it reaches it.
func (p *Processor) RemoveTimer(t AnyTimer) {
	p.timerMu.Lock()
	t.timer().enabled.Store(false)
	p.timersChanged = true
	p.timerMu.Unlock()
	p.jobs.nudge()
}

// Contains reports whether ev is currently sitting in the job queue.
func (p *Processor) Contains(ev AnyEvent) bool {
	return p.jobs.Any(func(item any) bool { return item == any(ev) })
}

// TerminateSM removes fsm from the processor. The machine is marked dead
// immediately, so no further handler runs and no timer targeting it fires;
// the removal itself (OnExit, unregister) is performed by the worker.
func (p *Processor) TerminateSM(fsm Instance) {
	if fsm == nil {
		return
	}
	m := fsm.machine()
	m.dead.Store(true)
	p.disableTimersFor(m)
	p.jobs.Push(any(newTerminateEvent(m)))
}

// TerminateAll removes every hosted machine and stops the worker.
func (p *Processor) TerminateAll() {
	p.jobs.Push(any(newTerminateEvent(nil)))
}

// Suspend asks the worker to park at its next suspension point. Handlers in
// flight finish first.
func (p *Processor) Suspend() {
	p.pauseMu.Lock()
	p.paused = true
	p.pauseMu.Unlock()
	p.jobs.nudge()
}

// Resume releases a parked worker.
func (p *Processor) Resume() {
	p.pauseMu.Lock()
	p.paused = false
	p.pauseMu.Unlock()
	p.pauseCond.Broadcast()
}

// Dispose posts the engine-terminate envelope and returns immediately with a
// channel that closes once the worker has drained every machine and exited.
func (p *Processor) Dispose() <-chan struct{} {
	if p.admitting.CompareAndSwap(true, false) {
		p.jobs.Push(any(newHaltEvent()))
	}
	return p.done
}

// Done returns the worker-exit channel.
func (p *Processor) Done() <-chan struct{} { return p.done }

// Err reports the failure that stopped the worker, or nil while it runs and
// after a clean exit.
func (p *Processor) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Snapshot captures current queue depths for diagnostics.
func (p *Processor) Snapshot() Snapshot {
	p.timerMu.Lock()
	timers := len(p.timers)
	p.timerMu.Unlock()
	p.pauseMu.Lock()
	paused := p.pausing
	p.pauseMu.Unlock()
	return Snapshot{
		Name:     p.name,
		QueueLen: p.jobs.Len(),
		Timers:   timers,
		Machines: int(p.hosted.Load()),
		Paused:   paused,
	}
}

/******* worker *******/

func (p *Processor) run(ready chan<- struct{}) {
	defer close(p.done)
	defer func() {
		if rec := recover(); rec != nil {
			p.err = fmt.Errorf("processor %s: handler panic: %v", p.name, rec)
			p.logger.Error().
				Str("processor", p.name).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked; worker terminated")
		}
		p.admitting.Store(false)
		p.removeAll()
	}()
	close(ready)
	for {
		p.pauseGate()
		item, ok := p.jobs.Pop()
		if !ok {
			p.await()
			continue
		}
		metrics.QueueDepth.WithLabelValues(p.name).Set(float64(p.jobs.Len()))
		if p.consume(item) {
			return
		}
		if p.consumeTimersChanged() {
			p.checkTimers()
		}
	}
}

// pauseGate is the explicit suspension point: the worker parks here while a
// suspend is in effect.
func (p *Processor) pauseGate() {
	p.pauseMu.Lock()
	for p.paused {
		p.pausing = true
		p.pauseCond.Wait()
	}
	p.pausing = false
	p.pauseMu.Unlock()
}

// await blocks until new work arrives or the next timer expires.
func (p *Processor) await() {
	rest, ok := p.restTime()
	if !ok {
		<-p.jobs.Wake()
		return
	}
	if rest <= 0 {
		p.checkTimers()
		return
	}
	deadline := time.NewTimer(rest)
	select {
	case <-p.jobs.Wake():
		deadline.Stop()
	case <-deadline.C:
		p.checkTimers()
	}
}

// restTime returns the delay until the earliest enabled timer, or false when
// no timer is pending (rest is infinite).
func (p *Processor) restTime() (time.Duration, bool) {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	p.reapDisabledLocked()
	if len(p.timers) == 0 {
		return 0, false
	}
	return time.Until(p.timers[0].timer().expiry), true
}

// consume classifies and processes one popped job. It reports whether the
// worker should exit.
func (p *Processor) consume(item any) bool {
	if fsm, ok := item.(Instance); ok {
		p.admit(fsm)
		return false
	}
	if term, ok := item.(*terminateEvent); ok {
		if term.target == nil {
			p.removeAll()
			term.Done()
			return true
		}
		p.removeSM(term.target)
		term.Done()
		return false
	}
	if _, ok := item.(*haltEvent); ok {
		return true
	}
	ev, ok := item.(AnyEvent)
	if !ok {
		p.logger.Error().Str("processor", p.name).Type("item", item).Msg("unknown job dropped")
		return false
	}
	if kind.Is(ev.base().Kind(), TimerEventKind) {
		// A timer travelling through the FIFO (a re-posted repeat) rejoins
		// the timer queue.
		p.insertTimer(ev.(AnyTimer))
		p.checkTimers()
		return false
	}
	p.deliver(ev)
	return false
}

// deliver routes a normal event to its target machine and marks it done.
func (p *Processor) deliver(ev AnyEvent) {
	m := ev.ref().target
	if m == nil || m.dead.Load() || p.machines[m.key] != m {
		p.logger.Debug().
			Str("processor", p.name).
			Type("event", ev).
			Msg("event for unknown machine dropped")
		metrics.EventsDropped.WithLabelValues(p.name).Inc()
		return
	}
	m.dispatch(ev)
	ev.base().Done()
	metrics.EventsDispatched.WithLabelValues(p.name).Inc()
}

func (p *Processor) admit(fsm Instance) {
	m := fsm.machine()
	p.nextKey++
	m.key = p.nextKey
	p.machines[m.key] = m
	p.hosted.Add(1)
	metrics.MachinesActive.WithLabelValues(p.name).Inc()
	m.hooks().OnEntry()
	m.enterFirstState()
	p.logger.Debug().Str("processor", p.name).Str("machine", m.Name()).Uint64("key", m.key).Msg("machine admitted")
}

func (p *Processor) removeSM(m *Machine) {
	if p.machines[m.key] != m {
		return
	}
	delete(p.machines, m.key)
	m.dead.Store(true)
	p.disableTimersFor(m)
	m.hooks().OnExit()
	m.host.Store(nil)
	p.hosted.Add(-1)
	metrics.MachinesActive.WithLabelValues(p.name).Dec()
	p.logger.Debug().Str("processor", p.name).Uint64("key", m.key).Msg("machine removed")
}

func (p *Processor) removeAll() {
	for _, m := range p.machines {
		p.removeSM(m)
	}
}

// disableTimersFor soft-deletes every timer bound to m.
func (p *Processor) disableTimersFor(m *Machine) {
	p.timerMu.Lock()
	for _, t := range p.timers {
		if t.timer().target == m {
			t.timer().enabled.Store(false)
		}
	}
	p.timersChanged = true
	p.timerMu.Unlock()
}

// insertTimer adds t at the first position whose expiry is not earlier,
// keeping the head the earliest.
func (p *Processor) insertTimer(t AnyTimer) {
	expiry := t.timer().expiry
	p.timerMu.Lock()
	i := 0
	for ; i < len(p.timers); i++ {
		if !p.timers[i].timer().expiry.Before(expiry) {
			break
		}
	}
	p.timers = append(p.timers, nil)
	copy(p.timers[i+1:], p.timers[i:])
	p.timers[i] = t
	p.timersChanged = true
	p.timerMu.Unlock()
}

func (p *Processor) consumeTimersChanged() bool {
	p.timerMu.Lock()
	changed := p.timersChanged
	p.timersChanged = false
	p.timerMu.Unlock()
	return changed
}

// checkTimers fires every expired enabled timer, re-queueing repeats. The
// host lock is released around handler invocation.
func (p *Processor) checkTimers() {
	for {
		p.timerMu.Lock()
		p.reapDisabledLocked()
		if len(p.timers) == 0 {
			p.timerMu.Unlock()
			return
		}
		head := p.timers[0]
		tv := head.timer()
		if time.Until(tv.expiry) > 0 {
			p.timerMu.Unlock()
			return
		}
		p.timers = p.timers[1:]
		p.timerMu.Unlock()

		m := tv.target
		if m == nil || m.dead.Load() || p.machines[m.key] != m {
			tv.enabled.Store(false)
			continue
		}
		m.dispatch(head)
		metrics.TimersFired.WithLabelValues(p.name).Inc()
		switch {
		case tv.repeats == RepeatForever:
			if tv.interval > 0 {
				tv.expiry = tv.expiry.Add(tv.interval)
			}
			p.insertTimer(head)
		case tv.repeats == 0:
			tv.enabled.Store(false)
			tv.Done()
		default:
			tv.repeats--
			if tv.interval > 0 {
				tv.expiry = tv.expiry.Add(tv.interval)
			}
			p.insertTimer(head)
		}
	}
}

// reapDisabledLocked drops disabled timers from the head of the queue.
// Callers hold timerMu.
func (p *Processor) reapDisabledLocked() {
	for len(p.timers) > 0 && !p.timers[0].timer().enabled.Load() {
		p.timers = p.timers[1:]
	}
}
