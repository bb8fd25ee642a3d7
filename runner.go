package statehost

import (
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/Asteryond/statehost/muid"
)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Name labels the runner in logs. Defaults to a muid-derived name.
	Name string
	// Logger is the diagnostic sink. The zero logger is silent.
	Logger zerolog.Logger
}

// binding is one compiled transition: the destination state and the bound
// action, when the definition names one.
type binding struct {
	to     *runnerState
	action reflect.Value
}

type runnerState struct {
	name  string
	entry reflect.Value
	exit  reflect.Value
	// transitions is indexed by event id; slot 0 is the default transition.
	// The slice is sized to the largest id the state handles.
	transitions []*binding
}

// lookup returns the state's binding for an event id, if any.
func (s *runnerState) lookup(ev int) *binding {
	if ev < 0 || ev >= len(s.transitions) {
		return nil
	}
	return s.transitions[ev]
}

// Runner executes one data-driven machine on its own worker goroutine.
// Producers push event ids; exit handlers, transition actions and entry
// handlers of the bound implementation object run serialized on the worker.
// The first state's entry handler is never invoked (Definition semantics).
type Runner struct {
	name   string
	logger zerolog.Logger

	impl     reflect.Value
	states   map[string]*runnerState
	current  *runnerState
	stateNow atomic.Value // string, diagnostics only

	shutdownEvents []int

	queue    *fifo[int]
	shutdown atomic.Bool
	done     chan struct{}
	err      error // written by the worker before done closes

	subMu sync.Mutex
	subs  []func(state string)
}

// NewRunner compiles def against the exported niladic methods of impl and
// starts the runner's worker. Unknown states, duplicate or reserved event
// ids and missing action methods are construction errors.
func NewRunner(def Definition, impl any, cfg RunnerConfig) (*Runner, error) {
	if impl == nil {
		return nil, fmt.Errorf("%w: nil implementation", ErrBadMachine)
	}
	r := &Runner{
		name:           cfg.Name,
		logger:         cfg.Logger,
		impl:           reflect.ValueOf(impl),
		states:         map[string]*runnerState{},
		shutdownEvents: def.ShutdownEvents,
		queue:          newFifo[int](),
		done:           make(chan struct{}),
	}
	if r.name == "" {
		r.name = "runner_" + muid.MakeString()
	}
	if err := r.compile(def); err != nil {
		return nil, err
	}
	r.stateNow.Store(r.current.name)
	go r.run()
	return r, nil
}

func (r *Runner) compile(def Definition) error {
	for _, s := range def.States {
		if s.Name == "" {
			return fmt.Errorf("%w: empty state name", ErrUnknownState)
		}
		if _, dup := r.states[s.Name]; dup {
			return fmt.Errorf("state %q declared twice", s.Name)
		}
		state := &runnerState{name: s.Name}
		var err error
		if state.entry, err = r.action(s.Name + "StateEntry"); err != nil {
			return err
		}
		if state.exit, err = r.action(s.Name + "StateExit"); err != nil {
			return err
		}
		r.states[s.Name] = state
	}
	first, ok := r.states[def.First]
	if !ok {
		return fmt.Errorf("%w: first state %q", ErrUnknownState, def.First)
	}
	r.current = first

	for _, t := range def.Transitions {
		if t.Event < DefaultEvent {
			return fmt.Errorf("transition %s->%s uses reserved event id %d", t.From, t.To, t.Event)
		}
		from, ok := r.states[t.From]
		if !ok {
			return fmt.Errorf("%w: transition source %q", ErrUnknownState, t.From)
		}
		to, ok := r.states[t.To]
		if !ok {
			return fmt.Errorf("%w: transition target %q", ErrUnknownState, t.To)
		}
		if from.lookup(t.Event) != nil {
			return fmt.Errorf("state %q already handles event %d", t.From, t.Event)
		}
		action, err := r.requiredAction(t.Action)
		if err != nil {
			return fmt.Errorf("transition %s->%s: %w", t.From, t.To, err)
		}
		from.install(t.Event, &binding{to: to, action: action})
	}

	for _, g := range def.Globals {
		if g.Event <= DefaultEvent {
			return fmt.Errorf("global event id %d must be positive", g.Event)
		}
		action, err := r.requiredAction(g.Action)
		if err != nil {
			return fmt.Errorf("global event %d: %w", g.Event, err)
		}
		for _, state := range r.states {
			if state.lookup(g.Event) == nil {
				state.install(g.Event, &binding{to: state, action: action})
			}
		}
	}

	for _, id := range def.ShutdownEvents {
		if id <= DefaultEvent {
			return fmt.Errorf("shutdown event id %d must be positive", id)
		}
	}
	return nil
}

// install grows the state's dispatch vector to fit the event id.
func (s *runnerState) install(ev int, b *binding) {
	if ev >= len(s.transitions) {
		grown := make([]*binding, ev+1)
		copy(grown, s.transitions)
		s.transitions = grown
	}
	s.transitions[ev] = b
}

// action resolves a niladic method on the implementation object. A missing
// method yields an invalid Value; a present method of the wrong shape is a
// construction error.
func (r *Runner) action(name string) (reflect.Value, error) {
	m := r.impl.MethodByName(name)
	if !m.IsValid() {
		return reflect.Value{}, nil
	}
	if mt := m.Type(); mt.NumIn() != 0 || mt.NumOut() != 0 {
		return reflect.Value{}, fmt.Errorf("%w: %s must take no parameters and return nothing", ErrBadSignature, name)
	}
	return m, nil
}

// requiredAction resolves a declared action name, which must exist.
func (r *Runner) requiredAction(name string) (reflect.Value, error) {
	if name == "" {
		return reflect.Value{}, nil
	}
	m, err := r.action(name)
	if err != nil {
		return reflect.Value{}, err
	}
	if !m.IsValid() {
		return reflect.Value{}, fmt.Errorf("%w: action %q", ErrMissingHandler, name)
	}
	return m, nil
}

// PushEvent queues a user event id. It reports false for non-positive ids
// and once shutdown has been requested.
func (r *Runner) PushEvent(id int) bool {
	if id <= DefaultEvent || r.shutdown.Load() {
		return false
	}
	r.queue.Push(id)
	return true
}

// CurrentState names the state the worker most recently settled in. It is
// for diagnostics only; by the time the caller reads it, the worker may have
// moved on.
func (r *Runner) CurrentState() string {
	return r.stateNow.Load().(string)
}

// OnStateChanged subscribes fn to state changes. It is invoked on the worker
// synchronously between a transition's action and the new state's entry.
func (r *Runner) OnStateChanged(fn func(state string)) {
	r.subMu.Lock()
	r.subs = append(r.subs, fn)
	r.subMu.Unlock()
}

// Stop requests shutdown: the definition's shutdown events are queued in
// declared order, then the terminate sentinel. Subsequent PushEvent calls
// report false.
func (r *Runner) Stop() {
	if !r.shutdown.CompareAndSwap(false, true) {
		return
	}
	for _, id := range r.shutdownEvents {
		r.queue.Push(id)
	}
	r.queue.Push(TerminateEvent)
}

// Dispose stops the runner if needed and joins its worker.
func (r *Runner) Dispose() {
	r.Stop()
	<-r.done
}

// Done returns the worker-exit channel.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Err reports the handler panic that terminated the worker, if any.
func (r *Runner) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

/******* worker *******/

func (r *Runner) run() {
	defer close(r.done)
	defer func() {
		if rec := recover(); rec != nil {
			r.err = fmt.Errorf("runner %s: handler panic: %v", r.name, rec)
			r.shutdown.Store(true)
			r.logger.Error().
				Str("runner", r.name).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked; runner terminated")
		}
	}()
	for {
		ev := r.queue.BlockPop()
		if ev == TerminateEvent {
			return
		}
		r.consume(ev)
	}
}

// consume drives the inner dispatch loop for one popped event. A default
// transition leaves the event in play so it is re-evaluated in the new
// state; everything else resolves the event to the invalid sentinel.
func (r *Runner) consume(ev int) {
	for ev != invalidEvent {
		s := r.current
		if t := s.lookup(ev); t != nil {
			r.runTransition(t)
			ev = invalidEvent
			r.chainDefaults()
			continue
		}
		if d := s.lookup(DefaultEvent); d != nil {
			r.runTransition(d)
			if r.current == s {
				// A default that goes nowhere cannot make progress on this
				// event; drop it.
				ev = invalidEvent
			}
			continue
		}
		r.logger.Debug().
			Str("runner", r.name).
			Int("event", ev).
			Str("state", s.name).
			Msg("event not handled")
		ev = invalidEvent
	}
}

// chainDefaults keeps following default transitions after a transition, for
// as long as one exists and keeps moving the machine.
func (r *Runner) chainDefaults() {
	for {
		s := r.current
		d := s.lookup(DefaultEvent)
		if d == nil {
			return
		}
		r.runTransition(d)
		if r.current == s {
			return
		}
	}
}

// runTransition performs the fixed, observable order: exit of the current
// state, the transition action, the state assignment, StateChanged
// subscribers, entry of the new state.
func (r *Runner) runTransition(t *binding) {
	if r.current.exit.IsValid() {
		r.current.exit.Call(nil)
	}
	if t.action.IsValid() {
		t.action.Call(nil)
	}
	r.current = t.to
	r.stateNow.Store(t.to.name)
	r.notifyStateChanged(t.to.name)
	if t.to.entry.IsValid() {
		t.to.entry.Call(nil)
	}
}

func (r *Runner) notifyStateChanged(state string) {
	r.subMu.Lock()
	subs := make([]func(string), len(r.subs))
	copy(subs, r.subs)
	r.subMu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
}
