package statehost

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	evGo = iota + 1
	evCaution
	evStop
	evReset
	evPark
)

// lightLog records every observable step; it is only touched on the runner
// worker, and read after Dispose joins it.
type lightLog struct {
	steps []string
}

func (l *lightLog) RedStateEntry()    { l.steps = append(l.steps, "RedEntry") }
func (l *lightLog) RedStateExit()     { l.steps = append(l.steps, "RedExit") }
func (l *lightLog) GreenStateEntry()  { l.steps = append(l.steps, "GreenEntry") }
func (l *lightLog) GreenStateExit()   { l.steps = append(l.steps, "GreenExit") }
func (l *lightLog) YellowStateEntry() { l.steps = append(l.steps, "YellowEntry") }
func (l *lightLog) YellowStateExit()  { l.steps = append(l.steps, "YellowExit") }
func (l *lightLog) ToGreen()          { l.steps = append(l.steps, "ToGreen") }
func (l *lightLog) ToYellow()         { l.steps = append(l.steps, "ToYellow") }
func (l *lightLog) ToRed()            { l.steps = append(l.steps, "ToRed") }
func (l *lightLog) Reset()            { l.steps = append(l.steps, "Reset") }
func (l *lightLog) Park()             { l.steps = append(l.steps, "Park") }

func trafficDef() Definition {
	return Definition{
		First: "Red",
		States: []State{
			{Name: "Red"}, {Name: "Green"}, {Name: "Yellow"},
		},
		Transitions: []Transition{
			{From: "Red", To: "Green", Event: evGo, Action: "ToGreen"},
			{From: "Green", To: "Yellow", Event: evCaution, Action: "ToYellow"},
			{From: "Yellow", To: "Red", Event: evStop, Action: "ToRed"},
		},
	}
}

func TestRunnerTrafficLight(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	impl := &lightLog{}
	runner, err := NewRunner(trafficDef(), impl, RunnerConfig{Name: "traffic"})
	require.NoError(t, err)
	runner.OnStateChanged(func(state string) {
		impl.steps = append(impl.steps, "StateChanged("+state+")")
	})

	for _, id := range []int{evGo, evCaution, evStop} {
		require.True(t, runner.PushEvent(id))
	}
	runner.Dispose()

	want := []string{
		"RedExit", "ToGreen", "StateChanged(Green)", "GreenEntry",
		"GreenExit", "ToYellow", "StateChanged(Yellow)", "YellowEntry",
		"YellowExit", "ToRed", "StateChanged(Red)", "RedEntry",
	}
	if diff := cmp.Diff(want, impl.steps); diff != "" {
		t.Fatalf("step order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "Red", runner.CurrentState())
	assert.NoError(t, runner.Err())
}

func TestRunnerGlobalEventSelfLoop(t *testing.T) {
	def := trafficDef()
	def.Globals = []AllStateEvent{{Event: evReset, Action: "Reset"}}

	impl := &lightLog{}
	runner, err := NewRunner(def, impl, RunnerConfig{})
	require.NoError(t, err)
	runner.OnStateChanged(func(state string) {
		impl.steps = append(impl.steps, "StateChanged("+state+")")
	})

	runner.PushEvent(evGo)
	runner.PushEvent(evReset)
	runner.Dispose()

	want := []string{
		"RedExit", "ToGreen", "StateChanged(Green)", "GreenEntry",
		"GreenExit", "Reset", "StateChanged(Green)", "GreenEntry",
	}
	if diff := cmp.Diff(want, impl.steps); diff != "" {
		t.Fatalf("step order mismatch (-want +got):\n%s", diff)
	}
}

func TestRunnerGlobalDoesNotOverrideExplicit(t *testing.T) {
	def := trafficDef()
	// Green already handles evCaution; the global must not replace it.
	def.Globals = []AllStateEvent{{Event: evCaution, Action: "Reset"}}

	impl := &lightLog{}
	runner, err := NewRunner(def, impl, RunnerConfig{})
	require.NoError(t, err)
	runner.PushEvent(evGo)
	runner.PushEvent(evCaution)
	runner.Dispose()

	assert.Contains(t, impl.steps, "ToYellow")
	assert.Equal(t, "Yellow", runner.CurrentState())
}

func TestRunnerFirstStateGetsNoEntry(t *testing.T) {
	impl := &lightLog{}
	runner, err := NewRunner(trafficDef(), impl, RunnerConfig{})
	require.NoError(t, err)
	runner.Dispose()
	assert.Empty(t, impl.steps)
}

func TestRunnerUnhandledEventIsDropped(t *testing.T) {
	impl := &lightLog{}
	runner, err := NewRunner(trafficDef(), impl, RunnerConfig{})
	require.NoError(t, err)
	runner.PushEvent(99)
	runner.PushEvent(evGo)
	runner.Dispose()
	assert.Equal(t, "Green", runner.CurrentState())
}

func TestRunnerShutdownEvents(t *testing.T) {
	def := trafficDef()
	def.Transitions = append(def.Transitions,
		Transition{From: "Green", To: "Red", Event: evPark, Action: "Park"},
		Transition{From: "Yellow", To: "Red", Event: evPark, Action: "Park"},
	)
	def.ShutdownEvents = []int{evPark}

	impl := &lightLog{}
	runner, err := NewRunner(def, impl, RunnerConfig{})
	require.NoError(t, err)
	runner.PushEvent(evGo)
	runner.Stop()
	assert.False(t, runner.PushEvent(evCaution), "pushes are refused after Stop")
	runner.Dispose()

	assert.Contains(t, impl.steps, "Park")
	assert.Equal(t, "Red", runner.CurrentState())
}

type defaultChain struct {
	transitions []string
}

func (d *defaultChain) Hop()  { d.transitions = append(d.transitions, "Hop") }
func (d *defaultChain) Stay() { d.transitions = append(d.transitions, "Stay") }

func TestRunnerDefaultChainTerminates(t *testing.T) {
	// A's default hops to B; B's default points at B itself. The chain must
	// stop once a default leaves the state unchanged.
	def := Definition{
		First:  "A",
		States: []State{{Name: "A"}, {Name: "B"}},
		Transitions: []Transition{
			{From: "A", To: "B", Event: DefaultEvent, Action: "Hop"},
			{From: "B", To: "B", Event: DefaultEvent, Action: "Stay"},
		},
	}
	impl := &defaultChain{}
	runner, err := NewRunner(def, impl, RunnerConfig{})
	require.NoError(t, err)

	runner.PushEvent(7) // unhandled: resolved by the default transitions
	done := make(chan struct{})
	go func() {
		runner.Dispose()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("default-transition chain did not terminate")
	}
	assert.Equal(t, []string{"Hop", "Stay"}, impl.transitions)
	assert.Equal(t, "B", runner.CurrentState())
}

func TestRunnerConstructionErrors(t *testing.T) {
	impl := &lightLog{}

	t.Run("unknown first state", func(t *testing.T) {
		def := trafficDef()
		def.First = "Purple"
		_, err := NewRunner(def, impl, RunnerConfig{})
		require.ErrorIs(t, err, ErrUnknownState)
	})

	t.Run("unknown transition target", func(t *testing.T) {
		def := trafficDef()
		def.Transitions = append(def.Transitions, Transition{From: "Red", To: "Purple", Event: 9})
		_, err := NewRunner(def, impl, RunnerConfig{})
		require.ErrorIs(t, err, ErrUnknownState)
	})

	t.Run("missing action", func(t *testing.T) {
		def := trafficDef()
		def.Transitions[0].Action = "NoSuchAction"
		_, err := NewRunner(def, impl, RunnerConfig{})
		require.ErrorIs(t, err, ErrMissingHandler)
	})

	t.Run("duplicate event on one state", func(t *testing.T) {
		def := trafficDef()
		def.Transitions = append(def.Transitions, Transition{From: "Red", To: "Yellow", Event: evGo})
		_, err := NewRunner(def, impl, RunnerConfig{})
		require.Error(t, err)
	})

	t.Run("reserved event id", func(t *testing.T) {
		def := trafficDef()
		def.Transitions = append(def.Transitions, Transition{From: "Red", To: "Green", Event: TerminateEvent})
		_, err := NewRunner(def, impl, RunnerConfig{})
		require.Error(t, err)
	})
}

type panicker struct{}

func (p *panicker) Boom() { panic("kaboom") }

func TestRunnerHandlerPanicTerminatesWorker(t *testing.T) {
	def := Definition{
		First:  "A",
		States: []State{{Name: "A"}, {Name: "B"}},
		Transitions: []Transition{
			{From: "A", To: "B", Event: 1, Action: "Boom"},
		},
	}
	runner, err := NewRunner(def, &panicker{}, RunnerConfig{})
	require.NoError(t, err)

	runner.PushEvent(1)
	select {
	case <-runner.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not terminate on handler panic")
	}
	require.Error(t, runner.Err())
	assert.False(t, runner.PushEvent(1), "a dead runner refuses events")
}

func TestRunnerPushRejectsNonPositiveIDs(t *testing.T) {
	runner, err := NewRunner(trafficDef(), &lightLog{}, RunnerConfig{})
	require.NoError(t, err)
	defer runner.Dispose()

	assert.False(t, runner.PushEvent(0))
	assert.False(t, runner.PushEvent(TerminateEvent))
	assert.False(t, runner.PushEvent(invalidEvent))
}
