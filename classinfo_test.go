package statehost

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doorState int

const (
	doorClosed doorState = iota
	doorOpen
)

func (s doorState) String() string {
	switch s {
	case doorClosed:
		return "Closed"
	case doorOpen:
		return "Open"
	default:
		return fmt.Sprintf("doorState(%d)", int(s))
	}
}

type knockEvent struct{ MachineEvent }
type slamEvent struct{ MachineEvent }

type door struct {
	Machine
	State doorState

	entries, exits, defaults, classLevel int
}

func (d *door) Closed_OnKnock(*knockEvent) { d.State = doorOpen }
func (d *door) Open_OnSlam(*slamEvent) { d.State = doorClosed }
func (d *door) Open_EntryState(_ AnyEvent, _ doorState) { d.entries++ }
func (d *door) Open_ExitState(_ AnyEvent) { d.exits++ }
func (d *door) Closed_(_ AnyEvent) { d.defaults++ }
func (d *door) OnAudit(*auditEvent) { d.classLevel++ }

// Helper is not a handler: its name matches no state prefix and its
// parameter is not an event variant.
func (d *door) Helper(int) {}

type auditEvent struct{ MachineEvent }

func TestAutomaticDiscovery(t *testing.T) {
	info, err := classInfoFor(reflect.TypeOf(&door{}))
	require.NoError(t, err)

	require.True(t, info.hasStates)
	require.Len(t, info.states, 2)
	assert.Equal(t, "Closed", info.states[doorClosed].name)
	assert.Equal(t, "Open", info.states[doorOpen].name)

	closed := info.states[doorClosed]
	assert.Contains(t, closed.transitions, reflect.TypeOf(&knockEvent{}))
	assert.True(t, closed.deflt.IsValid(), "empty-suffix method is the default transition")
	assert.False(t, closed.entry.IsValid())

	open := info.states[doorOpen]
	assert.Contains(t, open.transitions, reflect.TypeOf(&slamEvent{}))
	assert.True(t, open.entry.IsValid())
	assert.True(t, open.exit.IsValid())

	assert.Contains(t, info.handlers, reflect.TypeOf(&auditEvent{}))
}

func TestClassInfoIsCached(t *testing.T) {
	a, err := classInfoFor(reflect.TypeOf(&door{}))
	require.NoError(t, err)
	b, err := classInfoFor(reflect.TypeOf(&door{}))
	require.NoError(t, err)
	assert.Same(t, a, b)
}

type statelessBell struct {
	Machine
	rings int
}

func (b *statelessBell) OnKnock(*knockEvent) { b.rings++ }

func TestStatelessMachine(t *testing.T) {
	info, err := classInfoFor(reflect.TypeOf(&statelessBell{}))
	require.NoError(t, err)
	assert.False(t, info.hasStates)
	assert.Contains(t, info.handlers, reflect.TypeOf(&knockEvent{}))
}

type duplicateDoor struct {
	Machine
	State doorState
}

func (d *duplicateDoor) Closed_OnKnock(*knockEvent) { d.State = doorOpen }
func (d *duplicateDoor) Closed_Knocked(*knockEvent) {}

func TestDuplicateHandlerRejected(t *testing.T) {
	_, err := classInfoFor(reflect.TypeOf(&duplicateDoor{}))
	require.ErrorIs(t, err, ErrDuplicateHandler)
}

type malformedDoor struct {
	Machine
	State doorState
}

func (d *malformedDoor) Closed_Oops(int) {}

func TestMalformedHandlerRejected(t *testing.T) {
	_, err := classInfoFor(reflect.TypeOf(&malformedDoor{}))
	require.ErrorIs(t, err, ErrBadSignature)
}

type excludedDoor struct {
	Machine
	State doorState
}

func (d *excludedDoor) Closed_Oops(int) {}
func (d *excludedDoor) Closed_OnKnock(*knockEvent) { d.State = doorOpen }
func (d *excludedDoor) ExcludedHandlers() []string { return []string{"Closed_Oops"} }

func TestExcludedHandlers(t *testing.T) {
	info, err := classInfoFor(reflect.TypeOf(&excludedDoor{}))
	require.NoError(t, err)
	assert.Contains(t, info.states[doorClosed].transitions, reflect.TypeOf(&knockEvent{}))
}

type badStateDoor struct {
	Machine
	State string
}

func TestNonIntegerStateRejected(t *testing.T) {
	_, err := classInfoFor(reflect.TypeOf(&badStateDoor{}))
	require.ErrorIs(t, err, ErrBadStateField)
}

// declaredDoor opts into declarative binding: the state field is tagged and
// handlers are registered by name.
type declaredDoor struct {
	Machine
	Phase doorState `sm:"state"`

	entries int
}

func (d *declaredDoor) HandleKnock(*knockEvent) { d.Phase = doorOpen }
func (d *declaredDoor) EnterOpen(_ AnyEvent, _ doorState) { d.entries++ }
func (d *declaredDoor) Audit(*auditEvent) {}

func (d *declaredDoor) DeclareHandlers(b *Bindings) {
	b.Transition(doorClosed, "HandleKnock")
	b.Entry(doorOpen, "EnterOpen")
	b.Handler("Audit")
}

func TestDeclaredBinding(t *testing.T) {
	info, err := classInfoFor(reflect.TypeOf(&declaredDoor{}))
	require.NoError(t, err)
	require.True(t, info.declared)
	require.True(t, info.hasStates)
	assert.Contains(t, info.states[doorClosed].transitions, reflect.TypeOf(&knockEvent{}))
	assert.True(t, info.states[doorOpen].entry.IsValid())
	assert.Contains(t, info.handlers, reflect.TypeOf(&auditEvent{}))
}

type declaredMissing struct {
	Machine
	Phase doorState `sm:"state"`
}

func (d *declaredMissing) DeclareHandlers(b *Bindings) {
	b.Transition(doorClosed, "NoSuchMethod")
}

func TestDeclaredMissingMethodRejected(t *testing.T) {
	_, err := classInfoFor(reflect.TypeOf(&declaredMissing{}))
	require.ErrorIs(t, err, ErrMissingHandler)
}

func TestStateNamesStopAtDefaultForm(t *testing.T) {
	names := stateNames(reflect.TypeOf(doorState(0)))
	assert.Equal(t, []string{"Closed", "Open"}, names)
}
