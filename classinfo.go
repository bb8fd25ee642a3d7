package statehost

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Construction errors. NewRunner and PushSM wrap these; check with errors.Is.
var (
	// ErrBadMachine is returned when the admitted value is not a pointer to a
	// struct embedding Machine.
	ErrBadMachine = errors.New("invalid machine type")
	// ErrBadStateField is returned when a state field is not an integer type
	// implementing fmt.Stringer, or names no states.
	ErrBadStateField = errors.New("invalid state field")
	// ErrBadSignature is returned for a handler method whose signature does
	// not match its role.
	ErrBadSignature = errors.New("malformed handler signature")
	// ErrDuplicateHandler is returned when two handlers claim the same
	// (state, event variant) pair.
	ErrDuplicateHandler = errors.New("duplicate handler")
	// ErrMissingHandler is returned when a declared or definition-bound
	// method is absent from the implementation.
	ErrMissingHandler = errors.New("handler not found")
	// ErrUnknownState is returned for a state name or value outside the
	// machine's state set.
	ErrUnknownState = errors.New("unknown state")
	// ErrAlreadyHosted is returned when a machine is pushed while it is
	// still owned by a host.
	ErrAlreadyHosted = errors.New("machine already hosted")
	// ErrDisposed is returned when work is pushed to a disposed host.
	ErrDisposed = errors.New("host disposed")
)

// maxStates bounds state-name probing over a Stringer enum.
const maxStates = 256

// Declarer opts a machine type into declarative handler binding: instead of
// the naming conventions, DeclareHandlers registers each handler method
// explicitly, and the state field carries the struct tag `sm:"state"`.
// DeclareHandlers is invoked once per type on a zero instance, so it must not
// depend on instance state.
type Declarer interface {
	DeclareHandlers(b *Bindings)
}

// HandlerExcluder lets a machine type exclude methods from automatic
// discovery, for operations whose names would otherwise read as handlers.
// Called once per type on a zero instance.
type HandlerExcluder interface {
	ExcludedHandlers() []string
}

type stateInfo struct {
	name string
	// entry is func(recv, AnyEvent, S); exit and deflt are func(recv,
	// AnyEvent); transitions map an event variant to func(recv, variant).
	entry       reflect.Value
	exit        reflect.Value
	deflt       reflect.Value
	transitions map[reflect.Type]reflect.Value
}

// classInfo is the immutable dispatch table of one concrete machine type,
// built once under classMu and cached process-wide.
type classInfo struct {
	typ        reflect.Type // concrete pointer type
	declared   bool
	hasStates  bool
	stateType  reflect.Type
	stateIndex []int
	states     []stateInfo
	handlers   map[reflect.Type]reflect.Value // class-level, by event variant
}

var (
	classMu sync.Mutex
	classes = map[reflect.Type]*classInfo{}

	anyEventType    = reflect.TypeOf((*AnyEvent)(nil)).Elem()
	machineEventPtr = reflect.TypeOf((*MachineEvent)(nil))
	stringerType    = reflect.TypeOf((*fmt.Stringer)(nil)).Elem()
	declarerType    = reflect.TypeOf((*Declarer)(nil)).Elem()
)

// classInfoFor returns the cached dispatch table for a concrete machine
// type, building it on first use.
func classInfoFor(t reflect.Type) (*classInfo, error) {
	classMu.Lock()
	defer classMu.Unlock()
	if info, ok := classes[t]; ok {
		return info, nil
	}
	info, err := buildClassInfo(t)
	if err != nil {
		return nil, err
	}
	classes[t] = info
	return info, nil
}

func buildClassInfo(t reflect.Type) (*classInfo, error) {
	if t == nil || t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %v must be a pointer to struct", ErrBadMachine, t)
	}
	info := &classInfo{
		typ:      t,
		declared: t.Implements(declarerType),
		handlers: map[reflect.Type]reflect.Value{},
	}
	if err := findStateField(info); err != nil {
		return nil, err
	}
	if info.declared {
		return info, buildDeclared(info)
	}
	return info, buildAutomatic(info)
}

// findStateField locates the state variable: the `sm:"state"`-tagged field in
// declared mode, the field named State otherwise. Machines without one are
// event-only.
func findStateField(info *classInfo) error {
	elem := info.typ.Elem()
	var field reflect.StructField
	found := false
	if info.declared {
		for i := 0; i < elem.NumField(); i++ {
			if f := elem.Field(i); f.Tag.Get("sm") == "state" {
				field, found = f, true
				break
			}
		}
	} else if f, ok := elem.FieldByName("State"); ok && len(f.Index) == 1 {
		field, found = f, true
	}
	if !found {
		return nil
	}
	switch field.Type.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
	default:
		return fmt.Errorf("%w: %s.%s must be an integer type", ErrBadStateField, elem.Name(), field.Name)
	}
	if !field.Type.Implements(stringerType) {
		return fmt.Errorf("%w: %s.%s: %s must implement fmt.Stringer", ErrBadStateField, elem.Name(), field.Name, field.Type)
	}
	names := stateNames(field.Type)
	if len(names) == 0 {
		return fmt.Errorf("%w: %s names no states", ErrBadStateField, field.Type)
	}
	info.hasStates = true
	info.stateType = field.Type
	info.stateIndex = field.Index
	info.states = make([]stateInfo, len(names))
	for i, name := range names {
		info.states[i] = stateInfo{name: name, transitions: map[reflect.Type]reflect.Value{}}
	}
	return nil
}

// stateNames enumerates the enum's member names from value 0 upward via
// String(), stopping at the stringer out-of-range form "T(n)" or an empty
// name. States must therefore be contiguous from zero.
func stateNames(t reflect.Type) []string {
	var names []string
	for i := 0; i < maxStates; i++ {
		v := reflect.New(t).Elem()
		if v.CanInt() {
			v.SetInt(int64(i))
		} else {
			v.SetUint(uint64(i))
		}
		name := v.Interface().(fmt.Stringer).String()
		if name == "" || name == fmt.Sprintf("%s(%d)", t.Name(), i) {
			break
		}
		names = append(names, name)
	}
	return names
}

// baseMethods are the Machine operations promoted into every concrete type,
// plus the opt-in interfaces; none of them are handlers.
var baseMethods = map[string]struct{}{
	"PushEvent":        {},
	"PushTimer":        {},
	"Terminate":        {},
	"Host":             {},
	"Name":             {},
	"OnEntry":          {},
	"OnExit":           {},
	"OnEventDefault":   {},
	"DeclareHandlers":  {},
	"ExcludedHandlers": {},
}

func buildAutomatic(info *classInfo) error {
	t := info.typ
	excluded := map[string]struct{}{}
	if ex, ok := reflect.New(t.Elem()).Interface().(HandlerExcluder); ok {
		for _, name := range ex.ExcludedHandlers() {
			excluded[name] = struct{}{}
		}
	}
	for i := 0; i < t.NumMethod(); i++ {
		method := t.Method(i)
		if _, ok := baseMethods[method.Name]; ok {
			continue
		}
		if _, ok := excluded[method.Name]; ok {
			continue
		}
		if idx, suffix, ok := info.splitStateMethod(method.Name); ok {
			if err := info.bindStateMethod(idx, suffix, method); err != nil {
				return err
			}
			continue
		}
		// Any other single-parameter method taking an event variant is a
		// class-level handler.
		if variant, ok := soleEventParam(method.Type); ok {
			if _, dup := info.handlers[variant]; dup {
				return fmt.Errorf("%w: %s for %v", ErrDuplicateHandler, method.Name, variant)
			}
			info.handlers[variant] = method.Func
		}
	}
	return nil
}

// splitStateMethod matches a method name against "<StateName>_<suffix>",
// preferring the longest state name.
func (info *classInfo) splitStateMethod(name string) (idx int, suffix string, ok bool) {
	if !info.hasStates {
		return 0, "", false
	}
	best := -1
	for i := range info.states {
		s := info.states[i].name
		if strings.HasPrefix(name, s+"_") && (best < 0 || len(s) > len(info.states[best].name)) {
			best = i
			suffix = name[len(s)+1:]
		}
	}
	if best < 0 {
		return 0, "", false
	}
	return best, suffix, true
}

func (info *classInfo) bindStateMethod(idx int, suffix string, method reflect.Method) error {
	mt := method.Type
	nin := mt.NumIn() - 1 // receiver excluded
	if mt.NumOut() != 0 || nin > 2 {
		return fmt.Errorf("%w: %s.%s", ErrBadSignature, info.typ, method.Name)
	}
	s := &info.states[idx]
	switch suffix {
	case "EntryState":
		if nin != 2 || mt.In(1) != anyEventType || mt.In(2) != info.stateType {
			return fmt.Errorf("%w: %s.%s: want (statehost.AnyEvent, %s)", ErrBadSignature, info.typ, method.Name, info.stateType)
		}
		if s.entry.IsValid() {
			return fmt.Errorf("%w: entry for state %s", ErrDuplicateHandler, s.name)
		}
		s.entry = method.Func
	case "ExitState":
		if nin != 1 || mt.In(1) != anyEventType {
			return fmt.Errorf("%w: %s.%s: want (statehost.AnyEvent)", ErrBadSignature, info.typ, method.Name)
		}
		if s.exit.IsValid() {
			return fmt.Errorf("%w: exit for state %s", ErrDuplicateHandler, s.name)
		}
		s.exit = method.Func
	default:
		if nin != 1 {
			return fmt.Errorf("%w: %s.%s", ErrBadSignature, info.typ, method.Name)
		}
		param := mt.In(1)
		switch {
		case param == anyEventType:
			if s.deflt.IsValid() {
				return fmt.Errorf("%w: default transition for state %s", ErrDuplicateHandler, s.name)
			}
			s.deflt = method.Func
		case isEventVariant(param):
			if _, dup := s.transitions[param]; dup {
				return fmt.Errorf("%w: state %s already handles %v", ErrDuplicateHandler, s.name, param)
			}
			s.transitions[param] = method.Func
		default:
			return fmt.Errorf("%w: %s.%s: parameter %v is not an event variant", ErrBadSignature, info.typ, method.Name, param)
		}
	}
	return nil
}

// isEventVariant reports whether t is a strict MachineEvent subtype: a
// pointer to a struct embedding MachineEvent, other than *MachineEvent
// itself.
func isEventVariant(t reflect.Type) bool {
	return t != machineEventPtr &&
		t.Kind() == reflect.Pointer &&
		t.Elem().Kind() == reflect.Struct &&
		t.Implements(anyEventType)
}

// soleEventParam extracts the single event-variant parameter of a void
// method, if that is its shape.
func soleEventParam(mt reflect.Type) (reflect.Type, bool) {
	if mt.NumOut() != 0 || mt.NumIn() != 2 {
		return nil, false
	}
	if param := mt.In(1); isEventVariant(param) {
		return param, true
	}
	return nil, false
}

/******* Declarative binding *******/

// Bindings collects the handler registrations of a Declarer. All methods are
// referenced by name and validated against the same signature rules as
// automatic discovery.
type Bindings struct {
	info *classInfo
	err  error
}

func (b *Bindings) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *Bindings) stateOf(state any) (int, bool) {
	if !b.info.hasStates {
		b.fail(fmt.Errorf("%w: %s has no state field", ErrBadStateField, b.info.typ))
		return 0, false
	}
	v := reflect.ValueOf(state)
	if v.Type() != b.info.stateType {
		b.fail(fmt.Errorf("%w: %v is not a %s value", ErrUnknownState, state, b.info.stateType))
		return 0, false
	}
	var raw int64
	if v.CanInt() {
		raw = v.Int()
	} else {
		raw = int64(v.Uint())
	}
	if raw < 0 || raw >= int64(len(b.info.states)) {
		b.fail(fmt.Errorf("%w: %v", ErrUnknownState, state))
		return 0, false
	}
	return int(raw), true
}

func (b *Bindings) method(name string) (reflect.Method, bool) {
	m, ok := b.info.typ.MethodByName(name)
	if !ok {
		b.fail(fmt.Errorf("%w: %s.%s", ErrMissingHandler, b.info.typ, name))
	}
	return m, ok
}

// Transition registers method as a transition handler for the given source
// state. A parameter of type AnyEvent makes it the state's default
// transition; an event-variant parameter keys it by that variant.
func (b *Bindings) Transition(from any, method string) {
	idx, ok := b.stateOf(from)
	if !ok {
		return
	}
	m, ok := b.method(method)
	if !ok {
		return
	}
	mt := m.Type
	if mt.NumOut() != 0 || mt.NumIn() != 2 {
		b.fail(fmt.Errorf("%w: %s.%s", ErrBadSignature, b.info.typ, method))
		return
	}
	s := &b.info.states[idx]
	switch param := mt.In(1); {
	case param == anyEventType:
		if s.deflt.IsValid() {
			b.fail(fmt.Errorf("%w: default transition for state %s", ErrDuplicateHandler, s.name))
			return
		}
		s.deflt = m.Func
	case isEventVariant(param):
		if _, dup := s.transitions[param]; dup {
			b.fail(fmt.Errorf("%w: state %s already handles %v", ErrDuplicateHandler, s.name, param))
			return
		}
		s.transitions[param] = m.Func
	default:
		b.fail(fmt.Errorf("%w: %s.%s: parameter %v is not an event variant", ErrBadSignature, b.info.typ, method, param))
	}
}

// Entry registers method as the entry handler of state; the expected shape is
// func(AnyEvent, S).
func (b *Bindings) Entry(state any, method string) {
	idx, ok := b.stateOf(state)
	if !ok {
		return
	}
	m, ok := b.method(method)
	if !ok {
		return
	}
	mt := m.Type
	if mt.NumOut() != 0 || mt.NumIn() != 3 || mt.In(1) != anyEventType || mt.In(2) != b.info.stateType {
		b.fail(fmt.Errorf("%w: %s.%s: want (statehost.AnyEvent, %s)", ErrBadSignature, b.info.typ, method, b.info.stateType))
		return
	}
	s := &b.info.states[idx]
	if s.entry.IsValid() {
		b.fail(fmt.Errorf("%w: entry for state %s", ErrDuplicateHandler, s.name))
		return
	}
	s.entry = m.Func
}

// Exit registers method as the exit handler of state; the expected shape is
// func(AnyEvent).
func (b *Bindings) Exit(state any, method string) {
	idx, ok := b.stateOf(state)
	if !ok {
		return
	}
	m, ok := b.method(method)
	if !ok {
		return
	}
	mt := m.Type
	if mt.NumOut() != 0 || mt.NumIn() != 2 || mt.In(1) != anyEventType {
		b.fail(fmt.Errorf("%w: %s.%s: want (statehost.AnyEvent)", ErrBadSignature, b.info.typ, method))
		return
	}
	s := &b.info.states[idx]
	if s.exit.IsValid() {
		b.fail(fmt.Errorf("%w: exit for state %s", ErrDuplicateHandler, s.name))
		return
	}
	s.exit = m.Func
}

// Handler registers method as a class-level event handler, keyed by its
// event-variant parameter; it runs in any state when no per-state transition
// matched.
func (b *Bindings) Handler(method string) {
	m, ok := b.method(method)
	if !ok {
		return
	}
	variant, ok := soleEventParam(m.Type)
	if !ok {
		b.fail(fmt.Errorf("%w: %s.%s", ErrBadSignature, b.info.typ, method))
		return
	}
	if _, dup := b.info.handlers[variant]; dup {
		b.fail(fmt.Errorf("%w: %s for %v", ErrDuplicateHandler, method, variant))
		return
	}
	b.info.handlers[variant] = m.Func
}

func buildDeclared(info *classInfo) error {
	b := &Bindings{info: info}
	reflect.New(info.typ.Elem()).Interface().(Declarer).DeclareHandlers(b)
	return b.err
}
