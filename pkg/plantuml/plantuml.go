// Package plantuml renders a statehost Definition as a PlantUML state
// diagram, for documentation and debugging of data-driven machines.
package plantuml

import (
	"fmt"
	"io"
	"strings"

	"github.com/Asteryond/statehost"
)

func id(name string) string {
	return strings.ReplaceAll(strings.ReplaceAll(name, "-", "_"), " ", "_")
}

func label(event int, action string) string {
	var b strings.Builder
	if event == statehost.DefaultEvent {
		b.WriteString("default")
	} else {
		fmt.Fprintf(&b, "on %d", event)
	}
	if action != "" {
		fmt.Fprintf(&b, " / %s", action)
	}
	return b.String()
}

// Generate writes the diagram for def to w.
func Generate(w io.Writer, def statehost.Definition) error {
	var b strings.Builder
	b.WriteString("@startuml\n")
	for _, s := range def.States {
		fmt.Fprintf(&b, "state %s\n", id(s.Name))
	}
	if def.First != "" {
		fmt.Fprintf(&b, "[*] --> %s\n", id(def.First))
	}
	for _, t := range def.Transitions {
		fmt.Fprintf(&b, "%s --> %s : %s\n", id(t.From), id(t.To), label(t.Event, t.Action))
	}
	for _, g := range def.Globals {
		fmt.Fprintf(&b, "note \"any state: %s\" as G%d\n", label(g.Event, g.Action), g.Event)
	}
	b.WriteString("@enduml\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// Render returns the diagram for def as a string.
func Render(def statehost.Definition) string {
	var b strings.Builder
	_ = Generate(&b, def)
	return b.String()
}
