package graph

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Describe renders the graph as a Mermaid flowchart. Conditional edges are
// dotted and labelled with their candidate names.
func (g *Graph) Describe() string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	fmt.Fprintf(&b, "    %s([start])\n", mermaidID(Start))
	for _, name := range g.order {
		fmt.Fprintf(&b, "    %s[%q]\n", mermaidID(name), name)
	}
	fmt.Fprintf(&b, "    %s([end])\n", mermaidID(End))

	if g.entry != "" {
		fmt.Fprintf(&b, "    %s --> %s\n", mermaidID(Start), mermaidID(g.entry))
	}
	for _, from := range g.order {
		e := g.edges[from]
		if e == nil {
			continue
		}
		if !e.conditional() {
			fmt.Fprintf(&b, "    %s --> %s\n", mermaidID(from), mermaidID(e.to))
			continue
		}
		for _, label := range slices.Sorted(maps.Keys(e.candidates)) {
			fmt.Fprintf(&b, "    %s -. %s .-> %s\n", mermaidID(from), label, mermaidID(e.candidates[label]))
		}
	}
	return b.String()
}

// mermaidID maps a node name to an identifier Mermaid accepts.
func mermaidID(name string) string {
	switch name {
	case Start:
		return "START"
	case End:
		return "END"
	}
	var b strings.Builder
	b.WriteString("n_")
	for _, r := range name {
		if r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
