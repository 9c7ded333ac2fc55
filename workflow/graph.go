package workflow

import (
	"fmt"
	"strings"
)

// Mermaid renders the plan as a Mermaid flowchart. Parallel and loop steps
// become subgraphs containing their children.
func (p *Plan) Mermaid() string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")

	for _, id := range p.Order {
		writeNode(&b, p.steps[id], "  ")
	}
	for _, id := range p.Order {
		for _, dep := range p.deps[id] {
			fmt.Fprintf(&b, "  %s --> %s\n", mermaidID(dep), mermaidID(id))
		}
	}
	return b.String()
}

func writeNode(b *strings.Builder, s *Step, indent string) {
	children := s.Children()
	if len(children) == 0 {
		label := fmt.Sprintf("%s<br/>%s", s.ID, s.Kind())
		if s.Condition != "" {
			fmt.Fprintf(b, "%s%s{\"%s\"}\n", indent, mermaidID(s.ID), label)
			return
		}
		fmt.Fprintf(b, "%s%s[\"%s\"]\n", indent, mermaidID(s.ID), label)
		return
	}

	title := fmt.Sprintf("%s (%s)", s.ID, s.Kind())
	if s.Loop != nil {
		title = fmt.Sprintf("%s (loop x%d)", s.ID, s.Loop.MaxIterations)
	}
	fmt.Fprintf(b, "%ssubgraph %s [\"%s\"]\n", indent, mermaidID(s.ID), title)
	for _, c := range children {
		writeNode(b, c, indent+"  ")
	}
	fmt.Fprintf(b, "%send\n", indent)
}

func mermaidID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, id)
}
