// Package workflow provides the per-verb decision graphs and next-step resolution.
package workflow

import (
	"fmt"
	"sort"

	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
)

// Terminal sentinels shared by every graph. They are never real nodes.
const (
	TerminalSendMessageToChat = "sendMessageToChat"
	TerminalEnd               = "end"
)

var terminalSentinels = map[string]bool{
	TerminalSendMessageToChat: true,
	TerminalEnd:               true,
}

// IsTerminal reports whether step ends the automatic walk. The empty string is
// the null target.
func IsTerminal(step string) bool {
	return step == "" || terminalSentinels[step]
}

// Node is one named step with its yes and no targets. An empty target is null.
type Node struct {
	Step        string `json:"step" yaml:"step" toml:"step"`
	OnYes       string `json:"on_yes,omitempty" yaml:"on_yes" toml:"on_yes"`
	OnNo        string `json:"on_no,omitempty" yaml:"on_no" toml:"on_no"`
	Description string `json:"description,omitempty" yaml:"description" toml:"description"`
}

// Next returns the target for decision.
func (n *Node) Next(decision envelope.Decision) (string, error) {
	switch decision {
	case envelope.DecisionYes:
		return n.OnYes, nil
	case envelope.DecisionNo:
		return n.OnNo, nil
	default:
		return "", fmt.Errorf("%w: %q at step %s", ErrInvalidDecision, decision, n.Step)
	}
}

// Graph is the static decision tree for one verb. It is read-only once validated.
type Graph struct {
	Verb  envelope.Verb `json:"verb" yaml:"verb" toml:"verb"`
	Entry string        `json:"entry" yaml:"entry" toml:"entry"`
	Nodes []*Node       `json:"nodes" yaml:"nodes" toml:"nodes"`

	index map[string]*Node
}

// Node looks up a step by name. Valid only after Validate.
func (g *Graph) Node(step string) (*Node, bool) {
	n, ok := g.index[step]
	return n, ok
}

// Steps returns the node names in declaration order.
func (g *Graph) Steps() []string {
	steps := make([]string, len(g.Nodes))
	for i, n := range g.Nodes {
		steps[i] = n.Step
	}
	return steps
}

// Validate checks the graph and builds its index. Every target must name a
// node of this graph or a terminal sentinel, and yes-edges must not form a
// cycle. No-edges are only followed after a human decision, so they may point
// backwards.
func (g *Graph) Validate() error {
	if _, err := envelope.VerbFromString(string(g.Verb)); err != nil {
		return &GraphError{Verb: g.Verb, Msg: err.Error()}
	}
	if g.Verb.IsPendingClassification() {
		return &GraphError{Verb: g.Verb, Msg: "the classification verb cannot own a graph"}
	}
	if len(g.Nodes) == 0 {
		return &GraphError{Verb: g.Verb, Msg: "has no nodes"}
	}

	index := make(map[string]*Node, len(g.Nodes))
	for _, n := range g.Nodes {
		if n == nil || n.Step == "" {
			return &GraphError{Verb: g.Verb, Msg: "node without a step name"}
		}
		if terminalSentinels[n.Step] {
			return &GraphError{Verb: g.Verb, Step: n.Step, Msg: "uses a reserved terminal name"}
		}
		if _, dup := index[n.Step]; dup {
			return &GraphError{Verb: g.Verb, Step: n.Step, Msg: "is declared twice"}
		}
		index[n.Step] = n
	}

	if _, ok := index[g.Entry]; !ok {
		return &GraphError{Verb: g.Verb, Msg: fmt.Sprintf("entry '%s' is not a node", g.Entry)}
	}

	for _, n := range g.Nodes {
		for _, target := range []string{n.OnYes, n.OnNo} {
			if IsTerminal(target) {
				continue
			}
			if _, ok := index[target]; !ok {
				return &GraphError{Verb: g.Verb, Step: n.Step, Msg: fmt.Sprintf("routes to unknown target '%s'", target)}
			}
		}
	}

	if err := checkYesEdgesAcyclic(g.Verb, g.Nodes); err != nil {
		return err
	}

	g.index = index
	return nil
}

// checkYesEdgesAcyclic runs Kahn's algorithm over the yes-edges.
func checkYesEdgesAcyclic(verb envelope.Verb, nodes []*Node) error {
	inDegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		if _, ok := inDegree[n.Step]; !ok {
			inDegree[n.Step] = 0
		}
		if !IsTerminal(n.OnYes) {
			inDegree[n.OnYes]++
		}
	}

	queue := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if inDegree[n.Step] == 0 {
			queue = append(queue, n.Step)
		}
	}

	next := make(map[string]string, len(nodes))
	for _, n := range nodes {
		next[n.Step] = n.OnYes
	}

	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++

		if target := next[current]; !IsTerminal(target) {
			inDegree[target]--
			if inDegree[target] == 0 {
				queue = append(queue, target)
			}
		}
	}

	if visited != len(nodes) {
		cycle := make([]string, 0)
		for step, degree := range inDegree {
			if degree > 0 {
				cycle = append(cycle, step)
			}
		}
		sort.Strings(cycle)
		return &GraphError{Verb: verb, Msg: fmt.Sprintf("automatic cycle detected involving steps: %v", cycle)}
	}
	return nil
}
