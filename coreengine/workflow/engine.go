package workflow

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
)

type graphSet map[envelope.Verb]*Graph

// Engine answers "what runs next" for every loaded verb. The graph set is
// immutable once published, so reads need no locking; Reload swaps in a new
// validated set atomically.
type Engine struct {
	graphs atomic.Pointer[graphSet]

	mu     sync.Mutex
	checks []Check
}

// Check inspects a candidate graph set before Reload publishes it. The
// candidate engine is private to the check and never served.
type Check func(candidate *Engine) error

// NewEngine loads and validates graphs eagerly.
func NewEngine(loader Loader) (*Engine, error) {
	e := &Engine{}
	if err := e.Reload(loader); err != nil {
		return nil, err
	}
	return e, nil
}

// AddCheck registers a check that every later Reload must pass.
func (e *Engine) AddCheck(check Check) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checks = append(e.checks, check)
}

// Reload loads a new graph set and publishes it only if every graph is valid
// and every registered check accepts it.
func (e *Engine) Reload(loader Loader) error {
	graphs, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load workflow graphs: %w", err)
	}
	set, err := buildGraphSet(graphs)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.checks) > 0 {
		candidate := &Engine{}
		candidate.graphs.Store(&set)
		for _, check := range e.checks {
			if err := check(candidate); err != nil {
				return err
			}
		}
	}
	e.graphs.Store(&set)
	return nil
}

func buildGraphSet(graphs []*Graph) (graphSet, error) {
	if len(graphs) == 0 {
		return nil, fmt.Errorf("%w: no graphs loaded", ErrInvalidGraph)
	}
	set := make(graphSet, len(graphs))
	for _, g := range graphs {
		if err := g.Validate(); err != nil {
			return nil, err
		}
		if _, dup := set[g.Verb]; dup {
			return nil, &GraphError{Verb: g.Verb, Msg: "declared twice"}
		}
		set[g.Verb] = g
	}
	return set, nil
}

// Graph returns the graph for verb.
func (e *Engine) Graph(verb envelope.Verb) (*Graph, error) {
	set := e.graphs.Load()
	if set == nil {
		return nil, &UnknownVerbError{Verb: verb}
	}
	g, ok := (*set)[verb]
	if !ok {
		return nil, &UnknownVerbError{Verb: verb}
	}
	return g, nil
}

// Entry returns the fixed entry step of verb's graph.
func (e *Engine) Entry(verb envelope.Verb) (string, error) {
	g, err := e.Graph(verb)
	if err != nil {
		return "", err
	}
	return g.Entry, nil
}

// ResolveNext returns the target of step for decision. The empty string is the
// null target. An invalid decision is a caller bug and fails with ErrInvalidDecision.
func (e *Engine) ResolveNext(verb envelope.Verb, step string, decision envelope.Decision) (string, error) {
	g, err := e.Graph(verb)
	if err != nil {
		return "", err
	}
	node, ok := g.Node(step)
	if !ok {
		return "", &UnknownStepError{Verb: verb, Step: step}
	}
	return node.Next(decision)
}

// IsTerminal reports whether step ends the automatic walk.
func (e *Engine) IsTerminal(step string) bool {
	return IsTerminal(step)
}

// Verbs returns the loaded verbs, sorted.
func (e *Engine) Verbs() []envelope.Verb {
	set := e.graphs.Load()
	if set == nil {
		return nil
	}
	verbs := make([]envelope.Verb, 0, len(*set))
	for v := range *set {
		verbs = append(verbs, v)
	}
	sort.Slice(verbs, func(i, j int) bool { return verbs[i] < verbs[j] })
	return verbs
}
