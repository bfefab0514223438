package agents

import (
	"errors"
	"sort"
	"sync"

	"github.com/jeeves-cluster-organization/supervisor/coreengine/workflow"
)

// Registry maps step names to implementations and holds the classifier.
type Registry struct {
	mu         sync.RWMutex
	steps      map[string]Step
	classifier Classifier
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// Register adds step under its name.
func (r *Registry) Register(step Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := step.Name()
	if _, exists := r.steps[name]; exists {
		return &StepAlreadyRegisteredError{Step: name}
	}
	r.steps[name] = step
	return nil
}

// SetClassifier sets the classifier used for unclassified requests.
func (r *Registry) SetClassifier(c Classifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifier = c
}

// Classifier returns the registered classifier, or nil.
func (r *Registry) Classifier() Classifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.classifier
}

// Lookup returns the step registered under name.
func (r *Registry) Lookup(name string) (Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.steps[name]
	return s, ok
}

// Names returns registered step names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.steps))
	for n := range r.steps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate fails if any node of any loaded graph has no implementation, or
// if no classifier is set.
func (r *Registry) Validate(engine *workflow.Engine) error {
	if r.Classifier() == nil {
		return errors.New("no classifier registered")
	}
	for _, verb := range engine.Verbs() {
		g, err := engine.Graph(verb)
		if err != nil {
			return err
		}
		for _, step := range g.Steps() {
			if _, ok := r.Lookup(step); !ok {
				return &UnregisteredStepError{Verb: verb, Step: step}
			}
		}
	}
	return nil
}
